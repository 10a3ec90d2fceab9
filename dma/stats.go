package dma

// Stats holds the engine counters. Every field only grows.
type Stats struct {
	RxPackets      uint64
	RxBytes        uint64
	RxDropped      uint64
	RxErrors       uint64
	RxCRCErrors    uint64
	RxLengthErrors uint64
	RxOverErrors   uint64
	RxDescErrors   uint64
	RxLateColl     uint64
	RxGiantFrames  uint64
	RxWatchdog     uint64
	RxMIIErrors    uint64
	RxDribbling    uint64
	RxFilterFail   uint64
	RxCsumErrors   uint64
	RxCopied       uint64
	RxZeroCopy     uint64
	RxAllocFailed  uint64

	TxPackets       uint64
	TxBytes         uint64
	TxDropped       uint64
	TxErrors        uint64
	TxTimeout       uint64
	TxFifoErrors    uint64
	TxCarrierErrors uint64
	TxLateColl      uint64
	TxExcessColl    uint64
	TxJabber        uint64
	TxDeferred      uint64
	TxCollisions    uint64
	TxQueueStopped  uint64
	TxQueueWoken    uint64

	// DMA interrupt sources.
	IRQNormal        uint64
	IRQAbnormal      uint64
	IRQTxUnderflow   uint64
	IRQFatalBus      uint64
	IRQTxStopped     uint64
	IRQTxJabber      uint64
	IRQRxOverflow    uint64
	IRQRxBufUnavail  uint64
	IRQRxStopped     uint64
	IRQRxWatchdog    uint64
	IRQEarlyTx       uint64
	IRQLinkChange    uint64
	TxThresholdBumps uint64
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) count(fn func(s *Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

func (e *Engine) countRxErrors(status uint32) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := &e.stats
	s.RxErrors++
	s.RxDropped++
	if status&RxStatusDescriptorError != 0 {
		s.RxDescErrors++
	}
	if status&RxStatusOverflow != 0 {
		s.RxOverErrors++
	}
	if status&RxStatusLateCollision != 0 {
		s.RxLateColl++
	}
	if status&RxStatusGiantFrame != 0 {
		s.RxGiantFrames++
	}
	if status&RxStatusWatchdog != 0 {
		s.RxWatchdog++
	}
	if status&RxStatusMIIError != 0 {
		s.RxMIIErrors++
	}
	if status&RxStatusDribbling != 0 {
		s.RxDribbling++
	}
	if status&RxStatusCRCError != 0 {
		s.RxCRCErrors++
	}
	if status&RxStatusLengthError != 0 {
		s.RxLengthErrors++
	}
}

func (e *Engine) countTxStatus(status uint32) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := &e.stats
	s.TxCollisions += uint64(status >> TxStatusCollisionShift & TxStatusCollisionMask)
	if status&TxStatusDeferred != 0 {
		s.TxDeferred++
	}
	if status&TxStatusErrorSummary == 0 {
		return
	}
	s.TxErrors++
	if status&TxStatusUnderflow != 0 {
		s.TxFifoErrors++
	}
	if status&(TxStatusLossOfCarrier|TxStatusNoCarrier) != 0 {
		s.TxCarrierErrors++
	}
	if status&TxStatusLateCollision != 0 {
		s.TxLateColl++
	}
	if status&TxStatusExcessiveCollision != 0 {
		s.TxExcessColl++
	}
	if status&TxStatusJabberTimeout != 0 {
		s.TxJabber++
	}
}

func (e *Engine) countEvents(ev Event) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := &e.stats
	if ev&(EventRx|EventTx|EventTxBufferUnavailable|EventEarlyRx) != 0 {
		s.IRQNormal++
	}
	if ev&^(EventRx|EventTx|EventTxBufferUnavailable|EventEarlyRx) != 0 {
		s.IRQAbnormal++
	}
	for _, c := range []struct {
		ev Event
		n  *uint64
	}{
		{EventTxUnderflow, &s.IRQTxUnderflow},
		{EventFatalBusError, &s.IRQFatalBus},
		{EventTxStopped, &s.IRQTxStopped},
		{EventTxJabber, &s.IRQTxJabber},
		{EventRxOverflow, &s.IRQRxOverflow},
		{EventRxBufferUnavailable, &s.IRQRxBufUnavail},
		{EventRxStopped, &s.IRQRxStopped},
		{EventRxWatchdog, &s.IRQRxWatchdog},
		{EventEarlyTx, &s.IRQEarlyTx},
		{EventLinkChange, &s.IRQLinkChange},
	} {
		if ev.Has(c.ev) {
			*c.n++
		}
	}
}
