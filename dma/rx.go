package dma

import "github.com/sirupsen/logrus"

// PollRx harvests up to budget completed receive descriptors and then
// refills the consumed slots. It returns the number of descriptors
// processed; a result equal to budget means more work may be pending.
func (e *Engine) PollRx(budget int) int {
	n := 0
	for n < budget {
		if e.rx.Pending() >= e.rx.Len()-1 {
			// cur may not lap dirty: give the consumed slots back first.
			if e.refillRx() == 0 {
				break
			}
			continue
		}
		slot := e.rx.Slot(e.rx.Cur())
		if e.rx.OwnedByHardware(slot) || e.rx.Buffer(slot) == nil {
			break
		}
		e.receive(slot, e.rx.Desc(slot).Status())
		e.rx.advanceCur(1)
		n++
	}
	e.refillRx()
	return n
}

// receive handles one completed descriptor. Frames in error leave the
// buffer attached; it is handed back to the device by refillRx.
func (e *Engine) receive(slot int, status uint32) {
	b := e.rx.Buffer(slot)
	n := RxFrameLen(status) - FCSLen

	switch {
	case status&RxStatusErrorSummary != 0:
		e.countRxErrors(status)
		return
	case status&(RxStatusFilterFail|RxStatusSAFilterFail) != 0:
		e.count(func(s *Stats) {
			s.RxFilterFail++
			s.RxDropped++
		})
		return
	case status&(RxStatusFirstSegment|RxStatusLastSegment) !=
		RxStatusFirstSegment|RxStatusLastSegment,
		n <= 0, n > e.rxBufSize:
		// Frames spanning descriptors are not expected with buffers of
		// rxBufSize bytes.
		e.count(func(s *Stats) {
			s.RxErrors++
			s.RxLengthErrors++
			s.RxDropped++
		})
		return
	}

	csum := e.core.RxChecksum(status)
	if csum == ChecksumBad {
		e.count(func(s *Stats) { s.RxCsumErrors++ })
	}

	if n < e.conf.CopyBreak {
		c, err := e.pool.Acquire(n)
		if err == nil {
			err = e.copyRx(c, b, n)
			if err == nil {
				e.count(func(s *Stats) { s.RxCopied++ })
				e.deliver(c, n, csum)
				return
			}
			_ = c.Release()
			e.l.WithError(err).WithField("slot", slot).Error("Copying rx frame, delivering in place")
		} else {
			e.count(func(s *Stats) { s.RxAllocFailed++ })
			e.l.WithError(err).Debug("Copybreak allocation failed, delivering in place")
		}
	}

	// Zero-copy: the buffer leaves the ring for good.
	if err := e.pool.Unmap(b, Rx); err != nil {
		e.l.WithError(err).WithField("slot", slot).Error("Unmapping rx buffer")
	}
	e.rx.detach(slot)
	b.SetLen(n)
	e.count(func(s *Stats) { s.RxZeroCopy++ })
	e.deliver(b, n, csum)
}

// copyRx copies the first n bytes of the ring buffer b into c. b stays
// mapped; it is lent to the cpu only for the copy.
func (e *Engine) copyRx(c, b *Buffer, n int) error {
	if err := e.pool.SyncForCPU(b, Rx); err != nil {
		return err
	}
	copy(c.Bytes(), b.Bytes()[:n])
	return e.pool.SyncForDevice(b, Rx)
}

func (e *Engine) deliver(b *Buffer, n int, csum ChecksumResult) {
	e.count(func(s *Stats) {
		s.RxPackets++
		s.RxBytes += uint64(n)
	})
	if e.up == nil {
		_ = b.Release()
		return
	}
	e.up.Deliver(b, n, csum)
}

// refillRx walks dirty towards cur, attaching a fresh buffer to every slot
// that lost its buffer to a zero-copy delivery, hands each slot back to the
// device and resumes a suspended receive process. It stops at the first
// allocation failure and leaves the rest for the next pass.
func (e *Engine) refillRx() int {
	n := 0
	for {
		dirty := e.rx.Dirty()
		if dirty == e.rx.Cur() {
			break
		}
		slot := e.rx.Slot(dirty)
		if b := e.rx.Buffer(slot); b != nil {
			addr, err := e.pool.Addr(b)
			if err != nil {
				e.l.WithError(err).WithField("slot", slot).Error("Re-arming rx slot")
				break
			}
			e.layout.PrepareRx(e.rx.Desc(slot), addr, e.rxBufSize)
			e.rx.HandOff(slot)
		} else if err := e.postRx(slot); err != nil {
			e.count(func(s *Stats) { s.RxAllocFailed++ })
			e.l.WithError(err).WithFields(logrus.Fields{
				"slot":    slot,
				"pending": e.rx.Pending(),
			}).Warn("Refilling rx ring")
			break
		}
		e.rx.advanceDirty(1)
		n++
	}
	if n > 0 {
		e.dev.PollDemand(Rx)
	}
	return n
}

// postRx attaches a new mapped buffer to an empty slot and hands the slot
// to the device.
func (e *Engine) postRx(slot int) error {
	b, err := e.pool.Acquire(e.rxBufSize)
	if err != nil {
		return err
	}
	addr, err := e.pool.Map(b, Rx)
	if err != nil {
		_ = b.Release()
		return err
	}
	e.rx.attach(slot, b)
	e.layout.PrepareRx(e.rx.Desc(slot), addr, e.rxBufSize)
	e.rx.HandOff(slot)
	return nil
}
