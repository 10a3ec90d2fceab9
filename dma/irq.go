package dma

import "github.com/sirupsen/logrus"

// HandleInterrupt is the top half. It reads and acknowledges the DMA status
// register, accounts the decoded events and defers all ring work to Poll.
// It never blocks and reports whether the interrupt was ours.
func (e *Engine) HandleInterrupt() bool {
	status := e.dev.Status()
	if status == 0 {
		return false
	}
	e.dev.AckStatus(status)
	if !e.open.Load() {
		return true
	}

	ev := e.core.DecodeStatus(status)
	e.countEvents(ev)

	if ev.Has(EventTxUnderflow) && e.txThreshold < MaxTxThreshold {
		e.txThreshold = min(e.txThreshold+64, MaxTxThreshold)
		e.dev.SetTxThreshold(e.txThreshold)
		e.count(func(s *Stats) { s.TxThresholdBumps++ })
		e.l.WithField("threshold", e.txThreshold).Info("Raised tx threshold")
	}
	if ev.Has(EventTxError) {
		e.txRecover.Store(true)
		e.schedule()
	}
	if ev.Has(EventRx | EventTx | EventRxBufferUnavailable) {
		e.dev.SetInterruptMask(0)
		e.schedule()
	}
	if ev.Has(EventLinkChange | EventMMC | EventPMT) {
		e.l.WithField("events", ev).Debug("Core interrupt")
	}
	return true
}

// TxTimeout resets the transmit path after the queue made no progress for
// too long.
func (e *Engine) TxTimeout() {
	if !e.open.Load() {
		return
	}
	e.count(func(s *Stats) { s.TxTimeout++ })
	e.recoverTx("tx timeout")
}

// recoverTx stops transmit DMA, drops every queued packet and restarts the
// ring from slot 0.
func (e *Engine) recoverTx(reason string) {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	e.reclaimMu.Lock()
	defer e.reclaimMu.Unlock()

	e.dev.StopDMA(Tx)
	dropped := e.tx.Pending()
	if err := e.releaseRing(e.tx); err != nil {
		e.l.WithError(err).Error("Releasing tx ring")
	}
	e.tx.Init()
	e.txCoalesced = 0
	e.txTimer.Stop()
	e.dev.SetDescriptorRing(Tx, e.tx)
	e.dev.StartDMA(Tx)

	e.count(func(s *Stats) { s.TxErrors++ })
	e.wakeQueue()
	e.l.WithFields(logrus.Fields{
		"reason":      reason,
		"descriptors": dropped,
	}).Error("Transmit path restarted")
}
