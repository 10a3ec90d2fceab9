package dma

import "context"

// schedule requests a Poll pass without blocking.
func (e *Engine) schedule() {
	select {
	case e.sched <- struct{}{}:
	default:
	}
}

// Poll runs one pass of deferred work: pending transmit recovery, transmit
// reclaim and up to Budget receive descriptors. It reports whether all
// work is done.
func (e *Engine) Poll() (done bool) {
	if !e.open.Load() {
		return true
	}
	if e.txRecover.CompareAndSwap(true, false) {
		e.recoverTx("dma error")
	}
	e.ReclaimTx()
	return e.PollRx(e.conf.Budget) < e.conf.Budget
}

// Run serves deferred work requested by HandleInterrupt and Transmit until
// ctx is canceled, then returns ctx.Err(). Interrupts are unmasked again
// once a request is fully drained.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.sched:
		}
		for !e.Poll() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if e.open.Load() {
			e.dev.SetInterruptMask(e.core.InterruptMask())
		}
	}
}
