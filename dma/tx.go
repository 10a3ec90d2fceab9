package dma

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Packet is an outbound frame. Frags[0] is the primary fragment, usually
// the headers; the rest are scatter-gather fragments.
type Packet struct {
	Frags [][]byte
}

// Len returns the total number of bytes in the packet.
func (p Packet) Len() (n int) {
	for _, f := range p.Frags {
		n += len(f)
	}
	return n
}

// descriptorsFor returns how many descriptors a fragment of n bytes needs:
// each descriptor carries up to two buffers of MaxBufferSize bytes.
func (e *Engine) descriptorsFor(n int) int {
	per := 2 * e.layout.MaxBufferSize()
	return max(1, (n+per-1)/per)
}

// Descriptors returns how many ring slots p would occupy.
func (e *Engine) Descriptors(p Packet) (n int) {
	for _, f := range p.Frags {
		n += e.descriptorsFor(len(f))
	}
	return n
}

// Transmit queues p on the TX ring and rings the poll demand doorbell.
//
// ErrBusy means the queue is stopped and the caller should hold packets
// until the queue wakes. ErrRingFull means p needs more descriptors than
// are free; p is dropped and counted, and a reclaim pass is requested so a
// later attempt can succeed. In both cases the ring is left untouched.
func (e *Engine) Transmit(p Packet) error {
	if len(p.Frags) == 0 {
		return ErrEmptyPacket
	}

	e.txMu.Lock()
	defer e.txMu.Unlock()

	if !e.open.Load() {
		return ErrNotOpen
	}
	if e.stopped.Load() {
		return ErrBusy
	}

	for _, f := range p.Frags {
		if len(f) > e.pool.FrameSize() {
			e.count(func(s *Stats) { s.TxDropped++ })
			return ErrFragmentTooLarge
		}
	}
	need, free := e.Descriptors(p), e.tx.Free()
	if need > free {
		// Packets queued under mitigation may never raise a completion
		// interrupt, so ask the worker to reclaim.
		if e.tx.Pending() > 0 {
			e.schedule()
		}
		e.count(func(s *Stats) { s.TxDropped++ })
		e.l.WithFields(logrus.Fields{
			"need": need,
			"free": free,
		}).Debug("Transmit ring full")
		return ErrRingFull
	}

	ioc := e.wantInterrupt(free - need)
	first := e.tx.Cur()
	next := first
	maxBuf := e.layout.MaxBufferSize()

	for k, f := range p.Frags {
		b, addr, err := e.mapTx(f)
		if err != nil {
			e.unwindTx(first, next)
			e.count(func(s *Stats) { s.TxDropped++ })
			e.l.WithError(err).WithField("fragment", k).Warn("Dropping packet")
			return fmt.Errorf("mapping fragment %d: %w", k, err)
		}
		lastFrag := k == len(p.Frags)-1

		// Split the fragment over buffer 1 and buffer 2 of as many
		// descriptors as it takes. The buffer is attached to the last of
		// them so reclaim releases it exactly once.
		for off := 0; ; {
			seg := TxSegment{
				First: next == first,
				Buf1:  addr + DeviceAddr(off),
				Len1:  min(len(f)-off, maxBuf),
			}
			if rem := len(f) - off - seg.Len1; rem > 0 {
				seg.Buf2 = seg.Buf1 + DeviceAddr(seg.Len1)
				seg.Len2 = min(rem, maxBuf)
			}
			off += seg.Len()
			done := off >= len(f)
			seg.Last = lastFrag && done
			seg.Interrupt = seg.Last && ioc

			slot := e.tx.Slot(next)
			e.layout.PrepareTx(e.tx.Desc(slot), seg)
			if done {
				e.tx.attach(slot, b)
			}
			next++
			if done {
				break
			}
		}
	}

	// Hand off back to front: the device must not see the first segment
	// before the rest of the packet is described.
	for i := next - 1; i > first; i-- {
		e.tx.HandOff(e.tx.Slot(i))
	}
	e.tx.HandOff(e.tx.Slot(first))
	e.tx.advanceCur(int(next - first))
	e.dev.PollDemand(Tx)

	e.count(func(s *Stats) {
		s.TxPackets++
		s.TxBytes += uint64(p.Len())
	})

	// The device may have completed the packet before cur moved past it,
	// in which case its interrupt found nothing to reclaim.
	if !e.tx.OwnedByHardware(e.tx.Slot(next - 1)) {
		e.schedule()
	}
	if !ioc && e.conf.TxCoalesceTimer > 0 {
		e.txTimer.Reset(e.conf.TxCoalesceTimer)
	}
	if e.tx.Free() <= e.conf.TxStopThreshold {
		e.stopQueue()
		// Reclaim may have freed slots before it could see the queue
		// stopped.
		e.wakeQueue()
	}
	return nil
}

// wantInterrupt applies interrupt mitigation: one completion interrupt
// every TxCoalesce packets, and always when the queue is about to stop.
func (e *Engine) wantInterrupt(freeAfter int) bool {
	e.txCoalesced++
	if e.txCoalesced >= e.conf.TxCoalesce || freeAfter <= e.conf.TxStopThreshold {
		e.txCoalesced = 0
		return true
	}
	return false
}

// mapTx copies a fragment into a pool buffer and maps it for the device.
func (e *Engine) mapTx(f []byte) (*Buffer, DeviceAddr, error) {
	b, err := e.pool.Acquire(len(f))
	if err != nil {
		return nil, 0, err
	}
	copy(b.Bytes(), f)
	addr, err := e.pool.Map(b, Tx)
	if err != nil {
		_ = b.Release()
		return nil, 0, err
	}
	return b, addr, nil
}

// unwindTx clears slots [first, end) that were prepared but never handed
// to hardware.
func (e *Engine) unwindTx(first, end Index) {
	for i := first; i < end; i++ {
		slot := e.tx.Slot(i)
		if b := e.tx.detach(slot); b != nil {
			_ = e.pool.Unmap(b, Tx)
			_ = b.Release()
		}
		e.layout.ClearTx(e.tx.Desc(slot))
	}
}

// ReclaimTx walks the TX ring from dirty towards cur, releasing the buffer
// of every descriptor the device has given back. It returns the number of
// reclaimed descriptors.
func (e *Engine) ReclaimTx() int {
	e.reclaimMu.Lock()
	defer e.reclaimMu.Unlock()

	n := 0
	for {
		dirty := e.tx.Dirty()
		if dirty == e.tx.Cur() {
			break
		}
		slot := e.tx.Slot(dirty)
		if e.tx.OwnedByHardware(slot) {
			break
		}
		d := e.tx.Desc(slot)
		if e.layout.TxSegment(d).Last {
			e.countTxStatus(d.Status())
		}
		if b := e.tx.detach(slot); b != nil {
			if err := e.pool.Unmap(b, Tx); err != nil {
				e.l.WithError(err).WithField("slot", slot).Error("Unmapping tx buffer")
			}
			if err := b.Release(); err != nil {
				e.l.WithError(err).WithField("slot", slot).Error("Releasing tx buffer")
			}
		}
		e.layout.ClearTx(d)
		e.tx.advanceDirty(1)
		n++
	}
	if n > 0 && e.stopped.Load() {
		e.wakeQueue()
	}
	return n
}
