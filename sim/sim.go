// Package sim is a software bus master for the dma package. It plays the
// part of the DMA engine of the MAC: it drains the transmit ring, fills the
// receive ring from a FIFO and raises interrupts through a single IRQ line.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/project-magpie/stmmac/dma"
)

var ErrFIFOFull = errors.New("receive FIFO overflow")

const DefaultFIFODepth = 64

// Stats counts what crossed the wire.
type Stats struct {
	TxFrames   uint64
	TxBytes    uint64
	TxStalls   uint64
	RxFrames   uint64
	RxBytes    uint64
	RxOverflow uint64
	RxNoBuffer uint64
}

type rxFrame struct {
	data []byte
	bits uint32
}

// Device implements dma.Device on top of the rings and pool of an engine.
type Device struct {
	core   dma.Core
	layout dma.Layout
	pool   *dma.Pool
	l      *logrus.Logger

	kick    chan struct{}
	irqLine chan struct{}

	mu        sync.Mutex
	status    uint32
	mask      uint32
	running   [2]bool
	rings     [2]*dma.Ring
	pos       [2]dma.Index
	threshold int
	fifo      []rxFrame
	fifoDepth int
	txFault   dma.Event
	txStatus  uint32
	wire      func(frame []byte)
	irq       func() bool
	stats     Stats
}

// New returns a stopped device with all interrupts masked.
func New(core dma.Core, pool *dma.Pool, l *logrus.Logger) *Device {
	return &Device{
		core:      core,
		layout:    core.Layout(),
		pool:      pool,
		l:         l,
		kick:      make(chan struct{}, 1),
		irqLine:   make(chan struct{}, 1),
		fifoDepth: DefaultFIFODepth,
	}
}

// SetIRQHandler installs the function Run calls while the IRQ line is
// asserted, typically Engine.HandleInterrupt.
func (d *Device) SetIRQHandler(fn func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irq = fn
}

// SetWire installs the sink for transmitted frames. The slice is only
// valid during the call.
func (d *Device) SetWire(fn func(frame []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wire = fn
}

func (d *Device) SetFIFODepth(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fifoDepth = n
}

// FailNextTx makes the next transmit attempt stop the transmit process and
// raise ev instead of sending anything.
func (d *Device) FailNextTx(ev dma.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txFault = ev
}

// SetTxStatus sets the status bits written back for every transmitted
// frame, for example collision counts.
func (d *Device) SetTxStatus(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txStatus = bits
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) TxThreshold() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

func (d *Device) Status() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) AckStatus(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status &^= bits
}

// SetInterruptMask re-asserts the IRQ line when unmasking a condition that
// is still latched.
func (d *Device) SetInterruptMask(mask uint32) {
	d.mu.Lock()
	d.mask = mask
	pending := d.status&d.mask != 0
	d.mu.Unlock()
	if pending {
		d.assert()
	}
}

func (d *Device) SetDescriptorRing(dir dma.Direction, r *dma.Ring) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rings[dir] = r
	d.pos[dir] = 0
}

func (d *Device) StartDMA(dir dma.Direction) {
	d.mu.Lock()
	d.running[dir] = true
	d.mu.Unlock()
	d.PollDemand(dir)
}

// StopDMA returns once the device no longer touches the ring.
func (d *Device) StopDMA(dir dma.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[dir] = false
}

func (d *Device) PollDemand(dma.Direction) {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Device) SetTxThreshold(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = bytes
}

// Inject queues a frame, FCS excluded, for reception. bits are extra
// receive status bits such as dma.RxStatusCRCError. A full FIFO drops the
// frame and raises a receive overflow.
func (d *Device) Inject(frame []byte, bits uint32) error {
	d.mu.Lock()
	if len(d.fifo) >= d.fifoDepth {
		d.stats.RxOverflow++
		d.status |= d.core.StatusBits(dma.EventRxOverflow)
		d.mu.Unlock()
		d.raise()
		return ErrFIFOFull
	}
	d.fifo = append(d.fifo, rxFrame{data: append([]byte(nil), frame...), bits: bits})
	d.mu.Unlock()
	d.PollDemand(dma.Rx)
	return nil
}

// IRQPending reports whether an unmasked condition is latched.
func (d *Device) IRQPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status&d.mask != 0
}

// Step runs the device until both rings are idle.
func (d *Device) Step() {
	var out [][]byte
	var ev dma.Event

	d.mu.Lock()
	if d.running[dma.Tx] && d.rings[dma.Tx] != nil {
		var txEv dma.Event
		out, txEv = d.stepTx()
		ev |= txEv
	}
	if d.running[dma.Rx] && d.rings[dma.Rx] != nil {
		ev |= d.stepRx()
	}
	d.status |= d.core.StatusBits(ev)
	wire := d.wire
	d.mu.Unlock()

	if wire != nil {
		for _, f := range out {
			wire(f)
		}
	}
	if ev != 0 {
		d.raise()
	}
}

// stepTx drains complete packets from the transmit ring. A packet whose
// last descriptor is not yet owned by the device is left alone.
func (d *Device) stepTx() (out [][]byte, ev dma.Event) {
	r := d.rings[dma.Tx]
	for {
		first := d.pos[dma.Tx]
		if !r.OwnedByHardware(r.Slot(first)) {
			return out, ev
		}
		if d.txFault != 0 {
			ev |= d.txFault
			d.txFault = 0
			d.running[dma.Tx] = false
			d.stats.TxStalls++
			d.l.WithField("event", ev).Debug("Transmit process stopped")
			return out, ev
		}

		var frame []byte
		var segs int
		last := false
		for i := first; !last; i++ {
			slot := r.Slot(i)
			if !r.OwnedByHardware(slot) {
				// The rest of the packet is not published yet.
				return out, ev
			}
			seg := d.layout.TxSegment(r.Desc(slot))
			for _, b := range []struct {
				addr dma.DeviceAddr
				n    int
			}{{seg.Buf1, seg.Len1}, {seg.Buf2, seg.Len2}} {
				if b.n == 0 {
					continue
				}
				mem, err := d.pool.Resolve(b.addr, b.n)
				if err != nil {
					d.l.WithError(err).WithField("slot", slot).Error("Transmit bus error")
					d.running[dma.Tx] = false
					return out, ev | dma.EventFatalBusError
				}
				frame = append(frame, mem...)
			}
			last = seg.Last
			segs++
		}

		for i := 0; i < segs; i++ {
			desc := r.Desc(r.Slot(first + dma.Index(i)))
			var bits uint32
			if i == segs-1 {
				bits = d.txStatus
				if d.layout.TxSegment(desc).Interrupt {
					ev |= dma.EventTx
				}
			}
			desc.StoreStatus(dma.TxStatusWord(desc.Status(), bits, d.layout))
		}
		d.pos[dma.Tx] = first + dma.Index(segs)
		d.stats.TxFrames++
		d.stats.TxBytes += uint64(len(frame))
		out = append(out, frame)
	}
}

// stepRx moves frames from the FIFO into hardware owned receive slots,
// appending the FCS the way the MAC does.
func (d *Device) stepRx() (ev dma.Event) {
	r := d.rings[dma.Rx]
	for len(d.fifo) > 0 {
		slot := r.Slot(d.pos[dma.Rx])
		if !r.OwnedByHardware(slot) {
			d.stats.RxNoBuffer++
			return ev | dma.EventRxBufferUnavailable
		}
		f := d.fifo[0]
		d.fifo = d.fifo[1:]

		desc := r.Desc(slot)
		n := len(f.data) + dma.FCSLen
		size := d.layout.RxBufferSize(desc)
		bits := dma.RxStatusFirstSegment | dma.RxStatusLastSegment | f.bits
		if n > size {
			// Store what fits and flag the frame.
			bits |= dma.RxStatusLengthError
			n = size
		}
		mem, err := d.pool.Resolve(dma.DeviceAddr(desc.Buf1), n)
		if err != nil {
			d.l.WithError(err).WithField("slot", slot).Error("Receive bus error")
			d.running[dma.Rx] = false
			return ev | dma.EventFatalBusError
		}
		c := copy(mem, f.data)
		if c+dma.FCSLen <= n {
			binary.LittleEndian.PutUint32(mem[c:], crc32.ChecksumIEEE(f.data))
		}
		desc.StoreStatus(dma.RxStatusWord(n, bits))
		d.pos[dma.Rx]++
		d.stats.RxFrames++
		d.stats.RxBytes += uint64(len(f.data))
		ev |= dma.EventRx
	}
	return ev
}

// raise asserts the IRQ line if any latched condition is unmasked.
func (d *Device) raise() {
	d.mu.Lock()
	pending := d.status&d.mask != 0
	d.mu.Unlock()
	if pending {
		d.assert()
	}
}

func (d *Device) assert() {
	select {
	case d.irqLine <- struct{}{}:
	default:
	}
}

// Run services poll demands and the IRQ line until ctx is canceled. All
// interrupt handler calls happen on the goroutine running Run. A non zero
// tick additionally steps the device periodically.
func (d *Device) Run(ctx context.Context, tick time.Duration) error {
	var tc <-chan time.Time
	if tick > 0 {
		t := time.NewTicker(tick)
		defer t.Stop()
		tc = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
			d.Step()
		case <-tc:
			d.Step()
		case <-d.irqLine:
			d.mu.Lock()
			irq := d.irq
			d.mu.Unlock()
			if irq != nil {
				irq()
			}
		}
	}
}
