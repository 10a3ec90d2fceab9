// Package dma implements the descriptor ring engine of a Synopsys style
// Ethernet MAC (MAC100 and GMAC variants).
//
// Terminology:
//
//   - RX ring: descriptors pre-posted with empty buffers the device fills.
//   - TX ring: descriptors software fills and the device drains.
//   - cur: producer position; dirty: consumer position. Both only grow.
//   - Top half: HandleInterrupt, never blocks.
//   - Deferred work: Poll, run by Run at most once at a time.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrRingFull          = errors.New("not enough free tx descriptors")
	ErrBusy              = errors.New("tx queue stopped")
	ErrEmptyPacket       = errors.New("packet has no fragments")
	ErrFragmentTooLarge  = errors.New("fragment exceeds frame size")
	ErrNotOpen           = errors.New("engine is not open")
	ErrAlreadyOpen       = errors.New("engine is already open")
	ErrPoolFrameTooSmall = errors.New("pool frame size smaller than configured FrameSize")
	ErrAlreadyRunning    = errors.New("deferred worker already running")
)

// Device is the register file of the DMA engine.
type Device interface {
	// Status reads the DMA status register.
	Status() uint32
	// AckStatus writes bits back to the status register to clear them.
	AckStatus(bits uint32)
	SetInterruptMask(mask uint32)
	// SetDescriptorRing programs the ring base address register.
	SetDescriptorRing(dir Direction, r *Ring)
	StartDMA(dir Direction)
	StopDMA(dir Direction)
	// PollDemand tells the device to re-read the ring now.
	PollDemand(dir Direction)
	SetTxThreshold(bytes int)
}

type Duplex uint8

const (
	HalfDuplex Duplex = iota
	FullDuplex
)

func (d Duplex) String() string {
	if d == FullDuplex {
		return "full"
	}
	return "half"
}

// Upstream is the networking stack side of the engine.
type Upstream interface {
	// Deliver hands a received frame upstream. The buffer now belongs to
	// the receiver, which must Release it.
	Deliver(b *Buffer, n int, csum ChecksumResult)
	LinkChanged(up bool, speed int, duplex Duplex)
}

// Engine drives one RX and one TX descriptor ring of a single device.
//
// Transmit may be called from any goroutine. HandleInterrupt may be called
// concurrently with Transmit. Poll must not run concurrently with itself;
// Run guarantees that.
type Engine struct {
	conf      Config
	core      Core
	layout    Layout
	dev       Device
	pool      *Pool
	up        Upstream
	l         *logrus.Logger
	rxBufSize int

	rx *Ring
	tx *Ring

	// txMu serializes producers with transmit recovery.
	txMu        sync.Mutex
	txCoalesced int
	txTimer     *time.Timer

	// reclaimMu serializes reclaim with transmit recovery.
	reclaimMu sync.Mutex

	txThreshold int // top half only

	open      atomic.Bool
	running   atomic.Bool
	stopped   atomic.Bool
	linkUp    atomic.Bool
	txRecover atomic.Bool
	sched     chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates an engine. conf is validated and completed with defaults.
func New(
	conf Config, core Core, dev Device, pool *Pool, up Upstream, l *logrus.Logger,
) (*Engine, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if pool.FrameSize() < conf.FrameSize {
		return nil, ErrPoolFrameTooSmall
	}
	layout := core.Layout()
	rxBufSize := min(conf.FrameSize, layout.MaxBufferSize())

	e := &Engine{
		conf:        conf,
		core:        core,
		layout:      layout,
		dev:         dev,
		pool:        pool,
		up:          up,
		l:           l,
		rxBufSize:   rxBufSize,
		rx:          NewRing(Rx, conf.RxRingSize, layout),
		tx:          NewRing(Tx, conf.TxRingSize, layout),
		txThreshold: conf.TxThreshold,
		sched:       make(chan struct{}, 1),
	}
	e.linkUp.Store(true)
	e.txTimer = time.AfterFunc(time.Hour, e.schedule)
	e.txTimer.Stop()
	return e, nil
}

func (e *Engine) Config() Config { return e.conf }
func (e *Engine) Core() Core     { return e.core }
func (e *Engine) Pool() *Pool    { return e.pool }
func (e *Engine) RxRing() *Ring  { return e.rx }
func (e *Engine) TxRing() *Ring  { return e.tx }

// QueueStopped reports whether Transmit currently refuses packets.
func (e *Engine) QueueStopped() bool { return e.stopped.Load() }

// Open initializes both rings, pre-posts a buffer on every receive slot and
// starts the DMA engine.
func (e *Engine) Open() error {
	if !e.open.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	e.rx.Init()
	e.tx.Init()
	for slot := 0; slot < e.rx.Len(); slot++ {
		if err := e.postRx(slot); err != nil {
			e.releaseRing(e.rx)
			e.open.Store(false)
			return fmt.Errorf("pre-posting rx slot %d: %w", slot, err)
		}
	}

	e.dev.SetDescriptorRing(Rx, e.rx)
	e.dev.SetDescriptorRing(Tx, e.tx)
	e.dev.SetTxThreshold(e.txThreshold)
	e.dev.StartDMA(Rx)
	e.dev.StartDMA(Tx)
	e.dev.SetInterruptMask(e.core.InterruptMask())
	e.stopped.Store(!e.linkUp.Load())

	e.l.WithFields(logrus.Fields{
		"core":       e.core.Name(),
		"layout":     e.layout.Name(),
		"rx_ring":    e.rx.Len(),
		"tx_ring":    e.tx.Len(),
		"rx_buf":     e.rxBufSize,
		"copy_break": e.conf.CopyBreak,
	}).Info("DMA engine opened")
	return nil
}

// Close stops the DMA engine and returns every ring buffer to the pool.
// Run must have returned before Close is called.
func (e *Engine) Close() error {
	if !e.open.CompareAndSwap(true, false) {
		return nil
	}
	e.dev.SetInterruptMask(0)
	e.dev.StopDMA(Tx)
	e.dev.StopDMA(Rx)
	e.txTimer.Stop()

	e.txMu.Lock()
	e.reclaimMu.Lock()
	errTx := e.releaseRing(e.tx)
	e.reclaimMu.Unlock()
	e.txMu.Unlock()
	errRx := e.releaseRing(e.rx)

	e.l.WithField("stats", e.Stats()).Debug("DMA engine closed")
	return errors.Join(errTx, errRx)
}

// SetLink records the link state reported by the PHY. The queue is stopped
// while the link is down.
func (e *Engine) SetLink(up bool, speed int, duplex Duplex) {
	e.linkUp.Store(up)
	if up {
		e.wakeQueue()
	} else {
		e.stopQueue()
	}
	e.l.WithFields(logrus.Fields{
		"up":     up,
		"speed":  speed,
		"duplex": duplex,
	}).Info("Link state changed")
	if e.up != nil {
		e.up.LinkChanged(up, speed, duplex)
	}
}

// releaseRing detaches, unmaps and releases every buffer of r.
func (e *Engine) releaseRing(r *Ring) error {
	var errs []error
	for slot := 0; slot < r.Len(); slot++ {
		b := r.detach(slot)
		if b == nil {
			continue
		}
		if err := e.pool.Unmap(b, r.Direction()); err != nil {
			errs = append(errs, fmt.Errorf("unmapping %s slot %d: %w", r.Direction(), slot, err))
		}
		if err := b.Release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing %s slot %d: %w", r.Direction(), slot, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) stopQueue() {
	if e.stopped.CompareAndSwap(false, true) {
		e.count(func(s *Stats) { s.TxQueueStopped++ })
	}
}

// wakeQueue restarts a stopped queue once the link is up and enough
// descriptors are free.
func (e *Engine) wakeQueue() {
	if !e.linkUp.Load() || e.tx.Free() <= e.conf.TxStopThreshold {
		return
	}
	if e.stopped.CompareAndSwap(true, false) {
		e.count(func(s *Stats) { s.TxQueueWoken++ })
	}
}
