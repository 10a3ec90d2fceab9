package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrOutOfMemory       = errors.New("no free buffers")
	ErrBufferTooLarge    = errors.New("requested size exceeds frame size")
	ErrNotMapped         = errors.New("buffer is not mapped")
	ErrAlreadyMapped     = errors.New("buffer is already mapped")
	ErrDirectionMismatch = errors.New("unmap direction does not match map direction")
	ErrBufferReleased    = errors.New("buffer already released")
	ErrBufferMapped      = errors.New("buffer released while mapped")
	ErrBadAddress        = errors.New("address outside mapped memory")
	ErrNotSynced         = errors.New("buffer is not synced for the cpu")
	ErrAlreadySynced     = errors.New("buffer is already synced for the cpu")
	ErrPoolTooLarge      = errors.New("pool does not fit the bus address space")
)

// PoolBase is the bus address of the first frame of every pool.
const PoolBase DeviceAddr = 0x4000_0000

// MaxPoolBytes bounds the arena so every frame has a 32 bit bus address.
const MaxPoolBytes = 1 << 30

// Buffer is a block of packet memory backed by one pool frame.
//
// A buffer belongs to the pool until acquired. While attached to a ring
// slot the ring borrows it for the duration of the transfer; software must
// not touch its bytes between Map and Unmap unless it has synced the
// buffer for the cpu.
type Buffer struct {
	pool  *Pool
	frame int
	data  []byte
	n     int

	// Guarded by pool.mu.
	mapped   bool
	cpu      bool // mapped but lent back to software by SyncForCPU
	dir      Direction
	released bool
}

// Bytes returns the used part of the buffer, or nil while the device owns
// it.
func (b *Buffer) Bytes() []byte {
	if b.DeviceOwned() {
		return nil
	}
	return b.data[:b.n]
}

// DeviceOwned reports whether the buffer is mapped and not synced for the
// cpu.
func (b *Buffer) DeviceOwned() bool {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	return b.mapped && !b.cpu
}

func (b *Buffer) Len() int   { return b.n }
func (b *Buffer) Cap() int   { return len(b.data) }
func (b *Buffer) Frame() int { return b.frame }

// SetLen changes the used length, clamped to the frame size.
func (b *Buffer) SetLen(n int) { b.n = max(0, min(n, len(b.data))) }

// Release returns the buffer to its pool.
func (b *Buffer) Release() error { return b.pool.Release(b) }

// Pool is a fixed arena of equally sized frames handed out from a free
// stack. Acquire never blocks: an empty stack is reported as
// ErrOutOfMemory and the caller retries later.
type Pool struct {
	mu        sync.Mutex
	l         *logrus.Logger
	frameSize int
	arena     []byte
	owners    []*Buffer
	free      []int
}

// NewPool allocates numFrames frames of frameSize bytes.
func NewPool(numFrames, frameSize int, l *logrus.Logger) (*Pool, error) {
	size := numFrames * frameSize
	if size > MaxPoolBytes {
		return nil, ErrPoolTooLarge
	}
	arena, err := allocArena(size)
	if err != nil {
		return nil, fmt.Errorf("allocating %d byte arena: %w", size, err)
	}
	p := &Pool{
		l:         l,
		frameSize: frameSize,
		arena:     arena,
		owners:    make([]*Buffer, numFrames),
		free:      make([]int, numFrames),
	}
	// Hand out low frames first.
	for i := range p.free {
		p.free[i] = numFrames - 1 - i
	}
	return p, nil
}

func (p *Pool) FrameSize() int { return p.frameSize }

// Free returns the number of frames available to Acquire.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of acquired, not yet released frames.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners) - len(p.free)
}

// Acquire takes a frame from the pool and returns it as a buffer of
// length size.
func (p *Pool) Acquire(size int) (*Buffer, error) {
	if size > p.frameSize {
		return nil, ErrBufferTooLarge
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, ErrOutOfMemory
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	off := f * p.frameSize
	b := &Buffer{
		pool:  p,
		frame: f,
		data:  p.arena[off : off+p.frameSize : off+p.frameSize],
	}
	b.SetLen(size)
	p.owners[f] = b
	return b, nil
}

// Map makes the buffer visible to the device and returns its bus address.
func (p *Pool) Map(b *Buffer, dir Direction) (DeviceAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.released {
		return 0, ErrBufferReleased
	}
	if b.mapped {
		return 0, ErrAlreadyMapped
	}
	b.mapped, b.dir = true, dir
	return p.addr(b), nil
}

// Unmap ends device access. Software may read the bytes again afterwards.
func (p *Pool) Unmap(b *Buffer, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.mapped {
		p.l.WithFields(logrus.Fields{
			"frame": b.frame,
			"dir":   dir,
		}).Error("Unmap of a buffer that is not mapped")
		return ErrNotMapped
	}
	if b.dir != dir {
		return ErrDirectionMismatch
	}
	b.mapped, b.cpu = false, false
	return nil
}

// SyncForCPU lends a mapped buffer to software without unmapping it. The
// device must not access it until SyncForDevice.
func (p *Pool) SyncForCPU(b *Buffer, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !b.mapped:
		return ErrNotMapped
	case b.dir != dir:
		return ErrDirectionMismatch
	case b.cpu:
		return ErrAlreadySynced
	}
	b.cpu = true
	return nil
}

// SyncForDevice gives a buffer lent by SyncForCPU back to the device.
func (p *Pool) SyncForDevice(b *Buffer, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !b.mapped:
		return ErrNotMapped
	case b.dir != dir:
		return ErrDirectionMismatch
	case !b.cpu:
		return ErrNotSynced
	}
	b.cpu = false
	return nil
}

// Release returns the frame to the free stack. The buffer must be unmapped.
func (p *Pool) Release(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.released || p.owners[b.frame] != b {
		return ErrBufferReleased
	}
	if b.mapped {
		return ErrBufferMapped
	}
	b.released = true
	p.owners[b.frame] = nil
	p.free = append(p.free, b.frame)
	return nil
}

// Addr returns the bus address of a buffer the device owns.
func (p *Pool) Addr(b *Buffer) (DeviceAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.mapped || b.cpu {
		return 0, ErrNotMapped
	}
	return p.addr(b), nil
}

func (p *Pool) addr(b *Buffer) DeviceAddr {
	return PoolBase + DeviceAddr(b.frame*p.frameSize)
}

// Resolve is the device side view of memory: it returns the n bytes at
// addr, which must lie inside a single mapped frame.
func (p *Pool) Resolve(addr DeviceAddr, n int) ([]byte, error) {
	if addr < PoolBase {
		return nil, ErrBadAddress
	}
	off := int(addr - PoolBase)
	f := off / p.frameSize
	if f >= len(p.owners) || n < 0 || off+n > (f+1)*p.frameSize {
		return nil, ErrBadAddress
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.owners[f]; b == nil || !b.mapped || b.cpu {
		return nil, ErrNotMapped
	}
	return p.arena[off : off+n], nil
}

// Close frees the arena. Every buffer must have been released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.arena == nil {
		return nil
	}
	if n := len(p.owners) - len(p.free); n != 0 {
		p.l.WithField("in_use", n).Warn("Closing pool with outstanding buffers")
	}
	err := freeArena(p.arena)
	p.arena = nil
	return err
}
