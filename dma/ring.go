package dma

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Index is an unbounded producer or consumer position. It only ever grows;
// Slot reduces it to a position in the ring.
type Index uint64

// Slot maps the index to a physical ring position.
func (i Index) Slot(n int) int { return int(uint64(i) % uint64(n)) }

// OwnershipObserver is called every time a slot is handed to hardware,
// right after the owner bit has been published.
type OwnershipObserver func(dir Direction, slot int)

// Ring is a fixed capacity circular array of descriptors paired 1:1 with a
// buffer table.
//
// cur is written only by the producer side and dirty only by the consumer
// side; both are read by either. The difference cur-dirty is the number of
// slots in flight and never exceeds Len()-1.
type Ring struct {
	dir    Direction
	layout Layout
	desc   []Descriptor
	bufs   []*Buffer

	cur   atomic.Uint64
	dirty atomic.Uint64

	observer OwnershipObserver
}

// NewRing allocates a ring of n descriptors. It must be initialized with
// Init before use.
func NewRing(dir Direction, n int, layout Layout) *Ring {
	return &Ring{
		dir:    dir,
		layout: layout,
		desc:   make([]Descriptor, n),
		bufs:   make([]*Buffer, n),
	}
}

// Init puts every descriptor into its empty software state, marks the last
// one as end-of-ring and zeroes both counters. It does not touch the buffer
// table; buffers must have been detached by the caller.
func (r *Ring) Init() {
	last := len(r.desc) - 1
	for i := range r.desc {
		if r.dir == Rx {
			r.layout.InitRx(&r.desc[i], i == last)
		} else {
			r.layout.InitTx(&r.desc[i], i == last)
		}
	}
	r.cur.Store(0)
	r.dirty.Store(0)
}

// SetObserver installs fn as the ownership observer.
func (r *Ring) SetObserver(fn OwnershipObserver) { r.observer = fn }

func (r *Ring) Direction() Direction { return r.dir }
func (r *Ring) Layout() Layout       { return r.layout }
func (r *Ring) Len() int             { return len(r.desc) }

func (r *Ring) Cur() Index   { return Index(r.cur.Load()) }
func (r *Ring) Dirty() Index { return Index(r.dirty.Load()) }

// Pending is the number of slots between dirty and cur.
func (r *Ring) Pending() int { return int(r.cur.Load() - r.dirty.Load()) }

// Free is the number of slots the producer may still fill, keeping the
// one slot margin that tells a full ring from an empty one.
func (r *Ring) Free() int { return len(r.desc) - r.Pending() - 1 }

// Slot maps an index to a physical position.
func (r *Ring) Slot(i Index) int { return i.Slot(len(r.desc)) }

// Desc returns the descriptor at a physical position.
func (r *Ring) Desc(slot int) *Descriptor { return &r.desc[slot] }

// OwnedByHardware loads the owner bit with acquire semantics. It is the
// only gate either engine uses before touching a slot.
func (r *Ring) OwnedByHardware(slot int) bool {
	return r.desc[slot].Owner() == Hardware
}

// HandOff publishes the slot to hardware. All other fields of the slot
// must already be written.
func (r *Ring) HandOff(slot int) {
	r.desc[slot].giveToHardware()
	if r.observer != nil {
		r.observer(r.dir, slot)
	}
}

func (r *Ring) Buffer(slot int) *Buffer { return r.bufs[slot] }

func (r *Ring) attach(slot int, b *Buffer) { r.bufs[slot] = b }

// detach removes and returns the buffer of a slot.
func (r *Ring) detach(slot int) *Buffer {
	b := r.bufs[slot]
	r.bufs[slot] = nil
	return b
}

func (r *Ring) advanceCur(n int)   { r.cur.Add(uint64(n)) }
func (r *Ring) advanceDirty(n int) { r.dirty.Add(uint64(n)) }

// Dump writes one line per descriptor.
func (r *Ring) Dump(w io.Writer) {
	cur, dirty := r.Slot(r.Cur()), r.Slot(r.Dirty())
	fmt.Fprintf(w, "%s ring: len %d, cur %d (slot %d), dirty %d (slot %d)\n",
		r.dir, len(r.desc), r.Cur(), cur, r.Dirty(), dirty)
	for i := range r.desc {
		d := &r.desc[i]
		var mark string
		switch {
		case i == cur && i == dirty:
			mark = "<>"
		case i == cur:
			mark = "> "
		case i == dirty:
			mark = "< "
		default:
			mark = "  "
		}
		fmt.Fprintf(w, "%s%4d %s: %08x %08x %08x %08x", mark, i, d.Owner(),
			d.Status(), d.Control, d.Buf1, d.Buf2)
		if r.layout.EndOfRing(d, r.dir) {
			fmt.Fprint(w, " eor")
		}
		if b := r.bufs[i]; b != nil {
			fmt.Fprintf(w, " buf %d", b.frame)
		}
		fmt.Fprintln(w)
	}
}
