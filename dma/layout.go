package dma

// TxSegment is the logical content of one transmit descriptor.
type TxSegment struct {
	Buf1 DeviceAddr
	Len1 int
	Buf2 DeviceAddr
	Len2 int

	First     bool
	Last      bool
	Interrupt bool
}

// Len returns the number of payload bytes described by the segment.
func (s TxSegment) Len() int { return s.Len1 + s.Len2 }

// Layout hides the bit positions of the control fields of a descriptor.
// The ring algorithm is written against Layout only; the two
// implementations differ in where the control flags live and in how wide
// the buffer size fields are.
type Layout interface {
	Name() string

	// MaxBufferSize is the largest length either buffer field can hold.
	MaxBufferSize() int

	// TxWord0ControlMask returns the bits of word0 that carry transmit
	// control flags rather than status.
	TxWord0ControlMask() uint32

	InitRx(d *Descriptor, endOfRing bool)
	InitTx(d *Descriptor, endOfRing bool)

	// PrepareRx attaches a receive buffer and clears the status. The owner
	// bit stays clear.
	PrepareRx(d *Descriptor, addr DeviceAddr, size int)
	// PrepareTx writes a transmit segment. The owner bit stays clear.
	PrepareTx(d *Descriptor, seg TxSegment)
	// ClearTx returns a transmit descriptor to the empty software state.
	ClearTx(d *Descriptor)

	// TxSegment decodes what PrepareTx wrote.
	TxSegment(d *Descriptor) TxSegment
	RxBufferSize(d *Descriptor) int
	EndOfRing(d *Descriptor, dir Direction) bool
}

// NormalLayout is the MAC100 descriptor format: all control flags in word1,
// 11 bit buffer sizes.
type NormalLayout struct{}

const (
	normCtrlIOC   = 1 << 31 // tx: interrupt on completion; rx: disable interrupt
	normCtrlLast  = 1 << 30
	normCtrlFirst = 1 << 29
	normCtrlEOR   = 1 << 25
	normSize2Pos  = 11
	normSizeMask  = 0x7ff
)

func (NormalLayout) Name() string               { return "normal" }
func (NormalLayout) MaxBufferSize() int         { return normSizeMask }
func (NormalLayout) TxWord0ControlMask() uint32 { return 0 }

func (NormalLayout) InitRx(d *Descriptor, endOfRing bool) {
	d.StoreStatus(0)
	d.Control, d.Buf1, d.Buf2 = 0, 0, 0
	if endOfRing {
		d.Control |= normCtrlEOR
	}
}

func (l NormalLayout) InitTx(d *Descriptor, endOfRing bool) { l.InitRx(d, endOfRing) }

func (NormalLayout) PrepareRx(d *Descriptor, addr DeviceAddr, size int) {
	d.Control = d.Control&normCtrlEOR | uint32(min(size, normSizeMask))
	d.Buf1, d.Buf2 = uint32(addr), 0
	d.StoreStatus(0)
}

func (NormalLayout) PrepareTx(d *Descriptor, seg TxSegment) {
	c := d.Control & normCtrlEOR
	c |= uint32(seg.Len1) & normSizeMask
	c |= (uint32(seg.Len2) & normSizeMask) << normSize2Pos
	if seg.First {
		c |= normCtrlFirst
	}
	if seg.Last {
		c |= normCtrlLast
	}
	if seg.Interrupt {
		c |= normCtrlIOC
	}
	d.Control = c
	d.Buf1, d.Buf2 = uint32(seg.Buf1), uint32(seg.Buf2)
	d.StoreStatus(0)
}

func (NormalLayout) ClearTx(d *Descriptor) {
	d.Control &= normCtrlEOR
	d.Buf1, d.Buf2 = 0, 0
	d.StoreStatus(0)
}

func (NormalLayout) TxSegment(d *Descriptor) TxSegment {
	c := d.Control
	return TxSegment{
		Buf1:      DeviceAddr(d.Buf1),
		Len1:      int(c & normSizeMask),
		Buf2:      DeviceAddr(d.Buf2),
		Len2:      int(c >> normSize2Pos & normSizeMask),
		First:     c&normCtrlFirst != 0,
		Last:      c&normCtrlLast != 0,
		Interrupt: c&normCtrlIOC != 0,
	}
}

func (NormalLayout) RxBufferSize(d *Descriptor) int { return int(d.Control & normSizeMask) }
func (NormalLayout) EndOfRing(d *Descriptor, _ Direction) bool {
	return d.Control&normCtrlEOR != 0
}

// EnhancedLayout is the GMAC descriptor format. Unlike NormalLayout, the
// transmit control flags (FS, LS, IOC, end of ring) live in word0 next to
// the owner bit, as on GMAC hardware; word1 carries only the 13 bit buffer
// sizes.
type EnhancedLayout struct{}

const (
	enhTxIOC      = 1 << 30
	enhTxLast     = 1 << 29
	enhTxFirst    = 1 << 28
	enhTxEOR      = 1 << 21
	enhTxCtrlMask = 0x7ff << 20 // IC, LS, FS, DC, DP, TTSE, CIC, TER, TCH

	enhRxEOR    = 1 << 15
	enhSize2Pos = 16
	enhSizeMask = 0x1fff
)

func (EnhancedLayout) Name() string               { return "enhanced" }
func (EnhancedLayout) MaxBufferSize() int         { return enhSizeMask }
func (EnhancedLayout) TxWord0ControlMask() uint32 { return enhTxCtrlMask }

func (EnhancedLayout) InitRx(d *Descriptor, endOfRing bool) {
	d.StoreStatus(0)
	d.Control, d.Buf1, d.Buf2 = 0, 0, 0
	if endOfRing {
		d.Control |= enhRxEOR
	}
}

func (EnhancedLayout) InitTx(d *Descriptor, endOfRing bool) {
	d.Control, d.Buf1, d.Buf2 = 0, 0, 0
	var s uint32
	if endOfRing {
		s |= enhTxEOR
	}
	d.StoreStatus(s)
}

func (EnhancedLayout) PrepareRx(d *Descriptor, addr DeviceAddr, size int) {
	d.Control = d.Control&enhRxEOR | uint32(min(size, enhSizeMask))
	d.Buf1, d.Buf2 = uint32(addr), 0
	d.StoreStatus(0)
}

func (EnhancedLayout) PrepareTx(d *Descriptor, seg TxSegment) {
	d.Control = uint32(seg.Len1)&enhSizeMask | (uint32(seg.Len2)&enhSizeMask)<<enhSize2Pos
	d.Buf1, d.Buf2 = uint32(seg.Buf1), uint32(seg.Buf2)
	s := d.Status() & enhTxEOR
	if seg.First {
		s |= enhTxFirst
	}
	if seg.Last {
		s |= enhTxLast
	}
	if seg.Interrupt {
		s |= enhTxIOC
	}
	d.StoreStatus(s)
}

func (EnhancedLayout) ClearTx(d *Descriptor) {
	d.Control, d.Buf1, d.Buf2 = 0, 0, 0
	d.StoreStatus(d.Status() & enhTxEOR)
}

func (EnhancedLayout) TxSegment(d *Descriptor) TxSegment {
	s, c := d.Status(), d.Control
	return TxSegment{
		Buf1:      DeviceAddr(d.Buf1),
		Len1:      int(c & enhSizeMask),
		Buf2:      DeviceAddr(d.Buf2),
		Len2:      int(c >> enhSize2Pos & enhSizeMask),
		First:     s&enhTxFirst != 0,
		Last:      s&enhTxLast != 0,
		Interrupt: s&enhTxIOC != 0,
	}
}

func (EnhancedLayout) RxBufferSize(d *Descriptor) int { return int(d.Control & enhSizeMask) }

// EndOfRing needs the direction: on receive, word0 bit 21 belongs to the
// frame length.
func (EnhancedLayout) EndOfRing(d *Descriptor, dir Direction) bool {
	if dir == Tx {
		return d.Status()&enhTxEOR != 0
	}
	return d.Control&enhRxEOR != 0
}
