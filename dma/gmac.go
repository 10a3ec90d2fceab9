package dma

import (
	"hash/crc32"
	"math/bits"
)

// GMAC is the gigabit core with enhanced descriptors, receive checksum
// offload and a perfect filter for up to GMACPerfectFilterSize addresses.
type GMAC struct{}

// GMAC frame filter register bits.
const (
	GMACFramePromiscuous  = 1 << 0
	GMACFrameHashMulti    = 1 << 2
	GMACFrameAllMulticast = 1 << 4
	GMACFrameHashPerfect  = 1 << 10
)

// GMACPerfectFilterSize is the number of extra MAC address registers.
const GMACPerfectFilterSize = 15

func (GMAC) Name() string   { return "gmac" }
func (GMAC) Layout() Layout { return EnhancedLayout{} }

func (GMAC) DecodeStatus(status uint32) Event {
	ev := decodeDMAStatus(status)
	if status&DMAStatusGLI != 0 {
		ev |= EventLinkChange
	}
	if status&DMAStatusGMI != 0 {
		ev |= EventMMC
	}
	if status&DMAStatusGPI != 0 {
		ev |= EventPMT
	}
	return ev
}

func (GMAC) StatusBits(ev Event) uint32 {
	v := encodeDMAStatus(ev)
	if ev.Has(EventLinkChange) {
		v |= DMAStatusGLI
	}
	if ev.Has(EventMMC) {
		v |= DMAStatusGMI
	}
	if ev.Has(EventPMT) {
		v |= DMAStatusGPI
	}
	return v
}

func (GMAC) InterruptMask() uint32 {
	return MAC100{}.InterruptMask() | DMAStatusRU | DMAStatusERI | DMAStatusGLI
}

// RxChecksum decodes the type 2 checksum engine verdict: only Ethernet II
// frames are checked, a payload or header error marks the frame bad.
func (GMAC) RxChecksum(status uint32) ChecksumResult {
	if status&RxStatusFrameType == 0 {
		return ChecksumNone
	}
	if status&(RxStatusPayloadCsumError|RxStatusGiantFrame) != 0 {
		return ChecksumBad
	}
	return ChecksumOK
}

func (GMAC) SetFilter(f MulticastFilter) FilterConfig {
	var fc FilterConfig
	switch {
	case f.Promiscuous:
		fc.Control = GMACFramePromiscuous
	case f.AllMulticast:
		fc.Control = GMACFrameAllMulticast
		fc.HashHi, fc.HashLo = ^uint32(0), ^uint32(0)
	case len(f.Addrs) > GMACPerfectFilterSize:
		fc.Control = GMACFrameHashMulti
		for _, a := range f.Addrs {
			setHashBit(&fc, bits.Reverse32(crc32.ChecksumIEEE(a))>>26)
		}
	case len(f.Addrs) > 0:
		fc.Perfect = append(fc.Perfect, f.Addrs...)
	}
	return fc
}
