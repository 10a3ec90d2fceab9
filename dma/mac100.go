package dma

import (
	"hash/crc32"
	"math/bits"
)

// MAC100 is the 10/100 core with normal descriptors and no receive
// checksum offload.
type MAC100 struct{}

// MAC100 control register filter bits.
const (
	MAC100ControlHashPerfect  = 1 << 13
	MAC100ControlPromiscuous  = 1 << 18
	MAC100ControlAllMulticast = 1 << 19
	MAC100ControlHashFilter   = 1 << 17
)

func (MAC100) Name() string   { return "mac100" }
func (MAC100) Layout() Layout { return NormalLayout{} }

func (MAC100) DecodeStatus(status uint32) Event { return decodeDMAStatus(status) }
func (MAC100) StatusBits(ev Event) uint32       { return encodeDMAStatus(ev) }

func (MAC100) InterruptMask() uint32 {
	return DMAStatusNIS | DMAStatusAIS | DMAStatusRI | DMAStatusTI |
		DMAStatusUNF | DMAStatusOVF | DMAStatusFBI | DMAStatusTPS
}

func (MAC100) RxChecksum(uint32) ChecksumResult { return ChecksumNone }

// SetFilter hashes every multicast address into the 64 bit table using the
// top six bits of the big endian Ethernet CRC.
func (MAC100) SetFilter(f MulticastFilter) FilterConfig {
	var fc FilterConfig
	switch {
	case f.Promiscuous:
		fc.Control = MAC100ControlPromiscuous
	case f.AllMulticast:
		fc.Control = MAC100ControlAllMulticast
		fc.HashHi, fc.HashLo = ^uint32(0), ^uint32(0)
	case len(f.Addrs) > 0:
		fc.Control = MAC100ControlHashFilter
		for _, a := range f.Addrs {
			setHashBit(&fc, bits.Reverse32(^crc32.ChecksumIEEE(a))>>26)
		}
	}
	return fc
}
