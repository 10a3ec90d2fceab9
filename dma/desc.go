package dma

import (
	"fmt"
	"sync/atomic"
)

// DeviceAddr is a bus address as seen by the DMA engine.
type DeviceAddr uint32

// Direction selects one of the two DMA channels. For buffer mappings it
// names the transfer direction: Tx buffers are read by the device, Rx
// buffers are written by it.
type Direction uint8

const (
	Rx Direction = iota
	Tx
)

func (d Direction) String() string {
	switch d {
	case Rx:
		return "rx"
	case Tx:
		return "tx"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Owner tells which side may write a descriptor.
type Owner uint8

const (
	Software Owner = iota
	Hardware
)

func (o Owner) String() string {
	if o == Hardware {
		return "hw"
	}
	return "sw"
}

// Descriptor is the four word record shared with the DMA engine.
//
// Word0 carries the status and, in its most significant bit, the owner.
// It is only ever accessed atomically: a store to word0 that sets the owner
// bit publishes every earlier write to the other three words, and a load
// that observes the owner bit cleared makes the device's writes visible.
// Control, Buf1 and Buf2 may be written only by the current owner.
type Descriptor struct {
	status  uint32
	Control uint32
	Buf1    uint32
	Buf2    uint32
}

// DescriptorSize is the size of a descriptor in bytes.
const DescriptorSize = 16

const ownBit = 1 << 31

// Status loads word0 with acquire semantics.
func (d *Descriptor) Status() uint32 { return atomic.LoadUint32(&d.status) }

// StoreStatus stores word0 with release semantics.
func (d *Descriptor) StoreStatus(v uint32) { atomic.StoreUint32(&d.status, v) }

// Owner reports which side currently owns the descriptor.
func (d *Descriptor) Owner() Owner {
	if d.Status()&ownBit != 0 {
		return Hardware
	}
	return Software
}

// giveToHardware flips the owner bit. Everything else in the descriptor
// must already be written.
func (d *Descriptor) giveToHardware() { atomic.OrUint32(&d.status, ownBit) }

// Status word bits shared by both descriptor layouts.
const (
	// Receive status.
	RxStatusFilterFail       = 1 << 30
	RxStatusFrameLenShift    = 16
	RxStatusFrameLenMask     = 0x3fff
	RxStatusErrorSummary     = 1 << 15
	RxStatusDescriptorError  = 1 << 14
	RxStatusSAFilterFail     = 1 << 13
	RxStatusLengthError      = 1 << 12
	RxStatusOverflow         = 1 << 11
	RxStatusVLAN             = 1 << 10
	RxStatusFirstSegment     = 1 << 9
	RxStatusLastSegment      = 1 << 8
	RxStatusGiantFrame       = 1 << 7 // IP header checksum error on GMAC
	RxStatusLateCollision    = 1 << 6
	RxStatusFrameType        = 1 << 5
	RxStatusWatchdog         = 1 << 4
	RxStatusMIIError         = 1 << 3
	RxStatusDribbling        = 1 << 2
	RxStatusCRCError         = 1 << 1
	RxStatusPayloadCsumError = 1 << 0

	// Transmit status.
	TxStatusErrorSummary       = 1 << 15
	TxStatusJabberTimeout      = 1 << 14
	TxStatusFrameFlushed       = 1 << 13
	TxStatusLossOfCarrier      = 1 << 11
	TxStatusNoCarrier          = 1 << 10
	TxStatusLateCollision      = 1 << 9
	TxStatusExcessiveCollision = 1 << 8
	TxStatusVLAN               = 1 << 7
	TxStatusCollisionShift     = 3
	TxStatusCollisionMask      = 0xf
	TxStatusExcessiveDeferral  = 1 << 2
	TxStatusUnderflow          = 1 << 1
	TxStatusDeferred           = 1 << 0
)

// FCSLen is the length of the frame check sequence the MAC leaves at the
// end of every received frame.
const FCSLen = 4

// RxFrameLen extracts the frame length, FCS included, from an RX status word.
func RxFrameLen(status uint32) int {
	return int(status>>RxStatusFrameLenShift) & RxStatusFrameLenMask
}

// RxStatusWord builds the status word the device writes back on receive
// completion. The owner bit is always clear.
func RxStatusWord(frameLen int, bits uint32) uint32 {
	v := bits &^ (ownBit | RxStatusFrameLenMask<<RxStatusFrameLenShift)
	v |= uint32(frameLen&RxStatusFrameLenMask) << RxStatusFrameLenShift
	if v&rxErrorBits != 0 {
		v |= RxStatusErrorSummary
	}
	return v
}

const rxErrorBits = RxStatusDescriptorError | RxStatusLengthError |
	RxStatusOverflow | RxStatusGiantFrame | RxStatusLateCollision |
	RxStatusWatchdog | RxStatusMIIError | RxStatusCRCError

const txErrorBits = TxStatusJabberTimeout | TxStatusFrameFlushed |
	TxStatusLossOfCarrier | TxStatusNoCarrier | TxStatusLateCollision |
	TxStatusExcessiveCollision | TxStatusUnderflow

// TxStatusWord builds the status word the device writes back on transmit
// completion, preserving the control bits the layout keeps in word0.
func TxStatusWord(prev uint32, bits uint32, l Layout) uint32 {
	v := prev & l.TxWord0ControlMask()
	v |= bits &^ (ownBit | l.TxWord0ControlMask())
	if v&txErrorBits != 0 {
		v |= TxStatusErrorSummary
	}
	return v
}
