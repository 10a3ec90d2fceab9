package dma

import (
	"fmt"
	"net"
	"strings"
)

// DMA status register bits. The interrupt enable register uses the same
// positions.
const (
	DMAStatusTI  = 1 << 0 // transmit complete
	DMAStatusTPS = 1 << 1 // transmit process stopped
	DMAStatusTU  = 1 << 2 // transmit buffer unavailable
	DMAStatusTJT = 1 << 3 // transmit jabber timeout
	DMAStatusOVF = 1 << 4 // receive overflow
	DMAStatusUNF = 1 << 5 // transmit underflow
	DMAStatusRI  = 1 << 6 // receive complete
	DMAStatusRU  = 1 << 7 // receive buffer unavailable
	DMAStatusRPS = 1 << 8 // receive process stopped
	DMAStatusRWT = 1 << 9 // receive watchdog timeout
	DMAStatusETI = 1 << 10
	DMAStatusFBI = 1 << 13 // fatal bus error
	DMAStatusERI = 1 << 14
	DMAStatusAIS = 1 << 15 // abnormal summary
	DMAStatusNIS = 1 << 16 // normal summary
	DMAStatusGLI = 1 << 26 // GMAC line interface
	DMAStatusGMI = 1 << 27 // GMAC MMC counters
	DMAStatusGPI = 1 << 28 // GMAC power management
)

const (
	dmaNormalBits   = DMAStatusTI | DMAStatusTU | DMAStatusRI | DMAStatusERI
	dmaAbnormalBits = DMAStatusTPS | DMAStatusTJT | DMAStatusOVF | DMAStatusUNF |
		DMAStatusRU | DMAStatusRPS | DMAStatusRWT | DMAStatusETI | DMAStatusFBI
)

// Event is a decoded set of interrupt conditions.
type Event uint32

const (
	EventRx Event = 1 << iota
	EventTx
	EventTxBufferUnavailable
	EventEarlyRx
	EventTxUnderflow
	EventFatalBusError
	EventTxStopped
	EventTxJabber
	EventRxOverflow
	EventRxBufferUnavailable
	EventRxStopped
	EventRxWatchdog
	EventEarlyTx
	EventLinkChange
	EventMMC
	EventPMT
)

// EventTxError is the set of conditions that require transmit recovery.
const EventTxError = EventTxUnderflow | EventFatalBusError | EventTxStopped

var eventNames = []string{
	"rx", "tx", "tx-buffer-unavailable", "early-rx", "tx-underflow",
	"fatal-bus-error", "tx-stopped", "tx-jabber", "rx-overflow",
	"rx-buffer-unavailable", "rx-stopped", "rx-watchdog", "early-tx",
	"link-change", "mmc", "pmt",
}

func (e Event) Has(x Event) bool { return e&x != 0 }

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var s []string
	for i, n := range eventNames {
		if e&(1<<i) != 0 {
			s = append(s, n)
		}
	}
	return strings.Join(s, "|")
}

// eventBits pairs DMA status bits with events for the bits both cores share.
var eventBits = []struct {
	bit uint32
	ev  Event
}{
	{DMAStatusRI, EventRx},
	{DMAStatusTI, EventTx},
	{DMAStatusTU, EventTxBufferUnavailable},
	{DMAStatusERI, EventEarlyRx},
	{DMAStatusUNF, EventTxUnderflow},
	{DMAStatusFBI, EventFatalBusError},
	{DMAStatusTPS, EventTxStopped},
	{DMAStatusTJT, EventTxJabber},
	{DMAStatusOVF, EventRxOverflow},
	{DMAStatusRU, EventRxBufferUnavailable},
	{DMAStatusRPS, EventRxStopped},
	{DMAStatusRWT, EventRxWatchdog},
	{DMAStatusETI, EventEarlyTx},
}

func decodeDMAStatus(v uint32) (ev Event) {
	for _, b := range eventBits {
		if v&b.bit != 0 {
			ev |= b.ev
		}
	}
	return ev
}

func encodeDMAStatus(ev Event) (v uint32) {
	for _, b := range eventBits {
		if ev&b.ev != 0 {
			v |= b.bit
		}
	}
	if v&dmaNormalBits != 0 {
		v |= DMAStatusNIS
	}
	if v&dmaAbnormalBits != 0 {
		v |= DMAStatusAIS
	}
	return v
}

// ChecksumResult is the receive checksum offload verdict for a frame.
type ChecksumResult uint8

const (
	// ChecksumNone means the hardware did not check the frame.
	ChecksumNone ChecksumResult = iota
	ChecksumOK
	ChecksumBad
)

func (c ChecksumResult) String() string {
	switch c {
	case ChecksumOK:
		return "ok"
	case ChecksumBad:
		return "bad"
	}
	return "none"
}

// MulticastFilter is the receive filter requested by the upper layer.
type MulticastFilter struct {
	Promiscuous  bool
	AllMulticast bool
	Addrs        []net.HardwareAddr
}

// FilterConfig is the register image a core computes for a filter.
type FilterConfig struct {
	Control uint32
	HashHi  uint32
	HashLo  uint32
	Perfect []net.HardwareAddr
}

// Core is one MAC variant. The engine never looks at register or status
// bit positions directly; it asks the core.
type Core interface {
	Name() string
	Layout() Layout

	// DecodeStatus turns a DMA status register value into events.
	DecodeStatus(status uint32) Event
	// StatusBits is the inverse of DecodeStatus, summary bits included.
	StatusBits(ev Event) uint32
	// InterruptMask is the interrupt enable value used while running.
	InterruptMask() uint32

	RxChecksum(status uint32) ChecksumResult
	SetFilter(f MulticastFilter) FilterConfig
}

// CoreByName returns the core for "mac100" or "gmac".
func CoreByName(name string) (Core, error) {
	switch strings.ToLower(name) {
	case "mac100":
		return MAC100{}, nil
	case "gmac":
		return GMAC{}, nil
	}
	return nil, fmt.Errorf("unknown MAC core %q", name)
}

func setHashBit(fc *FilterConfig, bit uint32) {
	if bit >= 32 {
		fc.HashHi |= 1 << (bit - 32)
	} else {
		fc.HashLo |= 1 << bit
	}
}
