// Package ringstat snapshots, diffs and exports the counters of DMA ring
// engines.
package ringstat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"

	"github.com/project-magpie/stmmac/dma"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxDropped
	TxErrors
	TxTimeout
	TxQueueStopped
	RxPackets
	RxBytes
	RxDropped
	RxErrors
	RxCRCErrors
	RxLengthErrors
	RxCsumErrors
	RxCopied
	RxZeroCopy
	RxAllocFailed
	IRQNormal
	IRQAbnormal
)

// All lists every counter in display order.
var All = []Counter{
	TxPackets, TxBytes, TxDropped, TxErrors, TxTimeout, TxQueueStopped,
	RxPackets, RxBytes, RxDropped, RxErrors, RxCRCErrors, RxLengthErrors,
	RxCsumErrors, RxCopied, RxZeroCopy, RxAllocFailed,
	IRQNormal, IRQAbnormal,
}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxDropped:
		return "tx_dropped"
	case TxErrors:
		return "tx_errors"
	case TxTimeout:
		return "tx_timeout"
	case TxQueueStopped:
		return "tx_queue_stopped"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case RxErrors:
		return "rx_errors"
	case RxCRCErrors:
		return "rx_crc_errors"
	case RxLengthErrors:
		return "rx_length_errors"
	case RxCsumErrors:
		return "rx_csum_errors"
	case RxCopied:
		return "rx_copybreak"
	case RxZeroCopy:
		return "rx_zero_copy"
	case RxAllocFailed:
		return "rx_alloc_failed"
	case IRQNormal:
		return "irq_normal"
	case IRQAbnormal:
		return "irq_abnormal"
	}
	return ""
}

// Value picks the counter out of s.
func (c Counter) Value(s dma.Stats) uint64 {
	switch c {
	case TxPackets:
		return s.TxPackets
	case TxBytes:
		return s.TxBytes
	case TxDropped:
		return s.TxDropped
	case TxErrors:
		return s.TxErrors
	case TxTimeout:
		return s.TxTimeout
	case TxQueueStopped:
		return s.TxQueueStopped
	case RxPackets:
		return s.RxPackets
	case RxBytes:
		return s.RxBytes
	case RxDropped:
		return s.RxDropped
	case RxErrors:
		return s.RxErrors
	case RxCRCErrors:
		return s.RxCRCErrors
	case RxLengthErrors:
		return s.RxLengthErrors
	case RxCsumErrors:
		return s.RxCsumErrors
	case RxCopied:
		return s.RxCopied
	case RxZeroCopy:
		return s.RxZeroCopy
	case RxAllocFailed:
		return s.RxAllocFailed
	case IRQNormal:
		return s.IRQNormal
	case IRQAbnormal:
		return s.IRQAbnormal
	}
	return 0
}

// Source is anything that reports engine counters, usually *dma.Engine.
type Source interface {
	Stats() dma.Stats
}

// Per-device values.
type DevStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]DevStats

// Snapshot reads the given counters, or All when none are given, from
// every device.
func Snapshot(devs map[string]Source, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All
	}
	s := make(Stats, len(devs))
	for name, src := range devs {
		st := src.Stats()
		vals := make(DevStats, len(counters))
		for _, c := range counters {
			vals[c] = c.Value(st)
		}
		s[name] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for dev, now := range s {
		prev := old[dev]
		diff := make(DevStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[dev] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	devs := make([]string, 0, len(s))
	for dev := range s {
		devs = append(devs, dev)
	}
	slices.Sort(devs)

	for _, dev := range devs {
		stats := s[dev]

		if alias, ok := aliases[dev]; ok {
			fmt.Fprintf(w, "%s (%s):\n", dev, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", dev)
		}

		txBytes, rxBytes := stats[TxBytes], stats[RxBytes]
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)  dropped %d  errors %d\n",
			stats[TxPackets], humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
			stats[TxDropped], stats[TxErrors],
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  dropped %d  errors %d\n",
			stats[RxPackets], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
			stats[RxDropped], stats[RxErrors],
		)

		// Remaining counters, only when non-zero.
		for _, c := range All {
			switch c {
			case TxPackets, TxBytes, TxDropped, TxErrors,
				RxPackets, RxBytes, RxDropped, RxErrors:
				continue
			}
			if v := stats[c]; v > 0 {
				fmt.Fprintf(w, "  %-18s %s\n", c, humanize.Comma(int64(v)))
			}
		}
	}

	return nil
}

// Register exports every counter of src as a gauge named prefix.counter in
// reg. The gauges read src on demand.
func Register(reg metrics.Registry, prefix string, src Source) error {
	for _, c := range All {
		g := metrics.NewFunctionalGauge(func() int64 {
			return int64(c.Value(src.Stats()))
		})
		if err := reg.Register(prefix+"."+c.String(), g); err != nil {
			return fmt.Errorf("registering %s: %w", c, err)
		}
	}
	return nil
}
