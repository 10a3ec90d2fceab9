package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/project-magpie/stmmac/dma"
	"github.com/project-magpie/stmmac/ratelimit"
)

// headerLen is the Ethernet, IPv4 and UDP header length of a generated
// frame. Headers and payload go out as separate fragments.
const headerLen = 14 + 20 + 8

type generator struct {
	eth layers.Ethernet
	ip  layers.IPv4
	udp layers.UDP

	minSize, maxSize int

	buf     gopacket.SerializeBuffer
	payload []byte
}

func newGenerator(c *Config) (*generator, error) {
	src, err := net.ParseMAC(c.Traffic.SrcMAC)
	if err != nil {
		return nil, err
	}
	dst, err := net.ParseMAC(c.Traffic.DstMAC)
	if err != nil {
		return nil, err
	}
	g := &generator{
		eth: layers.Ethernet{
			SrcMAC:       src,
			DstMAC:       dst,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP(c.Traffic.SrcIP).To4(),
			DstIP:    net.ParseIP(c.Traffic.DstIP).To4(),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(c.Traffic.SrcPort),
			DstPort: layers.UDPPort(c.Traffic.DstPort),
		},
		minSize: c.Traffic.MinSize,
		maxSize: c.Traffic.MaxSize,
		buf:     gopacket.NewSerializeBuffer(),
		payload: make([]byte, c.Traffic.MaxSize-headerLen),
	}
	if err := g.udp.SetNetworkLayerForChecksum(&g.ip); err != nil {
		return nil, err
	}
	return g, nil
}

// size sweeps the frame size between minSize and maxSize.
func (g *generator) size(seq uint32) int {
	span := g.maxSize - g.minSize + 1
	return g.minSize + int(seq)%span
}

// next builds frame number seq. The returned packet aliases the
// generator's buffer until the next call.
func (g *generator) next(seq uint32) (dma.Packet, error) {
	p := g.payload[:g.size(seq)-headerLen]
	binary.BigEndian.PutUint32(p, seq)
	for i := 4; i < len(p); i++ {
		p[i] = byte(seq) + byte(i)
	}
	g.ip.Id = uint16(seq)

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(g.buf, opts, &g.eth, &g.ip, &g.udp, gopacket.Payload(p))
	if err != nil {
		return dma.Packet{}, fmt.Errorf("serializing frame %d: %w", seq, err)
	}
	b := g.buf.Bytes()
	return dma.Packet{Frags: [][]byte{b[:headerLen], b[headerLen:]}}, nil
}

type trafficStats struct {
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	TxBusy    atomic.Uint64
	TxDropped atomic.Uint64

	RxPackets   atomic.Uint64
	RxBytes     atomic.Uint64
	RxMalformed atomic.Uint64
	RxSeqGaps   atomic.Uint64

	Elapsed atomic.Int64
}

// busyBackoff is how long the generator waits for a stopped queue to wake.
const busyBackoff = 20 * time.Microsecond

// generate transmits count frames on e, paced by t.
func generate(
	ctx context.Context, e *dma.Engine, g *generator, t *ratelimit.Throttle,
	count uint64, stats *trafficStats,
) error {
	start := time.Now()
	defer func() { stats.Elapsed.Store(time.Since(start).Nanoseconds()) }()

	for seq := uint64(0); seq < count; seq++ {
		p, err := g.next(uint32(seq))
		if err != nil {
			return err
		}
		for {
			err = e.Transmit(p)
			if !errors.Is(err, dma.ErrBusy) {
				break
			}
			stats.TxBusy.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(busyBackoff):
			}
		}
		switch {
		case errors.Is(err, dma.ErrRingFull):
			stats.TxDropped.Add(1)
		case err != nil:
			return fmt.Errorf("transmitting frame %d: %w", seq, err)
		default:
			stats.TxPackets.Add(1)
			stats.TxBytes.Add(uint64(p.Len()))
		}
		if err := t.WaitN(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

// sink is the upstream of the engine. It decodes every delivered frame
// and checks the sequence numbers written by the generator.
type sink struct {
	l       *logrus.Logger
	stats   *trafficStats
	nextSeq uint32
}

func (s *sink) Deliver(b *dma.Buffer, n int, _ dma.ChecksumResult) {
	defer func() { _ = b.Release() }()

	s.stats.RxPackets.Add(1)
	s.stats.RxBytes.Add(uint64(n))

	pkt := gopacket.NewPacket(b.Bytes()[:n], layers.LayerTypeEthernet,
		gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || len(udp.Payload) < 4 {
		s.stats.RxMalformed.Add(1)
		if el := pkt.ErrorLayer(); el != nil {
			s.l.WithError(el.Error()).Debug("Malformed frame")
		}
		return
	}
	seq := binary.BigEndian.Uint32(udp.Payload)
	if seq != s.nextSeq {
		s.stats.RxSeqGaps.Add(1)
	}
	s.nextSeq = seq + 1
}

func (s *sink) LinkChanged(up bool, speed int, duplex dma.Duplex) {
	s.l.WithFields(logrus.Fields{
		"up":     up,
		"speed":  speed,
		"duplex": duplex,
	}).Debug("Upstream link changed")
}
