package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/project-magpie/stmmac/dma"
	"github.com/project-magpie/stmmac/ringstat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	if os.Getenv("TEST_LOGS") == "" {
		l.SetOutput(io.Discard)
	}
	return l
}

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := loadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "gmac", conf.Core)
	assert.Equal(t, dma.DefaultRingSize, conf.Engine.RxRingSize)
	assert.Equal(t, dma.DefaultTxCoalesceTimer, conf.Engine.TxCoalesceTimer)
	assert.True(t, conf.Sim.Loopback)
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
core: gmac
engine:
  rx-ring-size: 32
  tx-ring-size: 64
  tx-coalesce-timer: 250us
traffic:
  count: 10
  max-size: 512
logging:
  format: json
`), 0o600))

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindRunFlags(fs)
	require.NoError(t, fs.Parse([]string{"--core", "mac100", "-n", "42", "--no-loopback"}))

	conf, err := loadConfig(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "mac100", conf.Core)
	assert.Equal(t, uint64(42), conf.Traffic.Count)
	assert.Equal(t, 512, conf.Traffic.MaxSize)
	assert.Equal(t, 32, conf.Engine.RxRingSize)
	assert.Equal(t, 64, conf.Engine.TxRingSize)
	assert.Equal(t, 250*time.Microsecond, conf.Engine.TxCoalesceTimer)
	assert.False(t, conf.Sim.Loopback)

	// Untouched flags keep the file's values.
	assert.Equal(t, "json", conf.Logging.Format)

	// The resolved config survives a round trip through the printer.
	b, err := yaml.Marshal(conf)
	require.NoError(t, err)
	var back Config
	require.NoError(t, yaml.Unmarshal(b, &back))
	assert.Equal(t, *conf, back)
}

func TestExampleConfig(t *testing.T) {
	conf, err := loadConfig("ringsim.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "prometheus", conf.Stats.Type)
	assert.Equal(t, 8, conf.Engine.TxStopThreshold)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"core", "core: tulip"},
		{"ring", "engine: {rx-ring-size: 2}"},
		{"min size", "traffic: {min-size: 20}"},
		{"sizes", "traffic: {min-size: 200, max-size: 100}"},
		{"frame size", "traffic: {max-size: 2046}"},
		{"mac", "traffic: {dst-mac: nope}"},
		{"ip", "traffic: {src-ip: '::1'}"},
		{"port", "traffic: {dst-port: 70000}"},
		{"stats type", "stats: {type: statsd}"},
		{"prometheus", "stats: {type: prometheus}"},
		{"graphite", "stats: {type: graphite}"},
		{"yaml", "core: [gmac"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ringsim.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := loadConfig(path, nil)
			assert.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigLogger(t *testing.T) {
	conf := defaultConfig()
	l := logrus.New()

	conf.Logging.Level, conf.Logging.Format = "debug", "json"
	require.NoError(t, configLogger(l, conf))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	conf.Logging.Level = "loud"
	assert.Error(t, configLogger(l, conf))

	conf.Logging.Level, conf.Logging.Format = "info", "xml"
	assert.Error(t, configLogger(l, conf))
}

func TestGenerator(t *testing.T) {
	conf := defaultConfig()
	conf.Traffic.MinSize, conf.Traffic.MaxSize = 64, 66
	g, err := newGenerator(conf)
	require.NoError(t, err)

	for seq, size := range []int{64, 65, 66, 64} {
		p, err := g.next(uint32(seq))
		require.NoError(t, err)
		require.Len(t, p.Frags, 2)
		assert.Len(t, p.Frags[0], headerLen)
		assert.Equal(t, size, p.Len())

		frame := append(append([]byte(nil), p.Frags[0]...), p.Frags[1]...)
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
		require.Nil(t, pkt.ErrorLayer())

		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
		assert.Equal(t, "10.0.0.2", ip.DstIP.String())
		assert.Equal(t, uint16(size-14), ip.Length)

		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		assert.Equal(t, layers.UDPPort(9001), udp.DstPort)
		assert.Equal(t, []byte{0, 0, 0, byte(seq)}, udp.Payload[:4])
	}
}

func TestSink(t *testing.T) {
	conf := defaultConfig()
	g, err := newGenerator(conf)
	require.NoError(t, err)
	pool, err := dma.NewPool(4, dma.DefaultFrameSize, newTestLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, pool.Close()) }()

	stats := new(trafficStats)
	s := &sink{l: newTestLogger(), stats: stats}
	deliver := func(frame []byte) {
		b, err := pool.Acquire(len(frame))
		require.NoError(t, err)
		copy(b.Bytes(), frame)
		s.Deliver(b, len(frame), dma.ChecksumNone)
	}

	for _, seq := range []uint32{0, 1, 3} {
		p, err := g.next(seq)
		require.NoError(t, err)
		deliver(append(append([]byte(nil), p.Frags[0]...), p.Frags[1]...))
	}
	deliver(make([]byte, 60))

	assert.Equal(t, uint64(4), stats.RxPackets.Load())
	assert.Equal(t, uint64(1), stats.RxSeqGaps.Load())
	assert.Equal(t, uint64(1), stats.RxMalformed.Load())
	assert.Zero(t, pool.InUse())
}

func TestRunSim(t *testing.T) {
	for _, core := range []string{"mac100", "gmac"} {
		t.Run(core, func(t *testing.T) {
			conf := defaultConfig()
			conf.Core = core
			conf.Engine = dma.Config{RxRingSize: 32, TxRingSize: 32, TxStopThreshold: 4, NumFrames: 256}
			conf.Traffic.Count = 2000
			conf.Traffic.MaxSize = 300
			conf.Sim.FIFODepth = 4096
			conf.Stats.Interval = 10 * time.Millisecond
			require.NoError(t, conf.validate())

			var out bytes.Buffer
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			res, err := runSim(ctx, newTestLogger(), conf, &out)
			require.NoError(t, err)

			tr := res.traffic
			assert.Equal(t, uint64(2000), tr.TxPackets.Load())
			assert.Zero(t, tr.TxDropped.Load())
			assert.Equal(t, tr.TxPackets.Load(), tr.RxPackets.Load())
			assert.Zero(t, tr.RxMalformed.Load())
			assert.Equal(t, tr.TxPackets.Load(), res.engine[devName][ringstat.TxPackets])

			var rep bytes.Buffer
			res.print(&rep)
			assert.Contains(t, rep.String(), "FINAL REPORT")
			assert.Contains(t, rep.String(), "TX:                2,000 packets")
			assert.Contains(t, rep.String(), devName+" ("+core+"):")
		})
	}
}
