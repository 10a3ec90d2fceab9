package ringstat

import (
	"bytes"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-magpie/stmmac/dma"
)

type fixed dma.Stats

func (f *fixed) Stats() dma.Stats { return dma.Stats(*f) }

func TestCounterNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, c := range All {
		name := c.String()
		require.NotEmpty(t, name, "counter %d", int(c))
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
	assert.Empty(t, Counter(-1).String())
}

func TestSnapshotSince(t *testing.T) {
	src := &fixed{TxPackets: 10, RxBytes: 1000, RxCRCErrors: 1}
	devs := map[string]Source{"eth0": src}

	old := Snapshot(devs)
	src.TxPackets = 25
	src.RxBytes = 1500
	now := Snapshot(devs, TxPackets, RxBytes)

	assert.Len(t, old["eth0"], len(All))
	assert.Len(t, now["eth0"], 2)

	d := now.Since(old)
	assert.Equal(t, DevStats{TxPackets: 15, RxBytes: 500}, d["eth0"])
}

func TestPrint(t *testing.T) {
	s := Stats{
		"eth1": {TxPackets: 1, TxBytes: 1500},
		"eth0": {RxPackets: 2, RxBytes: 2_000_000, RxCRCErrors: 3},
	}
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, s, map[string]string{"eth0": "gmac"}))
	out := buf.String()

	assert.Contains(t, out, "eth0 (gmac):")
	assert.Contains(t, out, "eth1 :")
	assert.Contains(t, out, "2.0 MB (2,000,000)")
	assert.Contains(t, out, "rx_crc_errors")
	assert.NotContains(t, out, "rx_zero_copy")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("eth0")), bytes.Index(buf.Bytes(), []byte("eth1")))
}

func TestRegister(t *testing.T) {
	src := &fixed{RxPackets: 7}
	reg := metrics.NewRegistry()
	require.NoError(t, Register(reg, "stmmac.eth0", src))

	g, ok := reg.Get("stmmac.eth0.rx_packets").(metrics.Gauge)
	require.True(t, ok)
	assert.Equal(t, int64(7), g.Value())

	src.RxPackets = 9
	assert.Equal(t, int64(9), g.Value())

	assert.Error(t, Register(reg, "stmmac.eth0", src), "duplicate registration")
}
