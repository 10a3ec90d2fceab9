package dma

import (
	"math/bits"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreByName(t *testing.T) {
	c, err := CoreByName("GMAC")
	require.NoError(t, err)
	assert.Equal(t, "gmac", c.Name())
	assert.Equal(t, "enhanced", c.Layout().Name())

	c, err = CoreByName("mac100")
	require.NoError(t, err)
	assert.Equal(t, "normal", c.Layout().Name())

	_, err = CoreByName("dwmac4")
	assert.Error(t, err)
}

func TestDecodeStatus(t *testing.T) {
	for _, c := range []Core{MAC100{}, GMAC{}} {
		t.Run(c.Name(), func(t *testing.T) {
			for i := range eventBits {
				ev := eventBits[i].ev
				st := c.StatusBits(ev)
				assert.Equal(t, ev, c.DecodeStatus(st), ev.String())
				assert.NotZero(t, st&(DMAStatusNIS|DMAStatusAIS), "%s without summary bit", ev)
			}
		})
	}

	assert.Equal(t, EventRx|EventTx, MAC100{}.DecodeStatus(DMAStatusRI|DMAStatusTI|DMAStatusNIS))
	assert.Equal(t, Event(0), MAC100{}.DecodeStatus(DMAStatusGLI))
	assert.Equal(t, EventLinkChange|EventMMC, GMAC{}.DecodeStatus(DMAStatusGLI|DMAStatusGMI))
	assert.Equal(t, uint32(DMAStatusUNF|DMAStatusAIS), MAC100{}.StatusBits(EventTxUnderflow))
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "none", Event(0).String())
	assert.Equal(t, "rx|tx-underflow", (EventRx | EventTxUnderflow).String())
	assert.True(t, EventTxError.Has(EventFatalBusError))
	assert.False(t, EventTxError.Has(EventRxOverflow))
}

func TestInterruptMask(t *testing.T) {
	m := MAC100{}.InterruptMask()
	for _, bit := range []uint32{DMAStatusRI, DMAStatusTI, DMAStatusUNF, DMAStatusFBI, DMAStatusNIS, DMAStatusAIS} {
		assert.NotZero(t, m&bit)
	}
	g := GMAC{}.InterruptMask()
	assert.Equal(t, m, g&m)
	assert.NotZero(t, g&DMAStatusGLI)
}

func TestRxChecksum(t *testing.T) {
	assert.Equal(t, ChecksumNone, MAC100{}.RxChecksum(RxStatusFrameType|RxStatusPayloadCsumError))

	g := GMAC{}
	assert.Equal(t, ChecksumNone, g.RxChecksum(0))
	assert.Equal(t, ChecksumOK, g.RxChecksum(RxStatusFrameType))
	assert.Equal(t, ChecksumBad, g.RxChecksum(RxStatusFrameType|RxStatusPayloadCsumError))
	assert.Equal(t, ChecksumBad, g.RxChecksum(RxStatusFrameType|RxStatusGiantFrame))
	assert.Equal(t, "bad", ChecksumBad.String())
}

func multicastAddrs(n int) []net.HardwareAddr {
	addrs := make([]net.HardwareAddr, n)
	for i := range addrs {
		addrs[i] = net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, byte(i + 1)}
	}
	return addrs
}

func TestSetFilter(t *testing.T) {
	fc := MAC100{}.SetFilter(MulticastFilter{Promiscuous: true, AllMulticast: true})
	assert.Equal(t, uint32(MAC100ControlPromiscuous), fc.Control)

	fc = GMAC{}.SetFilter(MulticastFilter{AllMulticast: true})
	assert.Equal(t, uint32(GMACFrameAllMulticast), fc.Control)
	assert.Equal(t, ^uint32(0), fc.HashHi)

	fc = GMAC{}.SetFilter(MulticastFilter{Addrs: multicastAddrs(GMACPerfectFilterSize)})
	assert.Zero(t, fc.Control)
	assert.Len(t, fc.Perfect, GMACPerfectFilterSize)
	assert.Zero(t, fc.HashHi|fc.HashLo)

	assert.Equal(t, FilterConfig{}, MAC100{}.SetFilter(MulticastFilter{}))
}

func TestHashFilter(t *testing.T) {
	addrs := multicastAddrs(GMACPerfectFilterSize + 1)
	m := MAC100{}.SetFilter(MulticastFilter{Addrs: addrs})
	g := GMAC{}.SetFilter(MulticastFilter{Addrs: addrs})

	assert.Equal(t, uint32(MAC100ControlHashFilter), m.Control)
	assert.Equal(t, uint32(GMACFrameHashMulti), g.Control)
	assert.Empty(t, g.Perfect)

	// The MAC100 CRC is the complement of the GMAC one, so bit i of one
	// table is bit 63-i of the other.
	table := func(fc FilterConfig) uint64 { return uint64(fc.HashHi)<<32 | uint64(fc.HashLo) }
	assert.Equal(t, bits.Reverse64(table(g)), table(m))

	n := bits.OnesCount64(table(m))
	assert.Positive(t, n)
	assert.LessOrEqual(t, n, len(addrs))
}
