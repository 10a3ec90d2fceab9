package dma

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexSlot(t *testing.T) {
	tests := []struct {
		i    Index
		n    int
		want int
	}{
		{0, 8, 0},
		{7, 8, 7},
		{8, 8, 0},
		{13, 5, 3},
		{1<<40 + 3, 64, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.i.Slot(tt.n), "%d mod %d", tt.i, tt.n)
	}
}

func TestRingInit(t *testing.T) {
	for _, l := range []Layout{NormalLayout{}, EnhancedLayout{}} {
		for _, dir := range []Direction{Rx, Tx} {
			r := NewRing(dir, 6, l)
			r.Init()
			for slot := 0; slot < r.Len(); slot++ {
				assert.False(t, r.OwnedByHardware(slot))
				assert.Equal(t, slot == r.Len()-1, l.EndOfRing(r.Desc(slot), dir),
					"%s %s slot %d", l.Name(), dir, slot)
			}
			assert.Equal(t, Index(0), r.Cur())
			assert.Equal(t, Index(0), r.Dirty())
			assert.Equal(t, 5, r.Free())
		}
	}
}

func TestRingCounters(t *testing.T) {
	r := NewRing(Tx, 4, NormalLayout{})
	r.Init()

	// Walk the counters well past several wraps; the in-flight count never
	// exceeds Len()-1.
	for i := 0; i < 10; i++ {
		r.advanceCur(3)
		assert.Equal(t, 3, r.Pending())
		assert.Equal(t, 0, r.Free())
		r.advanceDirty(3)
		assert.Equal(t, 0, r.Pending())
		assert.Equal(t, 3, r.Free())
	}
	assert.Equal(t, Index(30), r.Cur())
	assert.Equal(t, 2, r.Slot(r.Cur()))
}

func TestRingHandOffObserver(t *testing.T) {
	r := NewRing(Rx, 4, NormalLayout{})
	r.Init()

	var seen []int
	r.SetObserver(func(dir Direction, slot int) {
		assert.Equal(t, Rx, dir)
		assert.True(t, r.OwnedByHardware(slot), "observer ran before the owner bit was set")
		seen = append(seen, slot)
	})
	r.HandOff(2)
	r.HandOff(0)
	assert.Equal(t, []int{2, 0}, seen)
	assert.True(t, r.OwnedByHardware(0))
	assert.False(t, r.OwnedByHardware(1))
}

func TestRingDump(t *testing.T) {
	r := NewRing(Tx, 4, EnhancedLayout{})
	r.Init()
	r.HandOff(0)
	r.advanceCur(1)

	var buf bytes.Buffer
	r.Dump(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 5)
	assert.Contains(t, lines[0], "tx ring: len 4")
	assert.True(t, strings.HasPrefix(lines[1], "< "), lines[1])
	assert.Contains(t, lines[1], "hw")
	assert.True(t, strings.HasPrefix(lines[2], "> "), lines[2])
	assert.True(t, strings.HasSuffix(lines[4], "eor"), lines[4])
}
