package dma

import (
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// fakeDevice is a register file that records every command it receives and
// never moves data by itself.
type fakeDevice struct {
	mu        sync.Mutex
	status    uint32
	mask      uint32
	threshold int
	rings     [2]*Ring
	ops       []string
}

func (d *fakeDevice) record(format string, args ...any) {
	d.ops = append(d.ops, fmt.Sprintf(format, args...))
}

func (d *fakeDevice) Status() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDevice) AckStatus(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status &^= bits
}

func (d *fakeDevice) SetInterruptMask(mask uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mask = mask
}

func (d *fakeDevice) SetDescriptorRing(dir Direction, r *Ring) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rings[dir] = r
	d.record("ring %s", dir)
}

func (d *fakeDevice) StartDMA(dir Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("start %s", dir)
}

func (d *fakeDevice) StopDMA(dir Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("stop %s", dir)
}

func (d *fakeDevice) PollDemand(dir Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("poll %s", dir)
}

func (d *fakeDevice) SetTxThreshold(bytes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = bytes
}

func (d *fakeDevice) raise(bits uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status |= bits
}

func (d *fakeDevice) interruptMask() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mask
}

func (d *fakeDevice) resetOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

func (d *fakeDevice) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ops...)
}

type frame struct {
	data []byte
	csum ChecksumResult
}

// fakeUpstream collects delivered frames. With hold set it keeps the
// buffers instead of releasing them.
type fakeUpstream struct {
	mu     sync.Mutex
	hold   bool
	frames []frame
	held   []*Buffer
	links  []bool
}

func (u *fakeUpstream) Deliver(b *Buffer, n int, csum ChecksumResult) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, frame{
		data: append([]byte(nil), b.Bytes()[:n]...),
		csum: csum,
	})
	if u.hold {
		u.held = append(u.held, b)
		return
	}
	_ = b.Release()
}

func (u *fakeUpstream) LinkChanged(up bool, _ int, _ Duplex) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.links = append(u.links, up)
}

func (u *fakeUpstream) received() []frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]frame(nil), u.frames...)
}

func (u *fakeUpstream) releaseHeld(t *testing.T) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range u.held {
		require.NoError(t, b.Release())
	}
	u.held = nil
}

type testEngine struct {
	*Engine
	dev *fakeDevice
	up  *fakeUpstream
}

// newTestEngine opens an engine on a fake device. Both the engine and its
// pool are closed when the test ends.
func newTestEngine(t *testing.T, conf Config, core Core) *testEngine {
	t.Helper()
	require.NoError(t, conf.ValidateAndSetDefaults())

	l := newTestLogger()
	pool, err := NewPool(conf.NumFrames, conf.FrameSize, l)
	require.NoError(t, err)

	te := &testEngine{dev: &fakeDevice{}, up: &fakeUpstream{}}
	te.Engine, err = New(conf, core, te.dev, pool, te.up, l)
	require.NoError(t, err)
	require.NoError(t, te.Open())

	t.Cleanup(func() {
		require.NoError(t, te.Close())
		te.up.releaseHeld(t)
		require.Zero(t, pool.InUse())
		require.NoError(t, pool.Close())
	})
	return te
}

// completeRx plays the device writing a received frame into slot. frameLen
// includes the FCS.
func (te *testEngine) completeRx(t *testing.T, slot int, payload []byte, frameLen int, bits uint32) {
	t.Helper()
	r := te.RxRing()
	require.True(t, r.OwnedByHardware(slot), "rx slot %d not owned by hardware", slot)
	d := r.Desc(slot)
	if len(payload) > 0 {
		mem, err := te.Pool().Resolve(DeviceAddr(d.Buf1), len(payload))
		require.NoError(t, err)
		copy(mem, payload)
	}
	d.StoreStatus(RxStatusWord(frameLen, RxStatusFirstSegment|RxStatusLastSegment|bits))
}

// completeTx plays the device finishing the descriptor in slot.
func (te *testEngine) completeTx(t *testing.T, slot int, bits uint32) {
	t.Helper()
	r := te.TxRing()
	require.True(t, r.OwnedByHardware(slot), "tx slot %d not owned by hardware", slot)
	d := r.Desc(slot)
	d.StoreStatus(TxStatusWord(d.Status(), bits, r.Layout()))
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}
