package transfer

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jaywantadh/chunkcast/internal/streaming"
	"github.com/sirupsen/logrus"
)

var errMemClosed = errors.New("mem channel closed")

type memFrame struct {
	data   []byte
	binary bool
}

// memChannel is one end of an in-memory ordered link. Frames sent on it are
// delivered to the remote end by a pump goroutine, optionally with a delay
// per frame so the buffered amount builds up.
type memChannel struct {
	id     string
	remote *memChannel

	mu          sync.Mutex
	open        bool
	queue       []memFrame
	buffered    uint64
	maxBuffered uint64
	threshold   uint64
	onLow       func()
	onMsg       func([]byte, bool)
	onClosed    func()
	sentBinary  int

	instant   bool
	delay     time.Duration
	mutate    func(n int, data []byte) []byte
	afterSend func(n int)

	wake chan struct{}
	quit chan struct{}
}

func newMemPair(a, b string) (*memChannel, *memChannel) {
	toB := &memChannel{id: b, open: true, wake: make(chan struct{}, 1)}
	toA := &memChannel{id: a, open: true, wake: make(chan struct{}, 1)}
	quit := make(chan struct{})
	toB.remote, toA.remote = toA, toB
	toB.quit, toA.quit = quit, quit
	go toB.pump()
	go toA.pump()
	return toB, toA
}

func (c *memChannel) ID() string { return c.id }

func (c *memChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *memChannel) SendBinary(data []byte) error { return c.send(data, true) }

func (c *memChannel) SendControl(data []byte) error { return c.send(data, false) }

func (c *memChannel) send(data []byte, binary bool) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return errMemClosed
	}
	frame := memFrame{data: append([]byte(nil), data...), binary: binary}
	n := -1
	if binary {
		n = c.sentBinary
		c.sentBinary++
		if c.mutate != nil {
			frame.data = c.mutate(n, frame.data)
		}
	}
	c.queue = append(c.queue, frame)
	c.buffered += uint64(len(frame.data))
	if c.buffered > c.maxBuffered {
		c.maxBuffered = c.buffered
	}
	hook := c.afterSend
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	if n >= 0 && hook != nil {
		hook(n)
	}
	return nil
}

func (c *memChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instant {
		return 0
	}
	return c.buffered
}

func (c *memChannel) SetBufferLowThreshold(threshold uint64) {
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

func (c *memChannel) OnBufferLow(fn func()) {
	c.mu.Lock()
	c.onLow = fn
	c.mu.Unlock()
}

func (c *memChannel) OnMessage(fn func([]byte, bool)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *memChannel) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// Close tears down both ends and fires both OnClosed callbacks.
func (c *memChannel) Close() error {
	a, b := c, c.remote
	a.mu.Lock()
	wasOpen := a.open
	a.open = false
	fa := a.onClosed
	a.mu.Unlock()
	if !wasOpen {
		return nil
	}
	b.mu.Lock()
	b.open = false
	fb := b.onClosed
	b.mu.Unlock()
	close(c.quit)

	if fa != nil {
		fa()
	}
	if fb != nil {
		fb()
	}
	return nil
}

func (c *memChannel) pump() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.quit:
				return
			}
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		delay := c.delay
		c.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.quit:
				return
			}
		}

		c.mu.Lock()
		c.buffered -= uint64(len(frame.data))
		fireLow := !c.instant && c.onLow != nil && c.buffered <= c.threshold
		onLow := c.onLow
		c.mu.Unlock()

		c.remote.deliver(frame)
		if fireLow {
			onLow()
		}
	}
}

func (c *memChannel) deliver(frame memFrame) {
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	if fn != nil {
		fn(frame.data, frame.binary)
	}
}

func (c *memChannel) set(fn func(c *memChannel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *memChannel) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentBinary
}

func (c *memChannel) peakBuffered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBuffered
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

type cancelledEvent struct {
	peerID string
	meta   TransferMeta
	bytes  int64
}

// testNode is an engine whose callbacks feed buffered channels.
type testNode struct {
	id        string
	engine    *Engine
	started   chan TransferMeta
	completed chan *streaming.Artifact
	corrupt   chan *CorruptionError
	cancelled chan cancelledEvent
	results   chan Result
}

func newTestNode(t *testing.T, id string, opts Options) *testNode {
	t.Helper()
	n := &testNode{
		id:        id,
		started:   make(chan TransferMeta, 16),
		completed: make(chan *streaming.Artifact, 16),
		corrupt:   make(chan *CorruptionError, 16),
		cancelled: make(chan cancelledEvent, 16),
		results:   make(chan Result, 16),
	}
	opts.LocalID = id
	opts.Logger = testLogger()
	accept := opts.OnReceiveStart
	opts.OnReceiveStart = func(peerID string, meta TransferMeta) bool {
		n.started <- meta
		return accept == nil || accept(peerID, meta)
	}
	opts.OnReceiveComplete = func(_ string, a *streaming.Artifact) { n.completed <- a }
	opts.OnReceiveCorrupt = func(_ string, err *CorruptionError) { n.corrupt <- err }
	opts.OnReceiveCancelled = func(peerID string, meta TransferMeta, bytes int64) {
		n.cancelled <- cancelledEvent{peerID: peerID, meta: meta, bytes: bytes}
	}
	opts.OnTransferResult = func(r Result) { n.results <- r }
	n.engine = NewEngine(opts)
	t.Cleanup(n.engine.Close)
	return n
}

// connect links two nodes and returns the channel each uses to reach the other.
func connect(t *testing.T, a, b *testNode) (aToB, bToA *memChannel) {
	t.Helper()
	aToB, bToA = newMemPair(a.id, b.id)
	if err := a.engine.AddPeer(aToB); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := b.engine.AddPeer(bToA); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	t.Cleanup(func() { aToB.Close() })
	return aToB, bToA
}

const testTimeout = 5 * time.Second

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %+v", what, v)
	default:
	}
}

func waitResult(t *testing.T, h *TransferHandle) Result {
	t.Helper()
	select {
	case <-h.Done():
		res, _ := h.Result()
		return res
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", h.Name())
	}
	return Result{}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func activeHandle(e *Engine) *TransferHandle {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	h, _ := e.queue.active.(*TransferHandle)
	return h
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}
	return data
}
