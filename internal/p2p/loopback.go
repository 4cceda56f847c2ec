package p2p

import (
	"sync"
	"sync/atomic"
	"time"
)

// LoopbackOption configures one end of a loopback pair.
type LoopbackOption func(*LoopbackChannel)

// WithLatency delays every frame sent from this end by d, so the buffered
// amount grows the way it does on a slow link.
func WithLatency(d time.Duration) LoopbackOption {
	return func(c *LoopbackChannel) { c.latency = d }
}

type loopLink struct {
	open atomic.Bool
	once sync.Once
	done chan struct{}
}

// LoopbackChannel is one end of an in-process link.
type LoopbackChannel struct {
	id         string
	remote     *LoopbackChannel
	link       *loopLink
	out        *outbox
	h          *handlers
	latency    time.Duration
	writerDone chan struct{}
}

// NewLoopback connects node a to node b. The first channel lives on a and
// reports b as its peer; the second lives on b and reports a. Options apply
// to both ends.
func NewLoopback(a, b string, opts ...LoopbackOption) (*LoopbackChannel, *LoopbackChannel) {
	link := &loopLink{done: make(chan struct{})}
	link.open.Store(true)

	onA := &LoopbackChannel{id: b, link: link, out: newOutbox(), h: newHandlers(), writerDone: make(chan struct{})}
	onB := &LoopbackChannel{id: a, link: link, out: newOutbox(), h: newHandlers(), writerDone: make(chan struct{})}
	onA.remote, onB.remote = onB, onA
	for _, opt := range opts {
		opt(onA)
		opt(onB)
	}
	go onA.pump()
	go onB.pump()
	return onA, onB
}

// SetLatency changes the per-frame delay of this end.
func (c *LoopbackChannel) SetLatency(d time.Duration) {
	c.out.mu.Lock()
	c.latency = d
	c.out.mu.Unlock()
}

func (c *LoopbackChannel) ID() string { return c.id }

func (c *LoopbackChannel) IsOpen() bool { return c.link.open.Load() }

func (c *LoopbackChannel) SendBinary(data []byte) error { return c.out.push(data, true) }

func (c *LoopbackChannel) SendControl(data []byte) error { return c.out.push(data, false) }

func (c *LoopbackChannel) BufferedAmount() uint64 { return c.out.bufferedAmount() }

func (c *LoopbackChannel) SetBufferLowThreshold(threshold uint64) { c.out.setThreshold(threshold) }

func (c *LoopbackChannel) OnBufferLow(fn func()) { c.out.setOnLow(fn) }

func (c *LoopbackChannel) OnMessage(fn func([]byte, bool)) { c.h.setOnMessage(fn) }

func (c *LoopbackChannel) OnClosed(fn func()) { c.h.setOnClosed(fn) }

// Close delivers what both ends have queued, then closes the pair.
func (c *LoopbackChannel) Close() error {
	if !c.link.open.Load() {
		return nil
	}
	c.out.close(false)
	c.remote.out.close(false)
	timeout := time.After(closeFlushWait)
	for _, end := range []*LoopbackChannel{c, c.remote} {
		select {
		case <-end.writerDone:
		case <-timeout:
		}
	}
	c.shutdown()
	return nil
}

func (c *LoopbackChannel) shutdown() {
	c.link.once.Do(func() {
		c.link.open.Store(false)
		c.out.close(true)
		c.remote.out.close(true)
		close(c.link.done)
		c.h.closed()
		c.remote.h.closed()
	})
}

func (c *LoopbackChannel) pump() {
	defer close(c.writerDone)
	select {
	case <-c.remote.h.ready:
	case <-c.link.done:
		return
	}
	for {
		f, ok := c.out.next()
		if !ok {
			return
		}
		c.out.mu.Lock()
		latency := c.latency
		c.out.mu.Unlock()
		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-c.link.done:
				return
			}
		}
		c.remote.h.deliver(f.data, f.binary)
		c.out.sent(len(f.data))
	}
}
