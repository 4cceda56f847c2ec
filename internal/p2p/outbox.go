package p2p

import (
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("p2p: channel closed")

type frame struct {
	data   []byte
	binary bool
}

// outbox is the send queue shared by the stream-based channels. Senders
// append frames without blocking, one writer goroutine drains them, and the
// low-buffer callback fires when the queued byte count falls from above the
// threshold to at or below it.
type outbox struct {
	mu        sync.Mutex
	queue     []frame
	buffered  uint64
	threshold uint64
	onLow     func()
	closed    bool
	wake      chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(data []byte, binary bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.queue = append(o.queue, frame{data: append([]byte(nil), data...), binary: binary})
	o.buffered += uint64(len(data))
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// next blocks until a frame is queued. It reports false once the outbox is
// closed and empty.
func (o *outbox) next() (frame, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			f := o.queue[0]
			o.queue[0] = frame{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return f, true
		}
		if o.closed {
			o.mu.Unlock()
			return frame{}, false
		}
		o.mu.Unlock()
		<-o.wake
	}
}

// sent marks n bytes as handed to the network.
func (o *outbox) sent(n int) {
	o.mu.Lock()
	before := o.buffered
	if uint64(n) > o.buffered {
		o.buffered = 0
	} else {
		o.buffered -= uint64(n)
	}
	var fn func()
	if before > o.threshold && o.buffered <= o.threshold {
		fn = o.onLow
	}
	o.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (o *outbox) bufferedAmount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buffered
}

func (o *outbox) setThreshold(threshold uint64) {
	o.mu.Lock()
	o.threshold = threshold
	o.mu.Unlock()
}

func (o *outbox) setOnLow(fn func()) {
	o.mu.Lock()
	o.onLow = fn
	o.mu.Unlock()
}

// close refuses further frames. Queued frames are still handed out unless
// discard is set.
func (o *outbox) close(discard bool) {
	o.mu.Lock()
	o.closed = true
	if discard {
		o.queue = nil
		o.buffered = 0
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// handlers holds the receive-side callbacks of a channel. Reading starts
// only once a message handler is attached so nothing arrives unobserved.
type handlers struct {
	mu        sync.RWMutex
	onMessage func([]byte, bool)
	onClosed  func()
	ready     chan struct{}
	readyOnce sync.Once
}

func newHandlers() *handlers {
	return &handlers{ready: make(chan struct{})}
}

func (h *handlers) setOnMessage(fn func([]byte, bool)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
	if fn != nil {
		h.readyOnce.Do(func() { close(h.ready) })
	}
}

func (h *handlers) setOnClosed(fn func()) {
	h.mu.Lock()
	h.onClosed = fn
	h.mu.Unlock()
}

func (h *handlers) deliver(data []byte, binary bool) {
	h.mu.RLock()
	fn := h.onMessage
	h.mu.RUnlock()
	if fn != nil {
		fn(data, binary)
	}
}

func (h *handlers) closed() {
	h.mu.RLock()
	fn := h.onClosed
	h.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
