package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// queueItem is one pending local send.
type queueItem interface {
	ID() string
	execute(ctx context.Context)
	// abandon settles an item that will never run.
	abandon(reason error)
}

// TransferQueue runs local sends strictly one at a time in FIFO order.
// Inbound transfers never pass through it.
type TransferQueue struct {
	mu      sync.Mutex
	pending []queueItem
	active  queueItem
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    logrus.FieldLogger
}

func NewTransferQueue(log logrus.FieldLogger) *TransferQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &TransferQueue{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
	go q.loop()
	return q
}

// Enqueue appends an item behind everything already waiting.
func (q *TransferQueue) Enqueue(item queueItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrEngineClosed
	}
	q.pending = append(q.pending, item)
	depth := len(q.pending)
	q.mu.Unlock()

	q.log.Debugf("📥 Queued %s (%d waiting)", item.ID(), depth)
	q.signal()
	return nil
}

// Remove drops a waiting item. It reports false if the item is active,
// finished or unknown.
func (q *TransferQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.pending {
		if item.ID() == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// activeID returns the id of the item currently running, if any.
func (q *TransferQueue) activeID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return ""
	}
	return q.active.ID()
}

// Len is the number of items waiting behind the active one.
func (q *TransferQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close abandons every waiting item, cancels the active one and waits for
// the worker to exit.
func (q *TransferQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, item := range dropped {
		item.abandon(ErrEngineClosed)
	}
	q.cancel()
	q.signal()
	<-q.done
}

func (q *TransferQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *TransferQueue) next() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	if len(q.pending) == 0 {
		return nil, true
	}
	item := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.active = item
	return item, true
}

func (q *TransferQueue) loop() {
	defer close(q.done)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		if item == nil {
			select {
			case <-q.wake:
			case <-q.ctx.Done():
			}
			continue
		}

		q.run(item)

		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()
	}
}

// run executes one item; a panicking item is abandoned and the queue moves on.
func (q *TransferQueue) run(item queueItem) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorf("❌ Queue item %s panicked: %v", item.ID(), r)
			item.abandon(fmt.Errorf("%w: panic: %v", ErrQueueItemFailure, r))
		}
	}()
	item.execute(q.ctx)
}
