package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/chunkcast/internal/chunker"
)

// TransferHandle controls one local send from the moment it is queued until
// every destination has settled. Control calls made while the send is still
// queued are remembered and applied when it starts.
type TransferHandle struct {
	engine       *Engine
	fileID       string
	source       Payload
	size         int64
	destinations []string
	queuedAt     time.Time

	mu            sync.Mutex
	startPaused   bool
	pausedDest    map[string]bool
	cancelledDest map[string]bool
	cancelled     bool
	transfer      *OutboundTransfer
	result        Result
	done          chan struct{}
	finishOnce    sync.Once
}

func newTransferHandle(e *Engine, fileID string, source Payload, size int64, destinations []string) *TransferHandle {
	return &TransferHandle{
		engine:        e,
		fileID:        fileID,
		source:        source,
		size:          size,
		destinations:  destinations,
		queuedAt:      time.Now(),
		pausedDest:    make(map[string]bool),
		cancelledDest: make(map[string]bool),
		done:          make(chan struct{}),
	}
}

func (h *TransferHandle) ID() string {
	return h.fileID
}

func (h *TransferHandle) FileID() string {
	return h.fileID
}

func (h *TransferHandle) Name() string {
	return h.source.Name()
}

func (h *TransferHandle) Destinations() []string {
	out := make([]string, len(h.destinations))
	copy(out, h.destinations)
	return out
}

// outbound returns the running fan-out, or nil while still queued.
func (h *TransferHandle) outbound() *OutboundTransfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transfer
}

func (h *TransferHandle) hasDestination(id string) bool {
	for _, d := range h.destinations {
		if d == id {
			return true
		}
	}
	return false
}

// Pause pauses every destination.
func (h *TransferHandle) Pause() error {
	return h.control(func(t *OutboundTransfer) error {
		t.Pause()
		return nil
	}, func() {
		h.startPaused = true
		h.pausedDest = make(map[string]bool)
	})
}

// Resume resumes every destination.
func (h *TransferHandle) Resume() error {
	return h.control(func(t *OutboundTransfer) error {
		t.Resume()
		return nil
	}, func() {
		h.startPaused = false
		h.pausedDest = make(map[string]bool)
	})
}

func (h *TransferHandle) PauseDestination(id string) error {
	if !h.hasDestination(id) {
		return fmt.Errorf("%w: %s has no destination %s", ErrUnknownTransfer, h.fileID, id)
	}
	return h.control(func(t *OutboundTransfer) error {
		return t.PauseDestination(id)
	}, func() {
		h.pausedDest[id] = true
	})
}

func (h *TransferHandle) ResumeDestination(id string) error {
	if !h.hasDestination(id) {
		return fmt.Errorf("%w: %s has no destination %s", ErrUnknownTransfer, h.fileID, id)
	}
	return h.control(func(t *OutboundTransfer) error {
		return t.ResumeDestination(id)
	}, func() {
		h.pausedDest[id] = false
	})
}

// CancelDestination stops sending to one destination. Cancelling an already
// finished destination is a no-op.
func (h *TransferHandle) CancelDestination(id string) error {
	if !h.hasDestination(id) {
		return fmt.Errorf("%w: %s has no destination %s", ErrUnknownTransfer, h.fileID, id)
	}
	err := h.control(func(t *OutboundTransfer) error {
		return t.CancelDestination(id)
	}, func() {
		h.cancelledDest[id] = true
	})
	if err == ErrTransferFinished {
		return nil
	}
	return err
}

// Cancel stops every destination, or drops the send if it is still queued.
// It is safe to call any number of times.
func (h *TransferHandle) Cancel() error {
	h.mu.Lock()
	if h.isDone() || h.cancelled {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	t := h.transfer
	h.mu.Unlock()

	if t != nil {
		t.Cancel()
		return nil
	}
	if h.engine.queue.Remove(h.fileID) {
		h.finish(h.settledResult(StatusCancelled, nil))
	}
	return nil
}

// control applies fn to the running transfer, or records the intent with
// queued while the send has not started.
func (h *TransferHandle) control(fn func(*OutboundTransfer) error, queued func()) error {
	h.mu.Lock()
	if h.isDone() {
		h.mu.Unlock()
		return ErrTransferFinished
	}
	t := h.transfer
	if t == nil {
		queued()
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return fn(t)
}

// Done is closed when the send has a Result.
func (h *TransferHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome; ok is false while the send is in progress.
func (h *TransferHandle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the send finishes or ctx ends.
func (h *TransferHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *TransferHandle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// execute is called by the queue when this send reaches the head.
func (h *TransferHandle) execute(ctx context.Context) {
	e := h.engine
	log := e.log.WithField("file_id", h.fileID)

	h.mu.Lock()
	cancelled := h.cancelled
	h.mu.Unlock()
	if cancelled {
		h.finish(h.settledResult(StatusCancelled, nil))
		return
	}

	data, err := h.source.Load()
	if err != nil {
		log.Errorf("❌ Failed to read %s: %v", h.source.Name(), err)
		h.finish(h.settledResult(StatusFailed, fmt.Errorf("%w: read %s: %v", ErrQueueItemFailure, h.source.Name(), err)))
		return
	}
	if int64(len(data)) > e.opts.MaxPayloadSize {
		h.finish(h.settledResult(StatusFailed, fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, h.source.Name(), len(data))))
		return
	}
	hash, err := chunker.Digest(data, e.opts.HashAlgorithm)
	if err != nil {
		log.Errorf("❌ Failed to hash %s: %v", h.source.Name(), err)
		h.finish(h.settledResult(StatusFailed, fmt.Errorf("%w: hash %s: %v", ErrQueueItemFailure, h.source.Name(), err)))
		return
	}

	meta := TransferMeta{
		FileID:        h.fileID,
		Name:          h.source.Name(),
		ByteSize:      int64(len(data)),
		MimeType:      h.source.MimeType(),
		ChunkSize:     e.opts.ChunkSize,
		TotalChunks:   chunker.ChunkCount(int64(len(data)), e.opts.ChunkSize),
		Mode:          ModeUnicast,
		HashAlgorithm: e.opts.HashAlgorithm,
	}
	if len(h.destinations) > 1 {
		meta.Mode = ModeBroadcast
	}

	t, err := newOutboundTransfer(meta, hash, data, h.destinations, e.channel, e.flow(), e.progress, log)
	if err != nil {
		h.finish(h.settledResult(StatusFailed, fmt.Errorf("%w: %v", ErrQueueItemFailure, err)))
		return
	}

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		h.finish(h.settledResult(StatusCancelled, nil))
		return
	}
	h.transfer = t
	for _, sub := range t.subs {
		dest := sub.DestinationID()
		if paused, ok := h.pausedDest[dest]; (ok && paused) || (!ok && h.startPaused) {
			sub.Pause()
		}
		if h.cancelledDest[dest] {
			sub.Cancel()
		}
	}
	h.mu.Unlock()

	log.Infof("🚀 Sending %s (%d bytes, %d chunks) to %d destination(s)", meta.Name, meta.ByteSize, meta.TotalChunks, len(h.destinations))
	e.registerOutbound(t)
	res := t.Run(ctx)
	e.unregisterOutbound(t)
	h.finish(res)
}

func (h *TransferHandle) abandon(reason error) {
	h.finish(h.settledResult(StatusCancelled, reason))
}

// settledResult builds the result of a send that never reached the network.
func (h *TransferHandle) settledResult(status Status, err error) Result {
	now := time.Now()
	res := Result{
		FileID:     h.fileID,
		Name:       h.source.Name(),
		Size:       h.size,
		MimeType:   h.source.MimeType(),
		Status:     status,
		Err:        err,
		StartedAt:  h.queuedAt,
		FinishedAt: now,
	}
	if status == StatusFailed {
		res.Failed = h.Destinations()
	} else {
		res.Cancelled = h.Destinations()
	}
	return res
}

func (h *TransferHandle) finish(res Result) {
	h.finishOnce.Do(func() {
		h.result = res
		h.engine.outboundFinished(h, res)
		close(h.done)
	})
}
