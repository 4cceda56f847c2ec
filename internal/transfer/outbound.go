package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SubState is the lifecycle of one (file, destination) sub-transfer.
type SubState int

const (
	SubIdle SubState = iota
	SubStreaming
	SubPaused
	SubCompleted
	SubCancelled
)

func (s SubState) String() string {
	switch s {
	case SubIdle:
		return "idle"
	case SubStreaming:
		return "streaming"
	case SubPaused:
		return "paused"
	case SubCompleted:
		return "completed"
	case SubCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("SubState(%d)", int(s))
}

func (s SubState) terminal() bool {
	return s == SubCompleted || s == SubCancelled
}

// flowControl holds the batching and backpressure knobs of the send loop.
type flowControl struct {
	batchSize     int
	highWaterMark uint64
}

// threshold is the buffered-amount level the loop waits for after a batch.
// Once fewer chunks than a batch remain it drops to zero so the tail is only
// pushed into an empty buffer.
func (fc flowControl) threshold(remaining int) uint64 {
	if remaining < fc.batchSize {
		return 0
	}
	return fc.highWaterMark
}

// OutboundSubTransfer streams one payload to one destination. Its offset,
// pause and cancel state belong to it alone; the chunk slices are shared
// read-only with the sibling sub-transfers of the same file.
type OutboundSubTransfer struct {
	meta     TransferMeta
	hash     string
	chunks   [][]byte
	ch       PeerChannel
	flow     flowControl
	progress *ProgressTracker
	log      logrus.FieldLogger

	mu            sync.Mutex
	destinationID string
	state         SubState
	nextChunk     int
	bytesSent     int64
	paused        bool
	cancelled     bool
	startedAt     time.Time
	err           error

	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newOutboundSubTransfer(meta TransferMeta, hash string, chunks [][]byte, destinationID string,
	ch PeerChannel, flow flowControl, progress *ProgressTracker, log logrus.FieldLogger) *OutboundSubTransfer {
	return &OutboundSubTransfer{
		meta:          meta,
		hash:          hash,
		chunks:        chunks,
		ch:            ch,
		flow:          flow,
		progress:      progress,
		log:           log.WithField("destination", destinationID),
		destinationID: destinationID,
		state:         SubIdle,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start announces the file with file-start and launches the send loop.
// A closed channel fails with ErrChannelUnavailable without touching siblings.
func (s *OutboundSubTransfer) Start() error {
	s.mu.Lock()
	if s.cancelled {
		// Cancelled before it ever started; nothing to announce.
		s.mu.Unlock()
		return nil
	}
	if s.state != SubIdle {
		s.mu.Unlock()
		return fmt.Errorf("sub-transfer to %s already %s", s.destinationID, s.state)
	}
	if s.ch == nil || !s.ch.IsOpen() {
		s.state = SubCancelled
		s.err = fmt.Errorf("%w: %s", ErrChannelUnavailable, s.destinationID)
		err := s.err
		s.mu.Unlock()
		s.finish()
		return err
	}
	s.mu.Unlock()

	if err := sendControl(s.ch, fileStartMessage(s.meta)); err != nil {
		s.mu.Lock()
		s.state = SubCancelled
		s.err = err
		s.mu.Unlock()
		s.finish()
		return err
	}

	s.mu.Lock()
	if s.cancelled {
		// Cancelled while file-start was in flight. cancel() saw Idle and
		// could not tell the receiver, so do it now that file-start is out.
		s.mu.Unlock()
		if s.ch.IsOpen() {
			if err := sendControl(s.ch, ControlMessage{Type: TypeCancelTransfer, FileID: s.meta.FileID}); err != nil {
				s.log.Debugf("cancel notice not delivered: %v", err)
			}
		}
		return nil
	}
	s.startedAt = time.Now()
	if s.paused {
		s.state = SubPaused
	} else {
		s.state = SubStreaming
	}
	paused := s.paused
	s.mu.Unlock()

	s.progress.StartTracking(s.meta.FileID, s.destinationID, s.meta.Name, DirectionSend, s.meta.ByteSize)
	if paused {
		s.progress.UpdateProgress(s.meta.FileID, s.destinationID, 0, true, true)
	}
	s.ch.OnBufferLow(s.signal)

	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		// A cancel between the state change and here ran its cleanup too early.
		s.ch.OnBufferLow(nil)
		s.progress.RemoveTransfer(s.meta.FileID, s.destinationID)
	}

	go s.run()
	return nil
}

func (s *OutboundSubTransfer) run() {
	defer s.finish()

	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		if s.paused {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		if s.nextChunk >= len(s.chunks) {
			s.mu.Unlock()
			s.complete()
			return
		}
		s.mu.Unlock()

		if err := s.drainBatch(); err != nil {
			s.abort(err)
			return
		}

		s.mu.Lock()
		sent, paused, remaining := s.bytesSent, s.paused, len(s.chunks)-s.nextChunk
		s.mu.Unlock()
		s.progress.UpdateProgress(s.meta.FileID, s.destinationID, sent, paused, false)

		if remaining > 0 {
			s.waitForDrain(s.flow.threshold(remaining))
		}
	}
}

// drainBatch pushes up to batchSize chunks, stopping early on pause or cancel.
func (s *OutboundSubTransfer) drainBatch() error {
	for i := 0; i < s.flow.batchSize; i++ {
		s.mu.Lock()
		if s.cancelled || s.paused || s.nextChunk >= len(s.chunks) {
			s.mu.Unlock()
			return nil
		}
		index := s.nextChunk
		s.mu.Unlock()

		if !s.ch.IsOpen() {
			return fmt.Errorf("%w: %s closed mid-stream", ErrChannelUnavailable, s.destinationID)
		}
		chunk := s.chunks[index]
		if err := s.ch.SendBinary(chunk); err != nil {
			return s.linkError(fmt.Errorf("%w: chunk %d to %s: %v", ErrChannelWriteFailure, index, s.destinationID, err))
		}

		s.mu.Lock()
		s.nextChunk = index + 1
		s.bytesSent += int64(len(chunk))
		s.mu.Unlock()
	}
	return nil
}

// waitForDrain blocks until the channel's buffered amount is at or below
// threshold, or until the sub-transfer is paused or cancelled.
func (s *OutboundSubTransfer) waitForDrain(threshold uint64) {
	s.ch.SetBufferLowThreshold(threshold)
	for s.ch.BufferedAmount() > threshold {
		s.mu.Lock()
		stop := s.cancelled || s.paused
		s.mu.Unlock()
		if stop {
			return
		}
		<-s.wake
	}
}

func (s *OutboundSubTransfer) complete() {
	err := sendControl(s.ch, ControlMessage{Type: TypeFileDone, FileID: s.meta.FileID, Hash: s.hash})
	if err != nil {
		s.abort(s.linkError(err))
		return
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.state = SubCompleted
	elapsed := time.Since(s.startedAt)
	s.mu.Unlock()

	s.ch.OnBufferLow(nil)
	s.progress.FinishTracking(s.meta.FileID, s.destinationID)
	s.log.Infof("✅ Sent %s to %s in %v", s.meta.Name, s.destinationID, elapsed.Round(time.Millisecond))
}

// linkError reports a send error on a channel that has since closed as
// ErrChannelUnavailable: the peer left, which counts as a cancellation. On a
// channel that is still open it stays a write failure.
func (s *OutboundSubTransfer) linkError(err error) error {
	if s.ch.IsOpen() {
		return err
	}
	return fmt.Errorf("%w: %s closed mid-stream: %v", ErrChannelUnavailable, s.destinationID, err)
}

// Cancel stops sending to this destination and tells the receiver to drop
// what it has. Reports false if the sub-transfer had already finished.
func (s *OutboundSubTransfer) Cancel() bool {
	return s.cancel(nil, true)
}

// abort cancels without notifying the peer: the channel is gone or broken.
func (s *OutboundSubTransfer) abort(cause error) bool {
	return s.cancel(cause, false)
}

func (s *OutboundSubTransfer) cancel(cause error, notify bool) bool {
	s.mu.Lock()
	if s.state.terminal() || s.cancelled {
		s.mu.Unlock()
		return false
	}
	started := s.state != SubIdle
	s.cancelled = true
	s.state = SubCancelled
	if cause != nil {
		s.err = cause
	}
	sent := s.bytesSent
	s.mu.Unlock()

	if started {
		s.ch.OnBufferLow(nil)
		if notify && s.ch.IsOpen() {
			if err := sendControl(s.ch, ControlMessage{Type: TypeCancelTransfer, FileID: s.meta.FileID}); err != nil {
				s.log.Debugf("cancel notice not delivered: %v", err)
			}
		}
	}
	s.progress.RemoveTransfer(s.meta.FileID, s.destinationID)
	s.signal()
	if !started {
		s.finish()
	}

	if cause != nil {
		s.log.Warnf("⚠️ Sub-transfer stopped after %d bytes: %v", sent, cause)
	} else {
		s.log.Infof("❌ Cancelled sending %s after %d bytes", s.meta.Name, sent)
	}
	return true
}

// Pause stops the send loop after the chunk in flight and tells the receiver.
func (s *OutboundSubTransfer) Pause() bool {
	return s.setPaused(true, true)
}

// Resume restarts the send loop and tells the receiver.
func (s *OutboundSubTransfer) Resume() bool {
	return s.setPaused(false, true)
}

// applyReceiverPause handles pause/resume-transfer-by-receiver. Whichever side
// spoke last wins; there is no separate receiver flag.
func (s *OutboundSubTransfer) applyReceiverPause(paused bool) bool {
	return s.setPaused(paused, false)
}

func (s *OutboundSubTransfer) setPaused(paused, notifyPeer bool) bool {
	s.mu.Lock()
	if s.state.terminal() || s.paused == paused {
		s.mu.Unlock()
		return false
	}
	s.paused = paused
	started := s.state != SubIdle
	if started {
		if paused {
			s.state = SubPaused
		} else {
			s.state = SubStreaming
		}
	}
	sent := s.bytesSent
	s.mu.Unlock()

	if started {
		if notifyPeer {
			msgType := TypeResumeBySender
			if paused {
				msgType = TypePauseBySender
			}
			if err := sendControl(s.ch, ControlMessage{Type: msgType, FileID: s.meta.FileID}); err != nil {
				s.log.Debugf("%s not delivered: %v", msgType, err)
			}
		}
		s.progress.UpdateProgress(s.meta.FileID, s.destinationID, sent, paused, true)
	}
	s.signal()
	return true
}

func (s *OutboundSubTransfer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *OutboundSubTransfer) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the sub-transfer reached Completed or Cancelled.
func (s *OutboundSubTransfer) Done() <-chan struct{} {
	return s.done
}

func (s *OutboundSubTransfer) DestinationID() string {
	return s.destinationID
}

func (s *OutboundSubTransfer) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *OutboundSubTransfer) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

// Err is the cause of an implicit cancellation, nil otherwise.
func (s *OutboundSubTransfer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
