package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/jaywantadh/chunkcast/internal/chunker"
	"github.com/jaywantadh/chunkcast/internal/streaming"
	"github.com/sirupsen/logrus"
)

// InboundState is the lifecycle of one file being received from one peer.
type InboundState int

const (
	InboundAwaitingStart InboundState = iota
	InboundReceiving
	InboundPaused
	InboundVerifying
	InboundVerified
	InboundCorrupt
	InboundCancelled
)

func (s InboundState) String() string {
	switch s {
	case InboundAwaitingStart:
		return "awaiting-start"
	case InboundReceiving:
		return "receiving"
	case InboundPaused:
		return "paused"
	case InboundVerifying:
		return "verifying"
	case InboundVerified:
		return "verified"
	case InboundCorrupt:
		return "corrupt"
	case InboundCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("InboundState(%d)", int(s))
}

// accepting reports whether chunks are still applied in this state.
func (s InboundState) accepting() bool {
	return s == InboundReceiving || s == InboundPaused
}

func (s InboundState) terminal() bool {
	return s == InboundVerified || s == InboundCorrupt || s == InboundCancelled
}

// InboundAssembler collects the chunks of one file from one peer, folding
// them into a running hash, and verifies the result on file-done.
type InboundAssembler struct {
	peerID   string
	localID  string
	meta     TransferMeta
	ch       PeerChannel
	progress *ProgressTracker
	log      logrus.FieldLogger

	mu            sync.Mutex
	state         InboundState
	sink          streaming.Sink
	hash          *chunker.RunningHash
	bytesReceived int64
	startedAt     time.Time
}

// NewInboundAssembler prepares an assembler in AwaitingStart. ch is used to
// send receiver-side pause, resume and cancel back to the sender.
func NewInboundAssembler(peerID, localID string, meta TransferMeta, ch PeerChannel, sink streaming.Sink,
	progress *ProgressTracker, log logrus.FieldLogger) (*InboundAssembler, error) {
	hash, err := chunker.NewRunningHash(meta.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	return &InboundAssembler{
		peerID:   peerID,
		localID:  localID,
		meta:     meta,
		ch:       ch,
		progress: progress,
		log:      log,
		state:    InboundAwaitingStart,
		sink:     sink,
		hash:     hash,
	}, nil
}

// declinedAssembler is a placeholder for a file this node refused. It sits in
// Cancelled so that the chunks still in flight are swallowed.
func declinedAssembler(peerID string, meta TransferMeta, log logrus.FieldLogger) *InboundAssembler {
	return &InboundAssembler{peerID: peerID, meta: meta, log: log, state: InboundCancelled}
}

// Start moves to Receiving and begins progress tracking.
func (a *InboundAssembler) Start() {
	a.mu.Lock()
	if a.state != InboundAwaitingStart {
		a.mu.Unlock()
		return
	}
	a.state = InboundReceiving
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.progress.StartTracking(a.meta.FileID, a.peerID, a.meta.Name, DirectionReceive, a.meta.ByteSize)
	a.log.Infof("📥 Receiving %s (%d bytes, %d chunks)", a.meta.Name, a.meta.ByteSize, a.meta.TotalChunks)
}

// Write applies the next chunk. Chunks arriving after a terminal state are
// dropped silently. A chunk that would exceed the announced size makes the
// transfer Corrupt and returns a *CorruptionError.
func (a *InboundAssembler) Write(chunk []byte) error {
	a.mu.Lock()
	if !a.state.accepting() {
		a.mu.Unlock()
		return nil
	}

	if a.bytesReceived+int64(len(chunk)) > a.meta.ByteSize {
		a.state = InboundCorrupt
		received := a.bytesReceived
		a.discardLocked()
		a.mu.Unlock()
		a.progress.RemoveTransfer(a.meta.FileID, a.peerID)
		return &CorruptionError{
			FileID: a.meta.FileID,
			Name:   a.meta.Name,
			Reason: fmt.Sprintf("chunk of %d bytes after %d overflows announced size %d", len(chunk), received, a.meta.ByteSize),
		}
	}

	if err := a.sink.Write(chunk); err != nil {
		a.state = InboundCancelled
		a.discardLocked()
		a.mu.Unlock()
		a.progress.RemoveTransfer(a.meta.FileID, a.peerID)
		a.notifySender(TypeCancelTransferByReceiver)
		return fmt.Errorf("store chunk for %s: %w", a.meta.Name, err)
	}
	a.hash.Update(chunk)
	a.bytesReceived += int64(len(chunk))
	received, paused := a.bytesReceived, a.state == InboundPaused
	a.mu.Unlock()

	if !paused {
		a.progress.UpdateProgress(a.meta.FileID, a.peerID, received, false, false)
	}
	return nil
}

// Verify finalizes the running hash against the digest from file-done.
// On success the sink is committed and the artifact returned. Any mismatch
// discards the partial data and returns a *CorruptionError.
func (a *InboundAssembler) Verify(expected string) (*streaming.Artifact, error) {
	a.mu.Lock()
	if !a.state.accepting() {
		state := a.state
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTransferFinished, a.meta.FileID, state)
	}
	a.state = InboundVerifying
	actual := a.hash.Finalize()

	var cerr *CorruptionError
	switch {
	case a.bytesReceived != a.meta.ByteSize:
		cerr = &CorruptionError{
			FileID: a.meta.FileID, Name: a.meta.Name, Expected: expected, Actual: actual,
			Reason: fmt.Sprintf("received %d of %d bytes", a.bytesReceived, a.meta.ByteSize),
		}
	case !chunker.Equal(expected, actual):
		cerr = &CorruptionError{FileID: a.meta.FileID, Name: a.meta.Name, Expected: expected, Actual: actual}
	}
	if cerr != nil {
		a.state = InboundCorrupt
		a.discardLocked()
		a.mu.Unlock()
		a.progress.RemoveTransfer(a.meta.FileID, a.peerID)
		return nil, cerr
	}

	artifact, err := a.sink.Commit()
	if err != nil {
		a.state = InboundCorrupt
		a.discardLocked()
		a.mu.Unlock()
		a.progress.RemoveTransfer(a.meta.FileID, a.peerID)
		return nil, &CorruptionError{
			FileID: a.meta.FileID, Name: a.meta.Name, Expected: expected, Actual: actual,
			Reason: fmt.Sprintf("commit: %v", err),
		}
	}
	a.state = InboundVerified
	elapsed := time.Since(a.startedAt)
	a.mu.Unlock()

	a.progress.FinishTracking(a.meta.FileID, a.peerID)
	a.log.Infof("✅ Received %s (%d bytes) in %v, hash verified", a.meta.Name, artifact.Size, elapsed.Round(time.Millisecond))
	return artifact, nil
}

// Cancel is a local cancel: the data is dropped and the sender is told to
// stop sending to us. It reports false if the transfer was already over.
func (a *InboundAssembler) Cancel() bool {
	return a.cancel(true)
}

// cancel without notifying, for cancel-transfer from the sender or a lost link.
func (a *InboundAssembler) cancel(notify bool) bool {
	a.mu.Lock()
	if a.state.terminal() || a.state == InboundVerifying {
		a.mu.Unlock()
		return false
	}
	a.state = InboundCancelled
	a.discardLocked()
	received := a.bytesReceived
	a.mu.Unlock()

	a.progress.RemoveTransfer(a.meta.FileID, a.peerID)
	if notify {
		a.notifySender(TypeCancelTransferByReceiver)
	}
	a.log.Infof("❌ Receive of %s cancelled after %d bytes", a.meta.Name, received)
	return true
}

// Pause asks the sender to stop streaming this file to us.
func (a *InboundAssembler) Pause() bool {
	if !a.setPaused(true) {
		return false
	}
	a.notifySender(TypePauseByReceiver)
	return true
}

// Resume asks the sender to continue.
func (a *InboundAssembler) Resume() bool {
	if !a.setPaused(false) {
		return false
	}
	a.notifySender(TypeResumeByReceiver)
	return true
}

// SetSenderPaused mirrors a pause or resume announced by the sender.
func (a *InboundAssembler) SetSenderPaused(paused bool) bool {
	return a.setPaused(paused)
}

func (a *InboundAssembler) setPaused(paused bool) bool {
	a.mu.Lock()
	switch {
	case paused && a.state == InboundReceiving:
		a.state = InboundPaused
	case !paused && a.state == InboundPaused:
		a.state = InboundReceiving
	default:
		a.mu.Unlock()
		return false
	}
	received := a.bytesReceived
	a.mu.Unlock()

	a.progress.UpdateProgress(a.meta.FileID, a.peerID, received, paused, true)
	return true
}

func (a *InboundAssembler) discardLocked() {
	if a.sink == nil {
		return
	}
	if err := a.sink.Discard(); err != nil {
		a.log.Warnf("⚠️ Failed to discard partial data for %s: %v", a.meta.Name, err)
	}
}

func (a *InboundAssembler) notifySender(msgType string) {
	if a.ch == nil || !a.ch.IsOpen() {
		return
	}
	msg := ControlMessage{Type: msgType, FileID: a.meta.FileID, ReceiverID: a.localID}
	if err := sendControl(a.ch, msg); err != nil {
		a.log.Debugf("%s not delivered: %v", msgType, err)
	}
}

func (a *InboundAssembler) Meta() TransferMeta {
	return a.meta
}

func (a *InboundAssembler) State() InboundState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *InboundAssembler) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

func (a *InboundAssembler) BytesReceived() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytesReceived
}
