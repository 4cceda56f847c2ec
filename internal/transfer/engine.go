package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/chunkcast/internal/chunker"
	"github.com/jaywantadh/chunkcast/internal/metadata"
	"github.com/jaywantadh/chunkcast/internal/streaming"
	"github.com/sirupsen/logrus"
)

type peerState struct {
	id  string
	ch  PeerChannel
	seq *PeerEventSequencer
	// current receives binary frames. Only touched from seq.
	current *InboundAssembler
}

// Engine is the transfer façade: it owns the send queue, the per-peer
// sequencers and the tables of live inbound and outbound transfers.
type Engine struct {
	opts     Options
	log      logrus.FieldLogger
	progress *ProgressTracker
	queue    *TransferQueue

	mu       sync.Mutex
	peers    map[string]*peerState
	handles  map[string]*TransferHandle
	outbound map[string]*OutboundTransfer
	inbound  map[inboundKey]*InboundAssembler
	closed   bool
}

// inboundKey identifies a receive: two peers may pick the same fileId.
type inboundKey struct {
	peerID string
	fileID string
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	if opts.LocalID == "" {
		opts.LocalID = uuid.NewString()
	}
	log := opts.Logger.WithField("node", opts.LocalID)
	return &Engine{
		opts:     opts,
		log:      log,
		progress: NewProgressTracker(opts.ProgressInterval, opts.OnProgress),
		queue:    NewTransferQueue(log),
		peers:    make(map[string]*peerState),
		handles:  make(map[string]*TransferHandle),
		outbound: make(map[string]*OutboundTransfer),
		inbound:  make(map[inboundKey]*InboundAssembler),
	}
}

func (e *Engine) LocalID() string {
	return e.opts.LocalID
}

func (e *Engine) flow() flowControl {
	return flowControl{batchSize: e.opts.BatchSize, highWaterMark: e.opts.HighWaterMark}
}

// AddPeer attaches a channel. Inbound frames from it are sequenced and
// dispatched; when it closes every transfer involving the peer is cancelled.
// A second channel with the same ID replaces the first.
func (e *Engine) AddPeer(ch PeerChannel) error {
	id := ch.ID()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	old := e.peers[id]
	ps := &peerState{id: id, ch: ch, seq: NewPeerEventSequencer(id, e.log)}
	e.peers[id] = ps
	e.mu.Unlock()

	if old != nil {
		e.dropPeer(old)
	}

	ch.OnMessage(func(data []byte, binary bool) {
		ps.seq.Push(func() error { return e.dispatch(ps, data, binary) })
	})
	ch.OnClosed(func() {
		e.log.Infof("🔌 Peer %s disconnected", id)
		e.removePeerState(ps)
	})
	e.log.Infof("🤝 Peer %s connected", id)
	return nil
}

// RemovePeer detaches a peer and cancels whatever it was part of.
func (e *Engine) RemovePeer(id string) {
	e.mu.Lock()
	ps := e.peers[id]
	if ps != nil {
		delete(e.peers, id)
	}
	e.mu.Unlock()
	if ps != nil {
		e.dropPeer(ps)
	}
}

// removePeerState removes ps only if it has not been replaced meanwhile.
func (e *Engine) removePeerState(ps *peerState) {
	e.mu.Lock()
	current := e.peers[ps.id] == ps
	if current {
		delete(e.peers, ps.id)
	}
	e.mu.Unlock()
	if current {
		e.dropPeer(ps)
	}
}

func (e *Engine) dropPeer(ps *peerState) {
	cause := fmt.Errorf("%w: peer %s went away", ErrChannelUnavailable, ps.id)
	for _, t := range e.liveOutbound() {
		t.abortDestination(ps.id, cause)
	}
	ps.seq.Push(func() error {
		for _, a := range e.inboundFrom(ps.id) {
			if a.cancel(false) {
				e.inboundCancelled(a)
			}
		}
		return nil
	})
	ps.seq.Close()
}

// Peers lists connected peer IDs.
func (e *Engine) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.peers))
	for id := range e.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// channel resolves a destination; nil if the peer is unknown.
func (e *Engine) channel(id string) PeerChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ps, ok := e.peers[id]; ok {
		return ps.ch
	}
	return nil
}

// Send queues payload for every destination and returns immediately.
// Only the size limit and the destination list are checked here.
func (e *Engine) Send(payload Payload, destinations []string) (*TransferHandle, error) {
	dests := dedupe(destinations)
	if len(dests) == 0 {
		return nil, ErrNoDestinations
	}
	size, err := payload.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrQueueItemFailure, payload.Name(), err)
	}
	if size > e.opts.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPayloadTooLarge, payload.Name(), size, e.opts.MaxPayloadSize)
	}

	h := newTransferHandle(e, uuid.NewString(), payload, size, dests)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.handles[h.fileID] = h
	e.mu.Unlock()

	if err := e.queue.Enqueue(h); err != nil {
		e.mu.Lock()
		delete(e.handles, h.fileID)
		e.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// SendFile is Send with a FilePayload.
func (e *Engine) SendFile(path string, destinations []string) (*TransferHandle, error) {
	return e.Send(FilePayload(path), destinations)
}

// Handle returns the handle of a send that has not finished yet.
func (e *Engine) Handle(fileID string) (*TransferHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[fileID]
	return h, ok
}

// Pending lists the sends that have not finished, in queue order.
func (e *Engine) Pending() []*TransferHandle {
	e.mu.Lock()
	out := make([]*TransferHandle, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, h)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].queuedAt.Before(out[j].queuedAt) })
	return out
}

// PauseReceive asks the sender of fileID to stop streaming to us.
func (e *Engine) PauseReceive(fileID string) error {
	a, err := e.lookupInbound(fileID)
	if err != nil {
		return err
	}
	a.Pause()
	return nil
}

func (e *Engine) ResumeReceive(fileID string) error {
	a, err := e.lookupInbound(fileID)
	if err != nil {
		return err
	}
	a.Resume()
	return nil
}

// CancelReceive drops an inbound file and tells its sender to stop.
func (e *Engine) CancelReceive(fileID string) error {
	a, err := e.lookupInbound(fileID)
	if err != nil {
		return err
	}
	if a.Cancel() {
		e.inboundCancelled(a)
	}
	return nil
}

// Subscribe streams progress for fileID; an empty peerID means every peer.
func (e *Engine) Subscribe(fileID, peerID string) (<-chan Progress, func()) {
	return e.progress.Subscribe(fileID, peerID)
}

// Snapshot returns the latest progress of every live transfer.
func (e *Engine) Snapshot() []Progress {
	return e.progress.Snapshot()
}

// Close cancels the active send, abandons queued ones and stops every peer
// sequencer. Channels are left open for their owner to close.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	peers := make([]*peerState, 0, len(e.peers))
	for _, ps := range e.peers {
		peers = append(peers, ps)
	}
	e.peers = make(map[string]*peerState)
	e.mu.Unlock()

	e.queue.Close()
	for _, ps := range peers {
		ps.ch.OnMessage(nil)
		ps.ch.OnClosed(nil)
		ps.seq.Close()
	}
	for _, ps := range peers {
		ps.seq.Wait()
	}
	for _, a := range e.inboundFrom("") {
		if a.cancel(false) {
			e.inboundCancelled(a)
		}
	}
	e.log.Info("🛑 Transfer engine stopped")
}

func (e *Engine) dispatch(ps *peerState, data []byte, binary bool) error {
	if binary {
		return e.handleChunk(ps, data)
	}
	msg, err := DecodeControl(data)
	if err != nil {
		return fmt.Errorf("from %s: %w", ps.id, err)
	}

	switch msg.Type {
	case TypeFileStart:
		return e.handleFileStart(ps, msg)
	case TypeFileDone:
		return e.handleFileDone(ps, msg)
	case TypeCancelTransfer:
		if a := e.inboundFor(ps.id, msg.FileID); a != nil && a.cancel(false) {
			e.inboundCancelled(a)
		}
	case TypePauseBySender, TypeResumeBySender:
		if a := e.inboundFor(ps.id, msg.FileID); a != nil {
			a.SetSenderPaused(msg.Type == TypePauseBySender)
		}
	case TypeCancelTransferByReceiver:
		if sub := e.outboundSub(msg.FileID, ps.id); sub != nil {
			e.log.WithField("file_id", msg.FileID).Infof("Receiver %s cancelled", ps.id)
			sub.cancel(nil, false)
		}
	case TypePauseByReceiver, TypeResumeByReceiver:
		if sub := e.outboundSub(msg.FileID, ps.id); sub != nil {
			sub.applyReceiverPause(msg.Type == TypePauseByReceiver)
		}
	}
	return nil
}

func (e *Engine) handleFileStart(ps *peerState, msg ControlMessage) error {
	meta := msg.Meta()
	log := e.log.WithFields(logrus.Fields{"file_id": meta.FileID, "peer": ps.id})

	if prev := ps.current; prev != nil && prev.cancel(false) {
		log.Warnf("⚠️ %s superseded before file-done", prev.meta.Name)
		e.inboundCancelled(prev)
	}

	decline := func(reason string) error {
		ps.current = declinedAssembler(ps.id, meta, log)
		if ps.ch.IsOpen() {
			if err := sendControl(ps.ch, ControlMessage{Type: TypeCancelTransferByReceiver, FileID: meta.FileID, ReceiverID: e.opts.LocalID}); err != nil {
				log.Debugf("decline not delivered: %v", err)
			}
		}
		log.Infof("🚫 Declined %s: %s", meta.Name, reason)
		return nil
	}

	switch {
	case meta.ByteSize < 0:
		return decline(fmt.Sprintf("invalid size %d", meta.ByteSize))
	case meta.ByteSize > e.opts.MaxPayloadSize:
		return decline(fmt.Sprintf("%d bytes exceeds limit %d", meta.ByteSize, e.opts.MaxPayloadSize))
	}
	if _, err := chunker.NewRunningHash(meta.HashAlgorithm); err != nil {
		return decline(err.Error())
	}
	if e.opts.OnReceiveStart != nil && !e.opts.OnReceiveStart(ps.id, meta) {
		return decline("rejected by application")
	}

	sink, err := e.opts.NewSink(ps.id, meta)
	if err != nil {
		return decline(fmt.Sprintf("no sink: %v", err))
	}
	a, err := NewInboundAssembler(ps.id, e.opts.LocalID, meta, ps.ch, sink, e.progress, log)
	if err != nil {
		sink.Discard()
		return decline(err.Error())
	}

	e.mu.Lock()
	e.inbound[inboundKey{ps.id, meta.FileID}] = a
	e.mu.Unlock()
	ps.current = a
	a.Start()
	return nil
}

func (e *Engine) handleChunk(ps *peerState, data []byte) error {
	a := ps.current
	if a == nil {
		return fmt.Errorf("chunk of %d bytes from %s with no file in progress", len(data), ps.id)
	}
	err := a.Write(data)
	if err == nil {
		return nil
	}
	var cerr *CorruptionError
	if errors.As(err, &cerr) {
		e.inboundCorrupt(a, cerr)
		return nil
	}
	e.inboundCancelled(a)
	return err
}

func (e *Engine) handleFileDone(ps *peerState, msg ControlMessage) error {
	a := e.inboundFor(ps.id, msg.FileID)
	if a == nil {
		return nil
	}
	artifact, err := a.Verify(msg.Hash)
	if errors.Is(err, ErrTransferFinished) {
		return nil
	}
	var cerr *CorruptionError
	if errors.As(err, &cerr) {
		e.inboundCorrupt(a, cerr)
		return nil
	}
	if err != nil {
		return err
	}

	e.forgetInbound(a)
	e.record(metadata.TransferRecord{
		FileID:     a.meta.FileID,
		Direction:  string(DirectionReceive),
		Peers:      []string{a.peerID},
		Name:       a.meta.Name,
		Size:       a.meta.ByteSize,
		MimeType:   a.meta.MimeType,
		Hash:       msg.Hash,
		Status:     metadata.StatusVerified,
		StartedAt:  a.StartedAt(),
		FinishedAt: time.Now(),
		StoredPath: artifact.Path,
	})
	if e.opts.OnReceiveComplete != nil {
		e.opts.OnReceiveComplete(a.peerID, artifact)
	}
	return nil
}

func (e *Engine) inboundCorrupt(a *InboundAssembler, cerr *CorruptionError) {
	e.forgetInbound(a)
	a.log.Errorf("❌ %v", cerr)
	e.record(metadata.TransferRecord{
		FileID:     a.meta.FileID,
		Direction:  string(DirectionReceive),
		Peers:      []string{a.peerID},
		Name:       a.meta.Name,
		Size:       a.meta.ByteSize,
		MimeType:   a.meta.MimeType,
		Hash:       cerr.Expected,
		Status:     metadata.StatusCorrupt,
		Detail:     cerr.Error(),
		StartedAt:  a.StartedAt(),
		FinishedAt: time.Now(),
	})
	if e.opts.OnReceiveCorrupt != nil {
		e.opts.OnReceiveCorrupt(a.peerID, cerr)
	}
}

func (e *Engine) inboundCancelled(a *InboundAssembler) {
	e.forgetInbound(a)
	received := a.BytesReceived()
	e.record(metadata.TransferRecord{
		FileID:     a.meta.FileID,
		Direction:  string(DirectionReceive),
		Peers:      []string{a.peerID},
		Name:       a.meta.Name,
		Size:       a.meta.ByteSize,
		MimeType:   a.meta.MimeType,
		Status:     metadata.StatusCancelled,
		Detail:     fmt.Sprintf("%d of %d bytes received", received, a.meta.ByteSize),
		StartedAt:  a.StartedAt(),
		FinishedAt: time.Now(),
	})
	if e.opts.OnReceiveCancelled != nil {
		e.opts.OnReceiveCancelled(a.peerID, a.meta, received)
	}
}

// outboundFinished runs once per handle with its final result.
func (e *Engine) outboundFinished(h *TransferHandle, res Result) {
	e.mu.Lock()
	delete(e.handles, h.fileID)
	e.mu.Unlock()

	log := e.log.WithField("file_id", res.FileID)
	switch res.Status {
	case StatusSent:
		log.Infof("📤 %s sent to %d of %d destination(s)", res.Name, len(res.Completed), len(h.destinations))
	case StatusFailed:
		log.Errorf("❌ %s failed: %v", res.Name, res.Err)
	default:
		log.Infof("%s cancelled", res.Name)
	}

	rec := metadata.TransferRecord{
		FileID:     res.FileID,
		Direction:  string(DirectionSend),
		Peers:      h.Destinations(),
		Name:       res.Name,
		Size:       res.Size,
		MimeType:   res.MimeType,
		Hash:       res.Hash,
		Status:     string(res.Status),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		rec.Detail = res.Err.Error()
	} else if len(res.Cancelled)+len(res.Failed) > 0 {
		rec.Detail = fmt.Sprintf("cancelled: %v, failed: %v", res.Cancelled, res.Failed)
	}
	e.record(rec)

	if e.opts.OnTransferResult != nil {
		e.opts.OnTransferResult(res)
	}
}

func (e *Engine) record(rec metadata.TransferRecord) {
	if e.opts.History == nil {
		return
	}
	if err := e.opts.History.PutTransferRecord(rec); err != nil {
		e.log.Warnf("⚠️ Failed to record history for %s: %v", rec.FileID, err)
	}
}

func (e *Engine) registerOutbound(t *OutboundTransfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound[t.FileID()] = t
}

func (e *Engine) unregisterOutbound(t *OutboundTransfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outbound[t.FileID()] == t {
		delete(e.outbound, t.FileID())
	}
}

func (e *Engine) liveOutbound() []*OutboundTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*OutboundTransfer, 0, len(e.outbound))
	for _, t := range e.outbound {
		out = append(out, t)
	}
	return out
}

func (e *Engine) outboundSub(fileID, destinationID string) *OutboundSubTransfer {
	e.mu.Lock()
	t := e.outbound[fileID]
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Sub(destinationID)
}

// lookupInbound finds the live receive of fileID. The same fileId arriving
// from two peers is ambiguous and reported as such.
func (e *Engine) lookupInbound(fileID string) (*InboundAssembler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var found *InboundAssembler
	for key, a := range e.inbound {
		if key.fileID != fileID {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("inbound file %s is arriving from %s and %s", fileID, found.peerID, a.peerID)
		}
		found = a
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no inbound file %s", ErrUnknownTransfer, fileID)
	}
	return found, nil
}

// inboundFor returns the live assembler for fileID from peerID.
func (e *Engine) inboundFor(peerID, fileID string) *InboundAssembler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound[inboundKey{peerID, fileID}]
}

// inboundFrom lists live assemblers from peerID, or from everyone if empty.
func (e *Engine) inboundFrom(peerID string) []*InboundAssembler {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*InboundAssembler
	for _, a := range e.inbound {
		if peerID == "" || a.peerID == peerID {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) forgetInbound(a *InboundAssembler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := inboundKey{a.peerID, a.meta.FileID}
	if e.inbound[key] == a {
		delete(e.inbound, key)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// MemorySinks is the default NewSink.
func MemorySinks(_ string, meta TransferMeta) (streaming.Sink, error) {
	return streaming.NewMemorySink(meta.target()), nil
}

// FileSinks writes accepted files into dir/<peer>/ as <fileId>_<name>.part
// until verified.
func FileSinks(dir string) func(string, TransferMeta) (streaming.Sink, error) {
	return func(peerID string, meta TransferMeta) (streaming.Sink, error) {
		return streaming.NewFileSink(filepath.Join(dir, peerDirName(peerID)), meta.target())
	}
}

func peerDirName(peerID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, peerID)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
