package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaywantadh/chunkcast/internal/chunker"
)

func TestFanoutInstantAndSlowDrain(t *testing.T) {
	sender := newTestNode(t, "sender", Options{ChunkSize: 16384})
	a := newTestNode(t, "a", Options{})
	b := newTestNode(t, "b", Options{})
	toA, _ := connect(t, sender, a)
	toB, _ := connect(t, sender, b)
	toA.set(func(c *memChannel) { c.instant = true })
	toB.set(func(c *memChannel) { c.delay = time.Millisecond })

	payload := testPayload(100000)
	h, err := sender.engine.Send(BytesPayload("scenario.bin", "", payload), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusSent {
		t.Fatalf("Expected sent, got %s (%v)", res.Status, res.Err)
	}
	if len(res.Completed) != 2 {
		t.Fatalf("Expected 2 completed destinations, got %v", res.Completed)
	}

	for _, n := range []*testNode{a, b} {
		meta := recv(t, n.started, "file-start at "+n.id)
		if meta.TotalChunks != 7 {
			t.Errorf("%s: expected totalChunks=7, got %d", n.id, meta.TotalChunks)
		}
		if meta.Mode != ModeBroadcast {
			t.Errorf("%s: expected broadcast mode, got %s", n.id, meta.Mode)
		}
		artifact := recv(t, n.completed, "artifact at "+n.id)
		if !bytes.Equal(artifact.Data, payload) {
			t.Errorf("%s: payload differs after reassembly", n.id)
		}
	}
	if got := toA.binaryCount(); got != 7 {
		t.Errorf("Expected 7 chunks to a, got %d", got)
	}
	if got := toB.binaryCount(); got != 7 {
		t.Errorf("Expected 7 chunks to b, got %d", got)
	}

	want, _ := chunker.Digest(payload, chunker.HashMD5)
	if res.Hash != want {
		t.Errorf("Expected result hash %s, got %s", want, res.Hash)
	}
}

func TestBackpressureBoundsBufferedBytes(t *testing.T) {
	const chunkSize = 1024
	sender := newTestNode(t, "sender", Options{ChunkSize: chunkSize, BatchSize: 2, HighWaterMark: 2 * chunkSize})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	toR.set(func(c *memChannel) { c.delay = 200 * time.Microsecond })

	payload := testPayload(40*chunkSize + 100)
	h, err := sender.engine.Send(BytesPayload("bp.bin", "", payload), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res := waitResult(t, h); res.Status != StatusSent {
		t.Fatalf("Expected sent, got %s", res.Status)
	}
	artifact := recv(t, r.completed, "artifact")
	if !bytes.Equal(artifact.Data, payload) {
		t.Fatal("Payload differs after reassembly")
	}

	// One batch may land on top of a buffer sitting at the high-water mark,
	// plus the file-start frame.
	limit := uint64(2*chunkSize + 2*chunkSize + 512)
	if peak := toR.peakBuffered(); peak > limit {
		t.Errorf("Buffered amount peaked at %d, expected at most %d", peak, limit)
	}
}

func TestCancelAfterThreeChunksFreezesReceiver(t *testing.T) {
	sender := newTestNode(t, "sender", Options{ChunkSize: 16384})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	toR.set(func(c *memChannel) {
		c.afterSend = func(n int) {
			if n == 2 {
				activeHandle(sender.engine).Cancel()
			}
		}
	})

	h, err := sender.engine.Send(BytesPayload("x.bin", "", testPayload(100000)), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := waitResult(t, h)
	if res.Status != StatusCancelled {
		t.Fatalf("Expected cancelled, got %s", res.Status)
	}
	if len(res.Cancelled) != 1 || res.Cancelled[0] != "r" {
		t.Errorf("Expected r cancelled, got %v", res.Cancelled)
	}

	ev := recv(t, r.cancelled, "receiver cancellation")
	if ev.bytes != 3*16384 {
		t.Errorf("Expected bytesReceived=%d, got %d", 3*16384, ev.bytes)
	}
	if toR.binaryCount() != 3 {
		t.Errorf("Expected 3 chunks on the wire, got %d", toR.binaryCount())
	}
	if _, err := r.engine.lookupInbound(h.FileID()); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("Expected inbound entry to be gone, got %v", err)
	}
	expectNone(t, r.completed, "completion")
	expectNone(t, r.corrupt, "corruption")

	// Cancelling again, or after the fact, is a no-op.
	if err := h.Cancel(); err != nil {
		t.Errorf("Second cancel returned %v", err)
	}
}

func TestQueueCompletesInOrder(t *testing.T) {
	sender := newTestNode(t, "sender", Options{ChunkSize: 512})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)

	var overlap atomic.Bool
	toR.set(func(c *memChannel) {
		c.delay = 100 * time.Microsecond
		c.afterSend = func(int) {
			if len(sender.engine.liveOutbound()) > 1 {
				overlap.Store(true)
			}
		}
	})

	names := []string{"F1", "F2", "F3"}
	var handles []*TransferHandle
	for i, name := range names {
		h, err := sender.engine.Send(BytesPayload(name, "text/plain", testPayload(4000+i)), []string{"r"})
		if err != nil {
			t.Fatalf("Send %s: %v", name, err)
		}
		handles = append(handles, h)
	}

	for _, want := range names {
		res := recv(t, sender.results, "result "+want)
		if res.Name != want {
			t.Fatalf("Expected %s to finish next, got %s", want, res.Name)
		}
		if res.Status != StatusSent {
			t.Fatalf("%s: expected sent, got %s", want, res.Status)
		}
	}
	for _, want := range names {
		if got := recv(t, r.completed, "artifact").Name; got != want {
			t.Errorf("Expected %s received next, got %s", want, got)
		}
	}
	if overlap.Load() {
		t.Error("More than one outbound transfer was active at once")
	}
	for _, h := range handles {
		if _, ok := sender.engine.Handle(h.FileID()); ok {
			t.Errorf("Handle %s still registered after finishing", h.Name())
		}
	}
}

func TestPausingOneDestinationLeavesOthersAlone(t *testing.T) {
	const chunkSize = 1024
	sender := newTestNode(t, "sender", Options{ChunkSize: chunkSize, BatchSize: 4, HighWaterMark: 4 * chunkSize})
	nodes := map[string]*testNode{}
	for _, id := range []string{"a", "b", "c"} {
		nodes[id] = newTestNode(t, id, Options{})
		ch, _ := connect(t, sender, nodes[id])
		ch.set(func(c *memChannel) { c.delay = 100 * time.Microsecond })
	}

	payload := testPayload(60 * chunkSize)
	h, err := sender.engine.Send(BytesPayload("fan.bin", "", payload), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.PauseDestination("b"); err != nil {
		t.Fatalf("PauseDestination: %v", err)
	}

	recv(t, nodes["a"].completed, "artifact at a")
	recv(t, nodes["c"].completed, "artifact at c")

	tr := h.outbound()
	for _, id := range []string{"a", "c"} {
		if got := tr.Sub(id).BytesSent(); got != int64(len(payload)) {
			t.Errorf("%s: expected %d bytes sent, got %d", id, len(payload), got)
		}
	}
	subB := tr.Sub("b")
	if subB.State() != SubPaused {
		t.Fatalf("Expected b paused, got %s", subB.State())
	}
	frozen := subB.BytesSent()
	time.Sleep(20 * time.Millisecond)
	if subB.BytesSent() != frozen {
		t.Errorf("b kept sending while paused: %d -> %d", frozen, subB.BytesSent())
	}
	expectNone(t, nodes["b"].completed, "artifact at b")

	if err := h.ResumeDestination("b"); err != nil {
		t.Fatalf("ResumeDestination: %v", err)
	}
	res := waitResult(t, h)
	if res.Status != StatusSent || len(res.Completed) != 3 {
		t.Fatalf("Expected all three completed, got %s %v", res.Status, res.Completed)
	}
	if artifact := recv(t, nodes["b"].completed, "artifact at b"); !bytes.Equal(artifact.Data, payload) {
		t.Error("b payload differs after resume")
	}
}

func TestFlippedByteIsIntegrityMismatch(t *testing.T) {
	sender := newTestNode(t, "sender", Options{ChunkSize: 4096})
	good := newTestNode(t, "good", Options{})
	bad := newTestNode(t, "bad", Options{})
	connect(t, sender, good)
	toBad, _ := connect(t, sender, bad)
	toBad.set(func(c *memChannel) {
		c.mutate = func(n int, data []byte) []byte {
			if n == 2 {
				data[17] ^= 0x01
			}
			return data
		}
	})

	h, err := sender.engine.Send(BytesPayload("doc.pdf", "application/pdf", testPayload(20000)), []string{"good", "bad"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitResult(t, h)

	cerr := recv(t, bad.corrupt, "corruption at bad")
	if !errors.Is(cerr, ErrIntegrityMismatch) {
		t.Errorf("Expected ErrIntegrityMismatch, got %v", cerr)
	}
	if cerr.FileID != h.FileID() || cerr.Name != "doc.pdf" {
		t.Errorf("Corruption error names %s/%s", cerr.FileID, cerr.Name)
	}
	if cerr.Expected == cerr.Actual {
		t.Error("Expected and actual hash should differ")
	}
	expectNone(t, bad.completed, "artifact at bad")
	recv(t, good.completed, "artifact at good")
}

func TestReceiverCancelStopsOnlyThatDestination(t *testing.T) {
	const chunkSize = 1024
	sender := newTestNode(t, "sender", Options{ChunkSize: chunkSize, BatchSize: 2, HighWaterMark: chunkSize})
	keep := newTestNode(t, "keep", Options{})
	quit := newTestNode(t, "quit", Options{})
	connect(t, sender, keep)
	toQuit, _ := connect(t, sender, quit)
	toQuit.set(func(c *memChannel) { c.delay = time.Millisecond })

	h, err := sender.engine.Send(BytesPayload("big.bin", "", testPayload(200*chunkSize)), []string{"keep", "quit"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "quit starts receiving", func() bool {
		_, err := quit.engine.lookupInbound(h.FileID())
		return err == nil
	})
	if err := quit.engine.CancelReceive(h.FileID()); err != nil {
		t.Fatalf("CancelReceive: %v", err)
	}

	res := waitResult(t, h)
	if res.Status != StatusSent {
		t.Fatalf("Expected sent, got %s", res.Status)
	}
	if len(res.Cancelled) != 1 || res.Cancelled[0] != "quit" {
		t.Errorf("Expected quit cancelled, got %v", res.Cancelled)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "keep" {
		t.Errorf("Expected keep completed, got %v", res.Completed)
	}
	recv(t, quit.cancelled, "cancellation at quit")
	recv(t, keep.completed, "artifact at keep")

	if err := quit.engine.CancelReceive(h.FileID()); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("Expected ErrUnknownTransfer on second cancel, got %v", err)
	}
}

func TestReceiverPauseThrottlesSender(t *testing.T) {
	const chunkSize = 1024
	sender := newTestNode(t, "sender", Options{ChunkSize: chunkSize, BatchSize: 2, HighWaterMark: chunkSize})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	toR.set(func(c *memChannel) { c.delay = 500 * time.Microsecond })

	payload := testPayload(100 * chunkSize)
	h, err := sender.engine.Send(BytesPayload("p.bin", "", payload), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "r starts receiving", func() bool {
		_, err := r.engine.lookupInbound(h.FileID())
		return err == nil
	})
	if err := r.engine.PauseReceive(h.FileID()); err != nil {
		t.Fatalf("PauseReceive: %v", err)
	}
	eventually(t, "sender pauses", func() bool {
		tr := h.outbound()
		return tr != nil && tr.Sub("r").State() == SubPaused
	})

	if err := r.engine.ResumeReceive(h.FileID()); err != nil {
		t.Fatalf("ResumeReceive: %v", err)
	}
	if res := waitResult(t, h); res.Status != StatusSent {
		t.Fatalf("Expected sent, got %s", res.Status)
	}
	if artifact := recv(t, r.completed, "artifact"); !bytes.Equal(artifact.Data, payload) {
		t.Error("Payload differs after pause and resume")
	}
}

func TestDeclinedFileIsCancelledForThatDestination(t *testing.T) {
	sender := newTestNode(t, "sender", Options{ChunkSize: 1024, BatchSize: 2, HighWaterMark: 1024})
	yes := newTestNode(t, "yes", Options{})
	no := newTestNode(t, "no", Options{OnReceiveStart: func(string, TransferMeta) bool { return false }})
	connect(t, sender, yes)
	toNo, _ := connect(t, sender, no)
	toNo.set(func(c *memChannel) { c.delay = time.Millisecond })

	h, err := sender.engine.Send(BytesPayload("offer.txt", "text/plain", testPayload(30000)), []string{"yes", "no"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := waitResult(t, h)
	if res.Status != StatusSent {
		t.Fatalf("Expected sent, got %s", res.Status)
	}
	if len(res.Cancelled) != 1 || res.Cancelled[0] != "no" {
		t.Errorf("Expected no to be cancelled, got %v", res.Cancelled)
	}
	recv(t, yes.completed, "artifact at yes")
	recv(t, no.started, "offer at no")
	expectNone(t, no.completed, "artifact at no")
}

func TestUnavailableDestinationDoesNotBlockSiblings(t *testing.T) {
	sender := newTestNode(t, "sender", Options{})
	r := newTestNode(t, "r", Options{})
	connect(t, sender, r)

	h, err := sender.engine.Send(BytesPayload("a.txt", "", []byte("hello")), []string{"r", "ghost"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := waitResult(t, h)
	if res.Status != StatusSent {
		t.Fatalf("Expected sent, got %s", res.Status)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "ghost" {
		t.Errorf("Expected ghost failed, got %v", res.Failed)
	}

	h, err = sender.engine.Send(BytesPayload("b.txt", "", []byte("hello")), []string{"ghost"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res = waitResult(t, h)
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrChannelUnavailable) {
		t.Errorf("Expected failed with ErrChannelUnavailable, got %s %v", res.Status, res.Err)
	}
}

func TestSendValidation(t *testing.T) {
	sender := newTestNode(t, "sender", Options{MaxPayloadSize: 10})

	if _, err := sender.engine.Send(BytesPayload("big", "", make([]byte, 11)), []string{"r"}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := sender.engine.Send(BytesPayload("ok", "", make([]byte, 10)), nil); !errors.Is(err, ErrNoDestinations) {
		t.Errorf("Expected ErrNoDestinations, got %v", err)
	}
	if _, err := sender.engine.SendFile(filepath.Join(t.TempDir(), "missing"), []string{"r"}); !errors.Is(err, ErrQueueItemFailure) {
		t.Errorf("Expected ErrQueueItemFailure, got %v", err)
	}
}

// holdFirstChunk blocks the send loop on the first chunk written to c until
// the returned release func is called.
func holdFirstChunk(t *testing.T, c *memChannel) (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	c.set(func(c *memChannel) {
		c.afterSend = func(n int) {
			if n == 0 {
				<-gate
			}
		}
	})
	return release
}

func TestQueueItemFailureAdvancesQueue(t *testing.T) {
	sender := newTestNode(t, "sender", Options{})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	release := holdFirstChunk(t, toR)

	blocker, err := sender.engine.Send(BytesPayload("blocker", "", testPayload(100)), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	path := filepath.Join(t.TempDir(), "vanishing.txt")
	if err := os.WriteFile(path, []byte("soon gone"), 0644); err != nil {
		t.Fatal(err)
	}
	doomed, err := sender.engine.SendFile(path, []string{"r"})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	after, err := sender.engine.Send(BytesPayload("after", "", []byte("still sent")), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	release()

	if res := waitResult(t, blocker); res.Status != StatusSent {
		t.Errorf("blocker: expected sent, got %s", res.Status)
	}
	res := waitResult(t, doomed)
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrQueueItemFailure) {
		t.Errorf("Expected queue item failure, got %s %v", res.Status, res.Err)
	}
	if res := waitResult(t, after); res.Status != StatusSent {
		t.Errorf("after: expected sent, got %s", res.Status)
	}
	if toR.binaryCount() != 2 {
		t.Errorf("Expected 2 chunks on the wire, got %d", toR.binaryCount())
	}
}

func TestCancelWhileQueued(t *testing.T) {
	sender := newTestNode(t, "sender", Options{})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	release := holdFirstChunk(t, toR)

	blocker, err := sender.engine.Send(BytesPayload("blocker", "", testPayload(100)), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	queued, err := sender.engine.Send(BytesPayload("queued", "", testPayload(100)), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.engine.queue.Len() != 1 {
		t.Errorf("Expected one waiting send, got %d", sender.engine.queue.Len())
	}
	if err := queued.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := waitResult(t, queued)
	if res.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", res.Status)
	}

	release()
	if res := waitResult(t, blocker); res.Status != StatusSent {
		t.Errorf("blocker: expected sent, got %s", res.Status)
	}
	recv(t, r.started, "blocker offer")
	recv(t, r.completed, "blocker artifact")
	expectNone(t, r.started, "second file-start")
}

func TestPeerDisconnectCancelsBothSides(t *testing.T) {
	const chunkSize = 1024
	sender := newTestNode(t, "sender", Options{ChunkSize: chunkSize, BatchSize: 2, HighWaterMark: chunkSize})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	toR.set(func(c *memChannel) {
		c.delay = 200 * time.Microsecond
		c.afterSend = func(n int) {
			if n == 5 {
				go c.Close()
			}
		}
	})

	h, err := sender.engine.Send(BytesPayload("cut.bin", "", testPayload(50*chunkSize)), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	res := waitResult(t, h)
	if res.Status != StatusCancelled {
		t.Fatalf("Expected cancelled, got %s", res.Status)
	}
	sub := h.outbound().Sub("r")
	if !errors.Is(sub.Err(), ErrChannelUnavailable) && !errors.Is(sub.Err(), ErrChannelWriteFailure) {
		t.Errorf("Expected link failure as cause, got %v", sub.Err())
	}
	ev := recv(t, r.cancelled, "cancellation at r")
	if ev.bytes >= int64(50*chunkSize) {
		t.Errorf("Receiver should not have the full file, got %d bytes", ev.bytes)
	}
	eventually(t, "peer removed", func() bool { return len(sender.engine.Peers()) == 0 })
}

func TestProgressReachesSubscribers(t *testing.T) {
	sender := newTestNode(t, "sender", Options{ChunkSize: 1024, ProgressInterval: time.Millisecond})
	r := newTestNode(t, "r", Options{})
	toR, _ := connect(t, sender, r)
	release := holdFirstChunk(t, toR)

	if _, err := sender.engine.Send(BytesPayload("blocker", "", []byte("x")), []string{"r"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h, err := sender.engine.Send(BytesPayload("watched", "", testPayload(10*1024)), []string{"r"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	updates, stop := sender.engine.Subscribe(h.FileID(), "r")
	defer stop()
	release()

	for {
		p := recv(t, updates, "progress")
		if p.Direction != DirectionSend || p.PeerID != "r" {
			t.Fatalf("Unexpected sample %+v", p)
		}
		if p.Done {
			if p.Percent != 100 || p.BytesTransferred != 10*1024 {
				t.Errorf("Final sample %+v", p)
			}
			break
		}
	}
	waitResult(t, h)
	if snap := sender.engine.Snapshot(); len(snap) != 0 {
		t.Errorf("Expected no live progress after completion, got %v", snap)
	}
}
