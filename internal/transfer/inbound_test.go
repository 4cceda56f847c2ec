package transfer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jaywantadh/chunkcast/internal/chunker"
	"github.com/jaywantadh/chunkcast/internal/streaming"
)

func newTestAssembler(t *testing.T, size int64) *InboundAssembler {
	t.Helper()
	meta := TransferMeta{FileID: "f", Name: "data.bin", ByteSize: size}
	a, err := NewInboundAssembler("sender", "me", meta, nil, streaming.NewMemorySink(meta.target()),
		NewProgressTracker(0, nil), testLogger())
	if err != nil {
		t.Fatalf("NewInboundAssembler: %v", err)
	}
	a.Start()
	return a
}

func TestAssemblerVerifiesMatchingHash(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 1000)
	a := newTestAssembler(t, int64(len(payload)))
	chunks, err := chunker.Split(payload, 512)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for _, c := range chunks {
		if err := a.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	want, _ := chunker.Digest(payload, "")
	artifact, err := a.Verify(want)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !bytes.Equal(artifact.Data, payload) {
		t.Errorf("Artifact differs from payload")
	}
	if a.State() != InboundVerified {
		t.Errorf("Expected verified, got %s", a.State())
	}
}

func TestAssemblerOverflowIsCorrupt(t *testing.T) {
	a := newTestAssembler(t, 10)
	if err := a.Write(make([]byte, 8)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := a.Write(make([]byte, 8))
	var cerr *CorruptionError
	if !errors.As(err, &cerr) || !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("Expected a corruption error, got %v", err)
	}
	if a.State() != InboundCorrupt {
		t.Errorf("Expected corrupt, got %s", a.State())
	}
	if a.BytesReceived() != 8 {
		t.Errorf("Expected 8 bytes kept in the count, got %d", a.BytesReceived())
	}
}

func TestAssemblerCancelIsIdempotent(t *testing.T) {
	a := newTestAssembler(t, 100)
	if err := a.Write(make([]byte, 30)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !a.Cancel() {
		t.Fatal("First cancel should report true")
	}
	if a.Cancel() {
		t.Error("Second cancel should be a no-op")
	}
	if err := a.Write(make([]byte, 30)); err != nil {
		t.Errorf("Write after cancel should be dropped silently, got %v", err)
	}
	if a.BytesReceived() != 30 {
		t.Errorf("Expected count frozen at 30, got %d", a.BytesReceived())
	}
	if _, err := a.Verify("anything"); err == nil {
		t.Error("Verify after cancel should fail")
	}
	if a.State() != InboundCancelled {
		t.Errorf("Expected cancelled, got %s", a.State())
	}
}

func TestAssemblerPauseResume(t *testing.T) {
	a := newTestAssembler(t, 100)
	if !a.Pause() || a.State() != InboundPaused {
		t.Fatalf("Pause failed, state %s", a.State())
	}
	if a.Pause() {
		t.Error("Pausing twice should report false")
	}
	if err := a.Write(make([]byte, 10)); err != nil {
		t.Fatalf("Chunks in flight while paused must still apply: %v", err)
	}
	if !a.SetSenderPaused(false) || a.State() != InboundReceiving {
		t.Errorf("Resume from sender should win, state %s", a.State())
	}
}

func TestSameFileIDFromTwoPeersStaysSeparate(t *testing.T) {
	r := newTestNode(t, "r", Options{})
	// p1 and p2 are the senders' ends; fromP1 and fromP2 are r's.
	p1, fromP1 := newMemPair("p1", "r")
	p2, fromP2 := newMemPair("p2", "r")
	for _, ch := range []*memChannel{fromP1, fromP2} {
		if err := r.engine.AddPeer(ch); err != nil {
			t.Fatalf("AddPeer: %v", err)
		}
	}
	t.Cleanup(func() { p1.Close(); p2.Close() })

	payloads := map[*memChannel][]byte{p1: testPayload(3000), p2: bytes.Repeat([]byte("z"), 2500)}
	names := map[*memChannel]string{p1: "one.bin", p2: "two.bin"}
	control := func(ch *memChannel, msg ControlMessage) {
		t.Helper()
		data, err := EncodeControl(msg)
		if err != nil {
			t.Fatalf("EncodeControl: %v", err)
		}
		if err := ch.SendControl(data); err != nil {
			t.Fatalf("SendControl: %v", err)
		}
	}

	for _, ch := range []*memChannel{p1, p2} {
		payload := payloads[ch]
		control(ch, fileStartMessage(TransferMeta{
			FileID: "shared", Name: names[ch], ByteSize: int64(len(payload)),
			ChunkSize: 1024, TotalChunks: chunker.ChunkCount(int64(len(payload)), 1024),
		}))
	}
	for _, ch := range []*memChannel{p1, p2} {
		chunks, _ := chunker.Split(payloads[ch], 1024)
		for _, c := range chunks {
			if err := ch.SendBinary(c); err != nil {
				t.Fatalf("SendBinary: %v", err)
			}
		}
	}
	for _, ch := range []*memChannel{p1, p2} {
		digest, _ := chunker.Digest(payloads[ch], "")
		control(ch, ControlMessage{Type: TypeFileDone, FileID: "shared", Hash: digest})
	}

	got := map[string][]byte{}
	for i := 0; i < 2; i++ {
		a := recv(t, r.completed, "verified file")
		got[a.Name] = a.Data
	}
	for _, ch := range []*memChannel{p1, p2} {
		if !bytes.Equal(got[names[ch]], payloads[ch]) {
			t.Errorf("%s does not match what its sender sent", names[ch])
		}
	}
	expectNone(t, r.corrupt, "corruption")
	expectNone(t, r.cancelled, "cancellation")
}
