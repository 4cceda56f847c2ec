package p2p

import (
	"testing"
)

func TestOutboxLowThresholdFiresOnCrossing(t *testing.T) {
	o := newOutbox()
	fired := 0
	o.setOnLow(func() { fired++ })
	o.setThreshold(10)

	for i := 0; i < 3; i++ {
		if err := o.push(make([]byte, 8), true); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if got := o.bufferedAmount(); got != 24 {
		t.Fatalf("Expected 24 buffered bytes, got %d", got)
	}

	f, _ := o.next()
	o.sent(len(f.data))
	if fired != 0 {
		t.Errorf("16 bytes left is above threshold, callback fired %d times", fired)
	}
	f, _ = o.next()
	o.sent(len(f.data))
	if fired != 1 {
		t.Errorf("Expected callback when dropping to 8 bytes, fired %d times", fired)
	}
	f, _ = o.next()
	o.sent(len(f.data))
	if fired != 1 {
		t.Errorf("Already below threshold, callback should not fire again (fired %d)", fired)
	}
}

func TestOutboxCloseDrainsThenStops(t *testing.T) {
	o := newOutbox()
	o.push([]byte("a"), false)
	o.push([]byte("b"), true)
	o.close(false)

	if err := o.push([]byte("c"), true); err != ErrClosed {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
	f, ok := o.next()
	if !ok || string(f.data) != "a" || f.binary {
		t.Errorf("Unexpected first frame %+v %v", f, ok)
	}
	f, ok = o.next()
	if !ok || string(f.data) != "b" || !f.binary {
		t.Errorf("Unexpected second frame %+v %v", f, ok)
	}
	if _, ok := o.next(); ok {
		t.Error("Expected closed empty outbox to report false")
	}
}

func TestOutboxDiscard(t *testing.T) {
	o := newOutbox()
	o.push([]byte("abc"), true)
	o.close(true)
	if _, ok := o.next(); ok {
		t.Error("Discarded frame should not be handed out")
	}
	if got := o.bufferedAmount(); got != 0 {
		t.Errorf("Expected nothing buffered after discard, got %d", got)
	}
}

func TestOutboxCopiesData(t *testing.T) {
	o := newOutbox()
	data := []byte("xyz")
	o.push(data, true)
	data[0] = 'Q'
	f, _ := o.next()
	if string(f.data) != "xyz" {
		t.Errorf("Queued frame changed with caller's slice: %q", f.data)
	}
}
