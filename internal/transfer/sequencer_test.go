package transfer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSequencerPreservesArrivalOrder(t *testing.T) {
	s := NewPeerEventSequencer("peer", testLogger())
	defer s.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 200; i++ {
		i := i
		s.Push(func() error {
			// Early events are slower; they must still finish first.
			if i%50 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
	}
	s.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 200 {
		t.Fatalf("Expected 200 events, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Event %d handled at position %d", v, i)
		}
	}
}

func TestSequencerContinuesAfterFailures(t *testing.T) {
	s := NewPeerEventSequencer("peer", testLogger())
	defer s.Close()

	ran := false
	s.Push(func() error { panic("handler blew up") })
	s.Push(func() error { return errors.New("handler failed") })
	s.Push(func() error { ran = true; return nil })
	s.Flush()

	if !ran {
		t.Error("Event after a panic and an error was not handled")
	}
}

func TestSequencerCloseDrainsPending(t *testing.T) {
	s := NewPeerEventSequencer("peer", testLogger())

	count := 0
	for i := 0; i < 10; i++ {
		s.Push(func() error { count++; return nil })
	}
	s.Close()
	s.Wait()

	if count != 10 {
		t.Errorf("Expected 10 events drained, got %d", count)
	}
	if s.Push(func() error { return nil }) {
		t.Error("Push after Close should be refused")
	}
	s.Flush()
}
