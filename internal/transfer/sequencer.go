package transfer

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerEventSequencer applies one peer's inbound events strictly in arrival
// order on a single goroutine. A failing or panicking handler is logged and
// the next event still runs.
type PeerEventSequencer struct {
	peerID string
	log    logrus.FieldLogger

	mu      sync.Mutex
	pending []func() error
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func NewPeerEventSequencer(peerID string, log logrus.FieldLogger) *PeerEventSequencer {
	s := &PeerEventSequencer{
		peerID: peerID,
		log:    log.WithField("peer", peerID),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Push appends an event. It returns false once the sequencer is closed.
func (s *PeerEventSequencer) Push(fn func() error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, fn)
	s.mu.Unlock()
	s.signal()
	return true
}

// Flush blocks until every event pushed before the call has been handled.
func (s *PeerEventSequencer) Flush() {
	marker := make(chan struct{})
	if !s.Push(func() error { close(marker); return nil }) {
		<-s.done
		return
	}
	<-marker
}

// Close stops accepting events. Events already pushed are still handled;
// Wait blocks until they are.
func (s *PeerEventSequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *PeerEventSequencer) Wait() {
	<-s.done
}

// Len is the number of events not yet started.
func (s *PeerEventSequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *PeerEventSequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PeerEventSequencer) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		fn := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := s.handle(fn); err != nil {
			s.log.Errorf("❌ Event handler failed: %v", err)
		}
	}
}

func (s *PeerEventSequencer) handle(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
