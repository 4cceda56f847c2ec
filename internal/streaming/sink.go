package streaming

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
)

// ErrSinkClosed is returned when writing to a committed or discarded sink.
var ErrSinkClosed = errors.New("streaming: sink closed")

// Artifact is a fully received, verified file.
// Exactly one of Data (in-memory sink) or Path (file sink) is set.
type Artifact struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Path     string `json:"path,omitempty"`
	Data     []byte `json:"-"`
}

// Open returns a reader over the artifact content.
func (a *Artifact) Open() (io.ReadCloser, error) {
	if a.Path != "" {
		return os.Open(a.Path)
	}
	return io.NopCloser(bytes.NewReader(a.Data)), nil
}

// Sink receives chunks of one inbound transfer in arrival order.
type Sink interface {
	Write(chunk []byte) error
	// Commit seals the sink once the content hash has been verified.
	Commit() (*Artifact, error)
	// Discard throws away everything written so far. Safe to call twice.
	Discard() error
}

// Target identifies what a sink is collecting.
type Target struct {
	FileID   string
	Name     string
	MimeType string
	Size     int64
}

// MemorySink keeps chunks as an ordered list of blocks.
type MemorySink struct {
	target Target
	mu     sync.Mutex
	blocks [][]byte
	size   int64
	closed bool
}

func NewMemorySink(target Target) *MemorySink {
	return &MemorySink{target: target}
}

func (s *MemorySink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	block := make([]byte, len(chunk))
	copy(block, chunk)
	s.blocks = append(s.blocks, block)
	s.size += int64(len(chunk))
	return nil
}

func (s *MemorySink) Commit() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSinkClosed
	}
	s.closed = true

	data := make([]byte, 0, s.size)
	for _, b := range s.blocks {
		data = append(data, b...)
	}
	s.blocks = nil

	return &Artifact{
		FileID:   s.target.FileID,
		Name:     s.target.Name,
		MimeType: s.target.MimeType,
		Size:     int64(len(data)),
		Data:     data,
	}, nil
}

func (s *MemorySink) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blocks = nil
	s.size = 0
	return nil
}

// Len returns the number of bytes buffered so far.
func (s *MemorySink) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
