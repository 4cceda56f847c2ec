package streaming

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink streams chunks to <dir>/<fileID>_<name>.part and renames the file
// into place on commit.
type FileSink struct {
	target    Target
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	tempPath  string
	finalPath string
	written   int64
	closed    bool
}

// NewFileSink creates the partial file up front so disk errors surface before
// the first chunk arrives.
func NewFileSink(dir string, target Target) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create receive directory: %w", err)
	}

	finalPath := filepath.Join(dir, prefixedFilename(target.FileID, target.Name))
	tempPath := finalPath + ".part"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}

	return &FileSink{
		target:    target,
		file:      file,
		writer:    bufio.NewWriterSize(file, 256*1024),
		tempPath:  tempPath,
		finalPath: finalPath,
	}, nil
}

func (s *FileSink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	n, err := s.writer.Write(chunk)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write partial file: %w", err)
	}
	return nil
}

func (s *FileSink) Commit() (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSinkClosed
	}
	s.closed = true

	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		os.Remove(s.tempPath)
		return nil, fmt.Errorf("failed to final flush: %w", err)
	}
	if err := s.file.Close(); err != nil {
		os.Remove(s.tempPath)
		return nil, fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		os.Remove(s.tempPath)
		return nil, fmt.Errorf("finalize file: %w", err)
	}

	return &Artifact{
		FileID:   s.target.FileID,
		Name:     s.target.Name,
		MimeType: s.target.MimeType,
		Size:     s.written,
		Path:     s.finalPath,
	}, nil
}

func (s *FileSink) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.file.Close()
	if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

func prefixedFilename(fileID, name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == "/" || base == ".." {
		base = "file.bin"
	}
	return fileID + "_" + base
}
