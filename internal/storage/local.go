package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaywantadh/chunkcast/internal/compressor"
	"github.com/jaywantadh/chunkcast/internal/streaming"
)

const (
	compressedExt = ".lz4"
	plainExt      = ".bin"
)

var _ Storage = (*Inbox)(nil)

// Inbox implements Storage on the local filesystem. Each file is kept as
// <fileID>.lz4 or, when compression is off or pointless, <fileID>.bin.
type Inbox struct {
	basePath string
	compress bool
}

// NewInbox creates a new Inbox rooted at basePath.
func NewInbox(basePath string, compress bool) (*Inbox, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Inbox{basePath: basePath, compress: compress}, nil
}

// Save copies the artifact into the store. An artifact backed by a file is
// removed from its staging location once stored.
func (s *Inbox) Save(artifact *streaming.Artifact) (StoredFile, error) {
	if artifact == nil || artifact.FileID == "" || strings.ContainsAny(artifact.FileID, `/\`) {
		return StoredFile{}, fmt.Errorf("invalid artifact")
	}

	compress := s.compress && !compressor.ShouldSkipCompression(artifact.Name, artifact.MimeType)
	ext := plainExt
	if compress {
		ext = compressedExt
	}
	finalPath := filepath.Join(s.basePath, artifact.FileID+ext)
	tempPath := finalPath + ".tmp"

	src, err := artifact.Open()
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to create stored file: %w", err)
	}
	var written int64
	if compress {
		written, err = compressor.CompressStream(dst, src)
	} else {
		written, err = io.Copy(dst, src)
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return StoredFile{}, fmt.Errorf("failed to write stored file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return StoredFile{}, fmt.Errorf("failed to finalize stored file: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return StoredFile{}, err
	}
	if artifact.Path != "" && artifact.Path != finalPath {
		os.Remove(artifact.Path)
	}

	return StoredFile{
		FileID:     artifact.FileID,
		Name:       artifact.Name,
		Path:       finalPath,
		Size:       written,
		StoredSize: info.Size(),
		Compressed: compress,
	}, nil
}

// Open returns the original content, decompressing if needed.
func (s *Inbox) Open(fileID string) (io.ReadCloser, error) {
	path, compressed, err := s.locate(fileID)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stored file: %w", err)
	}
	if !compressed {
		return file, nil
	}
	return &decompressingReader{Reader: compressor.NewReader(file), file: file}, nil
}

// Export writes the original content of fileID to dest.
func (s *Inbox) Export(fileID, dest string) (int64, error) {
	src, err := s.Open(fileID)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return n, fmt.Errorf("failed to export %s: %w", fileID, err)
	}
	return n, nil
}

// Remove deletes a stored file.
func (s *Inbox) Remove(fileID string) error {
	path, _, err := s.locate(fileID)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (s *Inbox) locate(fileID string) (string, bool, error) {
	if fileID == "" || strings.ContainsAny(fileID, `/\`) {
		return "", false, fmt.Errorf("invalid file id %q", fileID)
	}
	for _, ext := range []string{compressedExt, plainExt} {
		path := filepath.Join(s.basePath, fileID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, ext == compressedExt, nil
		}
	}
	return "", false, fmt.Errorf("file not found: %s", fileID)
}

type decompressingReader struct {
	io.Reader
	file *os.File
}

func (r *decompressingReader) Close() error {
	return r.file.Close()
}
