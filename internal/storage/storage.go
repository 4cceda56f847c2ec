package storage

import (
	"io"

	"github.com/jaywantadh/chunkcast/internal/streaming"
)

// Storage keeps received files after their hash has been verified.
type Storage interface {
	// Save takes ownership of a verified artifact and returns where it now lives.
	Save(artifact *streaming.Artifact) (StoredFile, error)
	// Open returns the original content of a stored file.
	Open(fileID string) (io.ReadCloser, error)
	// Remove deletes a stored file.
	Remove(fileID string) error
}

// StoredFile describes one object in the store.
type StoredFile struct {
	FileID     string `json:"file_id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	StoredSize int64  `json:"stored_size"`
	Compressed bool   `json:"compressed"`
}
