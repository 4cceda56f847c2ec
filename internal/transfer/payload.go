package transfer

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

const defaultMimeType = "application/octet-stream"

// Payload is something the engine can send. Size is checked when the send is
// enqueued; Load runs only once the transfer reaches the head of the queue.
type Payload interface {
	Name() string
	MimeType() string
	Size() (int64, error)
	Load() ([]byte, error)
}

type bytesPayload struct {
	name string
	mime string
	data []byte
}

// BytesPayload wraps an in-memory buffer. The buffer must not be modified
// until the transfer finishes.
func BytesPayload(name, mimeType string, data []byte) Payload {
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return &bytesPayload{name: name, mime: mimeType, data: data}
}

func (p *bytesPayload) Name() string          { return p.name }
func (p *bytesPayload) MimeType() string      { return p.mime }
func (p *bytesPayload) Size() (int64, error)  { return int64(len(p.data)), nil }
func (p *bytesPayload) Load() ([]byte, error) { return p.data, nil }

type filePayload struct {
	path string
}

// FilePayload sends the file at path. The media type comes from the extension.
func FilePayload(path string) Payload {
	return &filePayload{path: path}
}

func (p *filePayload) Name() string {
	return filepath.Base(p.path)
}

func (p *filePayload) MimeType() string {
	if t := mime.TypeByExtension(filepath.Ext(p.path)); t != "" {
		return t
	}
	return defaultMimeType
}

func (p *filePayload) Size() (int64, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", p.path)
	}
	return info.Size(), nil
}

func (p *filePayload) Load() ([]byte, error) {
	return os.ReadFile(p.path)
}
