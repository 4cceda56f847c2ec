package compressor

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".xz": true, ".zst": true, ".lz4": true,
	".mp3": true, ".flac": true, ".aac": true, ".ogg": true,
	".apk": true, ".iso": true, ".pdf": true,
}

var skipMimePrefixes = []string{"image/", "video/", "audio/"}

var skipMimeTypes = map[string]bool{
	"application/zip":              true,
	"application/gzip":             true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"application/pdf":              true,
}

// ShouldSkipCompression reports whether a file is already compressed, judged
// by its name and, when known, its media type.
func ShouldSkipCompression(name, mimeType string) bool {
	if skipExtensions[strings.ToLower(filepath.Ext(name))] {
		return true
	}
	mimeType = strings.ToLower(mimeType)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if skipMimeTypes[mimeType] {
		return true
	}
	for _, prefix := range skipMimePrefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// CompressStream lz4-frames everything from src into dst.
func CompressStream(dst io.Writer, src io.Reader) (int64, error) {
	writer := lz4.NewWriter(dst)
	n, err := io.Copy(writer, src)
	if err != nil {
		return n, fmt.Errorf("compression failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("compression failed: %v", err)
	}
	return n, nil
}

// NewReader decompresses an lz4 frame stream.
func NewReader(src io.Reader) io.Reader {
	return lz4.NewReader(src)
}
