package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Supported content digests. Both produce 128-bit hex strings.
const (
	HashMD5     = "md5"
	HashBlake2b = "blake2b"
)

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", HashMD5:
		return md5.New(), nil
	case HashBlake2b:
		return blake2b.New(16, nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// Digest hashes the whole payload once, before any chunk leaves the sender.
func Digest(payload []byte, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RunningHash folds chunks into a digest as they arrive.
type RunningHash struct {
	hasher hash.Hash
	mu     sync.Mutex
}

// NewRunningHash creates a new streaming hasher
func NewRunningHash(algorithm string) (*RunningHash, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &RunningHash{hasher: h}, nil
}

// Update adds data to the hash calculation
func (rh *RunningHash) Update(data []byte) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hasher.Write(data)
}

// Finalize returns the hex digest of everything folded in so far.
func (rh *RunningHash) Finalize() string {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	return hex.EncodeToString(rh.hasher.Sum(nil))
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
