package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelUnavailable means the destination channel was not open when the
	// sub-transfer started, or closed while it was streaming.
	ErrChannelUnavailable = errors.New("transfer: channel unavailable")
	// ErrPayloadTooLarge rejects a send before anything touches the network.
	ErrPayloadTooLarge = errors.New("transfer: payload too large")
	// ErrChannelWriteFailure is a transport error while streaming; the affected
	// destination is cancelled.
	ErrChannelWriteFailure = errors.New("transfer: channel write failure")
	// ErrIntegrityMismatch means the received content does not hash to the
	// announced digest.
	ErrIntegrityMismatch = errors.New("transfer: integrity mismatch")
	// ErrQueueItemFailure means a queued payload could not be read or hashed.
	ErrQueueItemFailure = errors.New("transfer: queue item failure")

	ErrNoDestinations   = errors.New("transfer: no destinations")
	ErrUnknownTransfer  = errors.New("transfer: unknown transfer")
	ErrEngineClosed     = errors.New("transfer: engine closed")
	ErrTransferFinished = errors.New("transfer: already finished")
)

// CorruptionError reports a received file whose digest does not match what
// the sender announced in file-done. Partial data has already been discarded.
type CorruptionError struct {
	FileID   string
	Name     string
	Expected string
	Actual   string
	Reason   string
}

func (e *CorruptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("file %s (%s) corrupt: %s", e.FileID, e.Name, e.Reason)
	}
	return fmt.Sprintf("file %s (%s) corrupt: expected hash %s, got %s", e.FileID, e.Name, e.Expected, e.Actual)
}

func (e *CorruptionError) Unwrap() error {
	return ErrIntegrityMismatch
}
