package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaywantadh/chunkcast/internal/chunker"
	"github.com/sirupsen/logrus"
)

// Status is the terminal outcome of one outbound file.
type Status string

const (
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Result is emitted once per outbound file after every destination settled.
type Result struct {
	FileID     string
	Name       string
	Size       int64
	MimeType   string
	Hash       string
	Status     Status
	Completed  []string
	Cancelled  []string
	Failed     []string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// OutboundTransfer fans one payload out to every destination as independent
// sub-transfers sharing the same chunks and digest.
type OutboundTransfer struct {
	meta   TransferMeta
	hash   string
	subs   []*OutboundSubTransfer
	byDest map[string]*OutboundSubTransfer
	log    logrus.FieldLogger
}

func newOutboundTransfer(meta TransferMeta, hash string, payload []byte, destinations []string,
	lookup func(string) PeerChannel, flow flowControl, progress *ProgressTracker, log logrus.FieldLogger) (*OutboundTransfer, error) {
	chunks, err := chunker.Split(payload, meta.ChunkSize)
	if err != nil {
		return nil, err
	}
	t := &OutboundTransfer{
		meta:   meta,
		hash:   hash,
		byDest: make(map[string]*OutboundSubTransfer, len(destinations)),
		log:    log,
	}
	for _, dest := range destinations {
		sub := newOutboundSubTransfer(meta, hash, chunks, dest, lookup(dest), flow, progress, log)
		t.subs = append(t.subs, sub)
		t.byDest[dest] = sub
	}
	return t, nil
}

// Run starts every sub-transfer and blocks until all of them are terminal.
// Cancelling ctx cancels whatever is still in flight.
func (t *OutboundTransfer) Run(ctx context.Context) Result {
	res := Result{
		FileID:    t.meta.FileID,
		Name:      t.meta.Name,
		Size:      t.meta.ByteSize,
		MimeType:  t.meta.MimeType,
		Hash:      t.hash,
		StartedAt: time.Now(),
	}

	var errs []error
	failed := make(map[string]bool)
	for _, sub := range t.subs {
		if err := sub.Start(); err != nil {
			t.log.Warnf("⚠️ Skipping destination %s: %v", sub.DestinationID(), err)
			failed[sub.DestinationID()] = true
			errs = append(errs, err)
		}
	}

	for _, sub := range t.subs {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			t.Cancel()
			<-sub.Done()
		}
	}

	for _, sub := range t.subs {
		dest := sub.DestinationID()
		switch {
		case failed[dest]:
			res.Failed = append(res.Failed, dest)
		case sub.State() == SubCompleted:
			res.Completed = append(res.Completed, dest)
		case errors.Is(sub.Err(), ErrChannelWriteFailure):
			res.Failed = append(res.Failed, dest)
			errs = append(errs, sub.Err())
		default:
			res.Cancelled = append(res.Cancelled, dest)
		}
	}

	switch {
	case len(res.Completed) > 0:
		res.Status = StatusSent
	case len(t.subs) == 0:
		res.Status = StatusFailed
		res.Err = ErrNoDestinations
	case len(res.Failed) > 0:
		res.Status = StatusFailed
		res.Err = errors.Join(errs...)
	default:
		res.Status = StatusCancelled
	}
	res.FinishedAt = time.Now()
	return res
}

func (t *OutboundTransfer) FileID() string {
	return t.meta.FileID
}

func (t *OutboundTransfer) Meta() TransferMeta {
	return t.meta
}

// Sub returns the sub-transfer for one destination, or nil.
func (t *OutboundTransfer) Sub(destinationID string) *OutboundSubTransfer {
	return t.byDest[destinationID]
}

// Cancel cancels every destination that has not finished yet.
func (t *OutboundTransfer) Cancel() {
	for _, sub := range t.subs {
		sub.Cancel()
	}
}

func (t *OutboundTransfer) Pause() {
	for _, sub := range t.subs {
		sub.Pause()
	}
}

func (t *OutboundTransfer) Resume() {
	for _, sub := range t.subs {
		sub.Resume()
	}
}

func (t *OutboundTransfer) CancelDestination(destinationID string) error {
	sub, err := t.lookup(destinationID)
	if err != nil {
		return err
	}
	sub.Cancel()
	return nil
}

func (t *OutboundTransfer) PauseDestination(destinationID string) error {
	sub, err := t.lookup(destinationID)
	if err != nil {
		return err
	}
	sub.Pause()
	return nil
}

func (t *OutboundTransfer) ResumeDestination(destinationID string) error {
	sub, err := t.lookup(destinationID)
	if err != nil {
		return err
	}
	sub.Resume()
	return nil
}

// abortDestination drops a destination whose link went away.
func (t *OutboundTransfer) abortDestination(destinationID string, cause error) {
	if sub := t.byDest[destinationID]; sub != nil {
		sub.abort(cause)
	}
}

func (t *OutboundTransfer) lookup(destinationID string) (*OutboundSubTransfer, error) {
	sub := t.byDest[destinationID]
	if sub == nil {
		return nil, fmt.Errorf("%w: %s has no destination %s", ErrUnknownTransfer, t.meta.FileID, destinationID)
	}
	return sub, nil
}
