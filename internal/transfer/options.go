package transfer

import (
	"time"

	"github.com/jaywantadh/chunkcast/config"
	"github.com/jaywantadh/chunkcast/internal/chunker"
	"github.com/jaywantadh/chunkcast/internal/metadata"
	"github.com/jaywantadh/chunkcast/internal/streaming"
	"github.com/jaywantadh/chunkcast/pkg/logging"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize      = 32
	DefaultHighWaterMark  = 1 << 20
	DefaultMaxPayloadSize = int64(2) << 30
)

// History persists one record per finished transfer.
type History interface {
	PutTransferRecord(rec metadata.TransferRecord) error
}

// Options configures an Engine. Zero values fall back to the defaults above.
type Options struct {
	LocalID          string
	ChunkSize        int
	BatchSize        int
	HighWaterMark    uint64
	MaxPayloadSize   int64
	ProgressInterval time.Duration
	HashAlgorithm    string

	Logger  logrus.FieldLogger
	History History
	// NewSink picks where an accepted inbound file is written. Defaults to
	// an in-memory sink.
	NewSink func(peerID string, meta TransferMeta) (streaming.Sink, error)

	OnProgress       func(Progress)
	OnTransferResult func(Result)
	// OnReceiveStart may decline an incoming file by returning false.
	OnReceiveStart     func(peerID string, meta TransferMeta) bool
	OnReceiveComplete  func(peerID string, artifact *streaming.Artifact)
	OnReceiveCorrupt   func(peerID string, err *CorruptionError)
	OnReceiveCancelled func(peerID string, meta TransferMeta, bytesReceived int64)
}

// OptionsFromConfig maps the application config onto engine options.
// Callbacks, sinks and history are left for the caller.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		LocalID:          cfg.NodeID,
		ChunkSize:        cfg.ChunkSize,
		BatchSize:        cfg.BatchSize,
		HighWaterMark:    cfg.HighWaterMark,
		MaxPayloadSize:   cfg.MaxPayloadSize,
		ProgressInterval: cfg.ProgressInterval,
		HashAlgorithm:    cfg.HashAlgorithm,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = chunker.DefaultChunkSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.HashAlgorithm == "" {
		o.HashAlgorithm = chunker.HashMD5
	}
	if o.Logger == nil {
		o.Logger = logging.Logger()
	}
	if o.NewSink == nil {
		o.NewSink = MemorySinks
	}
	return o
}

func (m TransferMeta) target() streaming.Target {
	return streaming.Target{
		FileID:   m.FileID,
		Name:     m.Name,
		MimeType: m.MimeType,
		Size:     m.ByteSize,
	}
}
