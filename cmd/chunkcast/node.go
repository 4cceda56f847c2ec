package main

import (
	"fmt"
	"path/filepath"

	"github.com/jaywantadh/chunkcast/config"
	"github.com/jaywantadh/chunkcast/internal/metadata"
	"github.com/jaywantadh/chunkcast/internal/storage"
	"github.com/jaywantadh/chunkcast/internal/streaming"
	"github.com/jaywantadh/chunkcast/internal/transfer"
	"github.com/jaywantadh/chunkcast/pkg/logging"
)

// node bundles what a running chunkcast process owns.
type node struct {
	cfg     *config.AppConfig
	history *metadata.MetadataStore
	inbox   *storage.Inbox
	engine  *transfer.Engine
}

func metadataPath(cfg *config.AppConfig) string { return filepath.Join(cfg.StoragePath, "metadata") }
func inboxPath(cfg *config.AppConfig) string    { return filepath.Join(cfg.StoragePath, "inbox") }
func stagingPath(cfg *config.AppConfig) string  { return filepath.Join(cfg.StoragePath, "incoming") }

// openNode opens the history store and inbox and builds the engine around
// them. Without requireHistory a locked or missing store only disables
// history.
func openNode(cfg *config.AppConfig, requireHistory bool, onProgress func(transfer.Progress)) (*node, error) {
	log := logging.Logger()
	n := &node{cfg: cfg}

	history, err := metadata.OpenMetadataStore(metadataPath(cfg))
	if err != nil {
		if requireHistory {
			return nil, fmt.Errorf("failed to open metadata store: %w", err)
		}
		log.Warnf("⚠️ Transfer history disabled: %v", err)
	} else {
		n.history = history
	}

	n.inbox, err = storage.NewInbox(inboxPath(cfg), cfg.CompressAtRest)
	if err != nil {
		n.close()
		return nil, err
	}

	opts := transfer.OptionsFromConfig(cfg)
	opts.Logger = log
	if n.history != nil {
		opts.History = n.history
	}
	opts.NewSink = transfer.FileSinks(stagingPath(cfg))
	opts.OnProgress = onProgress
	opts.OnReceiveComplete = n.store
	opts.OnReceiveCorrupt = func(peerID string, err *transfer.CorruptionError) {
		log.Errorf("❌ Discarded %s from %s: %v", err.Name, peerID, err)
	}
	opts.OnReceiveCancelled = func(peerID string, meta transfer.TransferMeta, received int64) {
		log.Infof("🚫 %s from %s cancelled after %d bytes", meta.Name, peerID, received)
	}
	n.engine = transfer.NewEngine(opts)
	return n, nil
}

// store moves a verified file into the inbox and points its history record
// at the stored copy.
func (n *node) store(peerID string, artifact *streaming.Artifact) {
	log := logging.ForTransfer(logging.Logger(), artifact.FileID, peerID)
	stored, err := n.inbox.Save(artifact)
	if err != nil {
		log.Errorf("❌ Failed to store %s: %v", artifact.Name, err)
		return
	}
	log.Infof("📥 Stored %s (%d bytes, %d on disk)", stored.Name, stored.Size, stored.StoredSize)

	if n.history == nil {
		return
	}
	err = n.history.UpdateTransferRecord(artifact.FileID, string(transfer.DirectionReceive), func(rec *metadata.TransferRecord) {
		rec.StoredPath = stored.Path
		rec.Compressed = stored.Compressed
	})
	if err != nil {
		log.Warnf("⚠️ Failed to update history: %v", err)
	}
}

func (n *node) close() {
	if n.engine != nil {
		n.engine.Close()
	}
	if n.history != nil {
		n.history.Close()
	}
}
