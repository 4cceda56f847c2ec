package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Record statuses. Outbound records use sent, cancelled or failed; inbound
// records use verified, corrupt or cancelled.
const (
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusVerified  = "verified"
	StatusCorrupt   = "corrupt"
)

const keyPrefix = "transfer:"

// TransferRecord is the history entry of one finished transfer.
type TransferRecord struct {
	FileID     string    `json:"file_id"`
	Direction  string    `json:"direction"`
	Peers      []string  `json:"peers"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	Hash       string    `json:"hash"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	StoredPath string    `json:"stored_path,omitempty"`
	Compressed bool      `json:"compressed,omitempty"`
}

// MetadataStore wraps BadgerDB for transfer history.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %v", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

func recordKey(fileID, direction string) []byte {
	return []byte(keyPrefix + fileID + ":" + direction)
}

// PutTransferRecord stores or replaces a record.
func (ms *MetadataStore) PutTransferRecord(rec TransferRecord) error {
	if rec.FileID == "" || rec.Direction == "" {
		return fmt.Errorf("transfer record needs file id and direction")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.FileID, rec.Direction), val)
	})
}

// FindTransferRecord looks a file up regardless of direction. A fileID
// prefix is accepted as long as it is unambiguous.
func (ms *MetadataStore) FindTransferRecord(fileID string) (TransferRecord, error) {
	var matches []TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix + fileID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			matches = append(matches, rec)
		}
		return nil
	})
	if err != nil {
		return TransferRecord{}, err
	}
	if len(matches) == 0 {
		return TransferRecord{}, fmt.Errorf("transfer record not found: %s", fileID)
	}
	for _, rec := range matches[1:] {
		if rec.FileID != matches[0].FileID {
			return TransferRecord{}, fmt.Errorf("transfer id %s is ambiguous", fileID)
		}
	}
	// Same file in both directions: prefer the copy with stored content.
	for _, rec := range matches {
		if rec.StoredPath != "" {
			return rec, nil
		}
	}
	return matches[0], nil
}

// UpdateTransferRecord applies fn to a stored record in one transaction.
func (ms *MetadataStore) UpdateTransferRecord(fileID, direction string, fn func(*TransferRecord)) error {
	key := recordKey(fileID, direction)
	return ms.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("transfer record not found: %s (%s)", fileID, direction)
			}
			return err
		}
		var rec TransferRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		fn(&rec)
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
}

// ListTransferRecords returns every record, most recently finished first.
// A non-empty direction filters by direction.
func (ms *MetadataStore) ListTransferRecords(direction string) ([]TransferRecord, error) {
	var out []TransferRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if direction == "" || rec.Direction == direction {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	return out, nil
}

// DeleteTransferRecord removes a record. Missing records are not an error.
func (ms *MetadataStore) DeleteTransferRecord(fileID, direction string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(fileID, direction))
	})
}
