// Package badger provides a Badger-based implementation of the storage
// interface.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/supermd/syncd/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path             string
	SyncWrites       bool
	ValueLogFileSize int64
	InMemory         bool
}

// BadgerStorage implements the Storage interface using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{db: db, config: config}, nil
}

// Key generation functions.
//
// User and mode ids are opaque and may contain the separator, so their
// segments are escaped; otherwise user "u:x"/mode "m" and user "u"/mode
// "x:m" would share a prefix and bleed into each other's logs.
var keySegment = strings.NewReplacer("%", "%25", ":", "%3A")

func documentKey(id string) []byte {
	return []byte(fmt.Sprintf("doc:%s", id))
}

func entryPrefix(userID, mode string) []byte {
	return []byte(fmt.Sprintf("mem:%s:%s:entry:", keySegment.Replace(userID), keySegment.Replace(mode)))
}

// entryKey orders entries lexicographically by creation time so prefix
// iteration yields the log oldest-first.
func entryKey(e *storage.MemoryEntry) []byte {
	suffix := fmt.Sprintf("%020d-%s", e.CreatedAt.UnixNano(), e.ID)
	return append(entryPrefix(e.UserID, e.Mode), suffix...)
}

func summaryKey(userID, mode string) []byte {
	return []byte(fmt.Sprintf("mem:%s:%s:summary", keySegment.Replace(userID), keySegment.Replace(mode)))
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// LoadDocumentText retrieves the persisted text of a document.
func (b *BadgerStorage) LoadDocumentText(ctx context.Context, docID string) (string, error) {
	var text string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(documentKey(docID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return &storage.NotFoundError{EntityType: "document", ID: docID}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			text = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// SaveDocumentText persists the converged text of a document.
func (b *BadgerStorage) SaveDocumentText(ctx context.Context, docID, text string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(documentKey(docID), []byte(text))
	})
}

// AppendEntries persists memory entries in one transaction.
func (b *BadgerStorage) AppendEntries(ctx context.Context, entries []*storage.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = time.Now().UTC()
			}
			data, err := serialize(e)
			if err != nil {
				return err
			}
			if err := txn.Set(entryKey(e), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListEntries returns all un-folded entries for a log in creation order.
func (b *BadgerStorage) ListEntries(ctx context.Context, userID, mode string) ([]*storage.MemoryEntry, error) {
	var entries []*storage.MemoryEntry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix(userID, mode)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e storage.MemoryEntry
			err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &e)
			})
			if err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteEntries removes folded entries by id.
func (b *BadgerStorage) DeleteEntries(ctx context.Context, userID, mode string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}

	return b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix(userID, mode)
		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			var e storage.MemoryEntry
			err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &e)
			})
			if err != nil {
				return err
			}
			if _, ok := doomed[e.ID]; ok {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSummary retrieves the summary for a (user, mode) log.
func (b *BadgerStorage) GetSummary(ctx context.Context, userID, mode string) (*storage.MemorySummary, error) {
	var summary storage.MemorySummary
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(userID, mode))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return &storage.NotFoundError{EntityType: "summary", ID: userID + "/" + mode}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &summary)
		})
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// PutSummary upserts the summary for a (user, mode) log.
func (b *BadgerStorage) PutSummary(ctx context.Context, summary *storage.MemorySummary) error {
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}
	data, err := serialize(summary)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(summaryKey(summary.UserID, summary.Mode), data)
	})
}

// Close closes the underlying Badger database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}
