// Package memory provides an in-memory implementation of the storage
// interface, used in tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/supermd/syncd/pkg/storage"
)

type logKey struct {
	userID string
	mode   string
}

// MemoryStorage implements the Storage interface using in-memory maps.
type MemoryStorage struct {
	mu        sync.RWMutex
	documents map[string]string
	entries   map[logKey][]*storage.MemoryEntry
	summaries map[logKey]*storage.MemorySummary
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		documents: make(map[string]string),
		entries:   make(map[logKey][]*storage.MemoryEntry),
		summaries: make(map[logKey]*storage.MemorySummary),
	}
}

// LoadDocumentText retrieves the persisted text of a document.
func (m *MemoryStorage) LoadDocumentText(ctx context.Context, docID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.documents[docID]
	if !ok {
		return "", &storage.NotFoundError{EntityType: "document", ID: docID}
	}
	return text, nil
}

// SaveDocumentText persists the converged text of a document.
func (m *MemoryStorage) SaveDocumentText(ctx context.Context, docID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[docID] = text
	return nil
}

// AppendEntries persists memory entries in arrival order.
func (m *MemoryStorage) AppendEntries(ctx context.Context, entries []*storage.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		copied := copyEntry(e)
		if copied.CreatedAt.IsZero() {
			copied.CreatedAt = time.Now().UTC()
		}
		key := logKey{userID: copied.UserID, mode: copied.Mode}
		m.entries[key] = append(m.entries[key], copied)
	}
	return nil
}

// ListEntries returns all un-folded entries for a log in creation order.
func (m *MemoryStorage) ListEntries(ctx context.Context, userID, mode string) ([]*storage.MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.entries[logKey{userID: userID, mode: mode}]
	out := make([]*storage.MemoryEntry, len(stored))
	for i, e := range stored {
		out[i] = copyEntry(e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteEntries removes folded entries by id.
func (m *MemoryStorage) DeleteEntries(ctx context.Context, userID, mode string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := logKey{userID: userID, mode: mode}
	kept := m.entries[key][:0]
	for _, e := range m.entries[key] {
		if _, ok := doomed[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	m.entries[key] = kept
	return nil
}

// GetSummary retrieves the summary for a (user, mode) log.
func (m *MemoryStorage) GetSummary(ctx context.Context, userID, mode string) (*storage.MemorySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.summaries[logKey{userID: userID, mode: mode}]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "summary", ID: userID + "/" + mode}
	}
	copied := *summary
	return &copied, nil
}

// PutSummary upserts the summary for a (user, mode) log.
func (m *MemoryStorage) PutSummary(ctx context.Context, summary *storage.MemorySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *summary
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = time.Now().UTC()
	}
	m.summaries[logKey{userID: copied.UserID, mode: copied.Mode}] = &copied
	return nil
}

// Close releases nothing; it exists to satisfy the Storage interface.
func (m *MemoryStorage) Close() error {
	return nil
}

// copyEntry deep-copies an entry to avoid external modifications.
func copyEntry(e *storage.MemoryEntry) *storage.MemoryEntry {
	copied := *e
	if e.Sources != nil {
		copied.Sources = append([]string(nil), e.Sources...)
	}
	return &copied
}
