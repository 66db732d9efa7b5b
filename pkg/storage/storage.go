// Package storage provides persistent storage abstraction for document
// text and conversational memory logs.
package storage

import (
	"context"
	"fmt"
	"time"
)

// MemoryEntry is one persisted conversational turn. Entries are append-only
// and ordered by creation time; they are deleted only when folded into a
// summary.
type MemoryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Mode      string    `json:"mode"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sources   []string  `json:"sources,omitempty"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// MemorySummary is the running summary for a (user, mode) log. At most one
// exists per pair; PutSummary replaces it atomically.
type MemorySummary struct {
	UserID    string    `json:"user_id"`
	Mode      string    `json:"mode"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentStore persists the converged text of collaborative documents.
// It holds plain text only; CRDT internals never reach the store.
type DocumentStore interface {
	LoadDocumentText(ctx context.Context, docID string) (string, error)
	SaveDocumentText(ctx context.Context, docID, text string) error
}

// MemoryStore persists conversational memory logs and their summaries.
type MemoryStore interface {
	AppendEntries(ctx context.Context, entries []*MemoryEntry) error
	ListEntries(ctx context.Context, userID, mode string) ([]*MemoryEntry, error)
	DeleteEntries(ctx context.Context, userID, mode string, ids []string) error
	GetSummary(ctx context.Context, userID, mode string) (*MemorySummary, error)
	PutSummary(ctx context.Context, summary *MemorySummary) error
}

// Storage combines both stores behind one backend lifecycle.
type Storage interface {
	DocumentStore
	MemoryStore
	Close() error
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}
