package memory

import (
	"context"
	"testing"

	"github.com/supermd/syncd/pkg/storage"
)

func TestMemoryStorage_Conformance(t *testing.T) {
	suite := &storage.StorageTestSuite{
		NewStorage: func(t *testing.T) storage.Storage {
			return NewMemoryStorage()
		},
	}
	suite.RunAllTests(t)
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	entry := &storage.MemoryEntry{
		ID:      "e1",
		UserID:  "u1",
		Mode:    "chat",
		Content: "original",
		Sources: []string{"https://example.com"},
		Tokens:  3,
	}
	if err := store.AppendEntries(ctx, []*storage.MemoryEntry{entry}); err != nil {
		t.Fatalf("AppendEntries failed: %v", err)
	}

	// Mutating the caller's entry after append must not leak into storage.
	entry.Content = "mutated"
	entry.Sources[0] = "https://evil.example"

	got, err := store.ListEntries(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if got[0].Content != "original" || got[0].Sources[0] != "https://example.com" {
		t.Fatalf("stored entry mutated: %+v", got[0])
	}

	// Mutating a listed entry must not change the next read.
	got[0].Content = "also mutated"
	again, _ := store.ListEntries(ctx, "u1", "chat")
	if again[0].Content != "original" {
		t.Fatalf("listed entry aliases storage: %+v", again[0])
	}
}
