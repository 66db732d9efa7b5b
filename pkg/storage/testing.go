package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// StorageTestSuite defines a test suite that can be run against any
// Storage implementation.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) Storage
}

// RunAllTests runs all storage tests against the provided implementation.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("DocumentRoundTrip", s.TestDocumentRoundTrip)
	t.Run("DocumentNotFound", s.TestDocumentNotFound)
	t.Run("EntryAppendAndList", s.TestEntryAppendAndList)
	t.Run("EntryLogIsolation", s.TestEntryLogIsolation)
	t.Run("EntryDeletion", s.TestEntryDeletion)
	t.Run("SummaryUpsert", s.TestSummaryUpsert)
	t.Run("SummaryNotFound", s.TestSummaryNotFound)
	t.Run("ConcurrentAppends", s.TestConcurrentAppends)
}

func testEntry(userID, mode, content string, tokens int, at time.Time) *MemoryEntry {
	return &MemoryEntry{
		ID:        fmt.Sprintf("%s-%s-%d", userID, mode, at.UnixNano()),
		UserID:    userID,
		Mode:      mode,
		Role:      "human",
		Content:   content,
		Tokens:    tokens,
		CreatedAt: at,
	}
}

// TestDocumentRoundTrip verifies save/load/overwrite of document text.
func (s *StorageTestSuite) TestDocumentRoundTrip(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.SaveDocumentText(ctx, "doc-1", "# Notes\n"); err != nil {
		t.Fatalf("SaveDocumentText failed: %v", err)
	}
	text, err := store.LoadDocumentText(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LoadDocumentText failed: %v", err)
	}
	if text != "# Notes\n" {
		t.Fatalf("text = %q", text)
	}

	if err := store.SaveDocumentText(ctx, "doc-1", "# Notes v2\n"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	text, err = store.LoadDocumentText(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LoadDocumentText after overwrite failed: %v", err)
	}
	if text != "# Notes v2\n" {
		t.Fatalf("text = %q, want overwritten content", text)
	}
}

// TestDocumentNotFound verifies the NotFoundError taxonomy.
func (s *StorageTestSuite) TestDocumentNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	_, err := store.LoadDocumentText(context.Background(), "missing")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

// TestEntryAppendAndList verifies creation-order listing.
func (s *StorageTestSuite) TestEntryAppendAndList(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	entries := []*MemoryEntry{
		testEntry("u1", "chat", "first", 10, base),
		testEntry("u1", "chat", "second", 20, base.Add(time.Millisecond)),
		testEntry("u1", "chat", "third", 30, base.Add(2*time.Millisecond)),
	}
	if err := store.AppendEntries(ctx, entries); err != nil {
		t.Fatalf("AppendEntries failed: %v", err)
	}

	got, err := store.ListEntries(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Fatalf("entry %d = %q, want %q", i, got[i].Content, want)
		}
	}
}

// TestEntryLogIsolation verifies (user, mode) partitioning.
func (s *StorageTestSuite) TestEntryLogIsolation(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	err := store.AppendEntries(ctx, []*MemoryEntry{
		testEntry("u1", "chat", "chat entry", 5, now),
		testEntry("u1", "research", "research entry", 5, now),
		testEntry("u2", "chat", "other user", 5, now),
	})
	if err != nil {
		t.Fatalf("AppendEntries failed: %v", err)
	}

	got, err := store.ListEntries(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "chat entry" {
		t.Fatalf("got = %+v, want only the u1/chat entry", got)
	}

	// Ids are opaque and may contain whatever the backend uses as a key
	// separator. (u:x, m) and (u, x:m) are distinct logs.
	private := testEntry("u:x", "m", "private to u:x", 5, now)
	if err := store.AppendEntries(ctx, []*MemoryEntry{private}); err != nil {
		t.Fatalf("AppendEntries failed: %v", err)
	}
	leaked, err := store.ListEntries(ctx, "u", "x:m")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(leaked) != 0 {
		t.Fatalf("user u mode x:m sees %d foreign entries: %+v", len(leaked), leaked)
	}
	if err := store.DeleteEntries(ctx, "u", "x:m", []string{private.ID}); err != nil {
		t.Fatalf("DeleteEntries failed: %v", err)
	}
	kept, err := store.ListEntries(ctx, "u:x", "m")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(kept) != 1 || kept[0].Content != "private to u:x" {
		t.Fatalf("got = %+v, want the u:x/m entry untouched", kept)
	}
}

// TestEntryDeletion verifies deletion of folded entries by id.
func (s *StorageTestSuite) TestEntryDeletion(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().UTC()
	entries := []*MemoryEntry{
		testEntry("u1", "chat", "fold me", 10, base),
		testEntry("u1", "chat", "keep me", 10, base.Add(time.Millisecond)),
	}
	if err := store.AppendEntries(ctx, entries); err != nil {
		t.Fatalf("AppendEntries failed: %v", err)
	}

	if err := store.DeleteEntries(ctx, "u1", "chat", []string{entries[0].ID}); err != nil {
		t.Fatalf("DeleteEntries failed: %v", err)
	}

	got, err := store.ListEntries(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(got) != 1 || got[0].Content != "keep me" {
		t.Fatalf("got = %+v, want only the kept entry", got)
	}

	// Deleting already-deleted ids is a no-op.
	if err := store.DeleteEntries(ctx, "u1", "chat", []string{entries[0].ID}); err != nil {
		t.Fatalf("repeat DeleteEntries failed: %v", err)
	}
}

// TestSummaryUpsert verifies atomic replacement of the running summary.
func (s *StorageTestSuite) TestSummaryUpsert(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	first := &MemorySummary{UserID: "u1", Mode: "chat", Content: "v1", Tokens: 2}
	if err := store.PutSummary(ctx, first); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}
	second := &MemorySummary{UserID: "u1", Mode: "chat", Content: "v2", Tokens: 3}
	if err := store.PutSummary(ctx, second); err != nil {
		t.Fatalf("PutSummary upsert failed: %v", err)
	}

	got, err := store.GetSummary(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if got.Content != "v2" || got.Tokens != 3 {
		t.Fatalf("summary = %+v, want replaced content", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should be stamped on upsert")
	}
}

// TestSummaryNotFound verifies the missing-summary error.
func (s *StorageTestSuite) TestSummaryNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	_, err := store.GetSummary(context.Background(), "u1", "chat")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

// TestConcurrentAppends verifies appends from multiple goroutines land.
func (s *StorageTestSuite) TestConcurrentAppends(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			e := testEntry("u1", "chat", fmt.Sprintf("writer %d", w), 1,
				time.Now().UTC().Add(time.Duration(w)*time.Microsecond))
			e.ID = fmt.Sprintf("concurrent-%d", w)
			if err := store.AppendEntries(ctx, []*MemoryEntry{e}); err != nil {
				t.Errorf("AppendEntries failed: %v", err)
			}
		}(w)
	}
	wg.Wait()

	got, err := store.ListEntries(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(got) != writers {
		t.Fatalf("len = %d, want %d", len(got), writers)
	}
}
