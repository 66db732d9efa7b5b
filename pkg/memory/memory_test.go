package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/storage"
	memstore "github.com/supermd/syncd/pkg/storage/memory"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"hello world, this is a test!", 7},
		{"你好", 2},
		{"你好ab", 3},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func entriesOfTokens(n, tokens int) []*Entry {
	out := make([]*Entry, n)
	for i := range out {
		out[i] = &Entry{
			Role:    "user",
			Content: fmt.Sprintf("entry %d", i),
			Tokens:  tokens,
		}
	}
	return out
}

func newTestService(t *testing.T, cfg Config, opts ...ServiceOption) (*Service, *memstore.MemoryStorage) {
	t.Helper()
	store := memstore.NewMemoryStorage()
	return NewService(logger.Nop(), store, cfg, opts...), store
}

func TestService_AppendFillsDefaults(t *testing.T) {
	svc, store := newTestService(t, Config{})
	ctx := context.Background()

	err := svc.Append(ctx, "u1", "chat", []*Entry{{Role: "user", Content: "hello world"}})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := store.ListEntries(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("entry defaults not filled: %+v", e)
	}
	if e.Tokens != EstimateTokens("hello world") {
		t.Fatalf("tokens = %d, want estimate", e.Tokens)
	}
	if e.UserID != "u1" || e.Mode != "chat" {
		t.Fatalf("log key not stamped: %+v", e)
	}
}

func TestService_TrimNoopWithinBudget(t *testing.T) {
	svc, store := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4})
	ctx := context.Background()

	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(5, 200)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	entries, _ := store.ListEntries(ctx, "u1", "chat")
	if len(entries) != 5 {
		t.Fatalf("len = %d, want 5 (no trimming below the ceiling)", len(entries))
	}
}

func TestService_TrimDropsOldestWithoutSummarizer(t *testing.T) {
	svc, _ := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4})
	ctx := context.Background()

	// 10 entries of 200 tokens: total 2000, overflow 400. The fold needs
	// at least 400 tokens and at least 4 entries, so exactly the 4 oldest
	// go, leaving 6 entries and 1200 tokens.
	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(10, 200)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	w, err := svc.Load(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(w.Entries) != 6 {
		t.Fatalf("surviving entries = %d, want 6", len(w.Entries))
	}
	if w.Entries[0].Content != "entry 4" {
		t.Fatalf("oldest survivor = %q, want entry 4", w.Entries[0].Content)
	}
	if w.Summary != nil {
		t.Fatal("no summarizer configured, summary must stay absent")
	}
	if got := w.Tokens(); got != 1200 {
		t.Fatalf("window tokens = %d, want 1200", got)
	}
}

type fakeSummarizer struct {
	prior   string
	batches [][]*Entry
	out     string
	err     error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prior string, batch []*Entry) (string, error) {
	f.prior = prior
	f.batches = append(f.batches, batch)
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestService_TrimFoldsIntoSummary(t *testing.T) {
	fake := &fakeSummarizer{out: "condensed history"}
	svc, _ := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4}, WithSummarizer(fake))
	ctx := context.Background()

	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(10, 200)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if len(fake.batches) != 1 || len(fake.batches[0]) != 4 {
		t.Fatalf("summarizer batches = %v, want one batch of 4", fake.batches)
	}
	if fake.prior != "" {
		t.Fatalf("prior = %q, want empty on first fold", fake.prior)
	}

	w, _ := svc.Load(ctx, "u1", "chat")
	if w.Summary == nil || w.Summary.Content != "condensed history" {
		t.Fatalf("summary = %+v, want condensed history", w.Summary)
	}
	if w.Summary.Tokens != EstimateTokens("condensed history") {
		t.Fatalf("summary tokens = %d, want estimate", w.Summary.Tokens)
	}
	if len(w.Entries) != 6 {
		t.Fatalf("surviving entries = %d, want 6", len(w.Entries))
	}
}

func TestService_TrimCarriesPriorSummaryForward(t *testing.T) {
	fake := &fakeSummarizer{out: "v2"}
	svc, store := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4}, WithSummarizer(fake))
	ctx := context.Background()

	if err := store.PutSummary(ctx, &Summary{
		UserID: "u1", Mode: "chat", Content: "v1", Tokens: 100,
	}); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}

	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(10, 200)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if fake.prior != "v1" {
		t.Fatalf("prior = %q, want v1", fake.prior)
	}

	summary, err := store.GetSummary(ctx, "u1", "chat")
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.Content != "v2" {
		t.Fatalf("summary content = %q, want v2", summary.Content)
	}
}

func TestService_SummarizerFailureDropsBatch(t *testing.T) {
	fake := &fakeSummarizer{err: errors.New("model unavailable")}
	svc, store := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4}, WithSummarizer(fake))
	ctx := context.Background()

	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(10, 200)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, _ := store.ListEntries(ctx, "u1", "chat")
	if len(entries) != 6 {
		t.Fatalf("surviving entries = %d, want 6 after lossy fallback", len(entries))
	}
	if _, err := store.GetSummary(ctx, "u1", "chat"); !isNotFound(err) {
		t.Fatalf("summary err = %v, want not found after failed summarization", err)
	}
}

func TestService_MinBatchRelaxedWhenLogExhausted(t *testing.T) {
	svc, store := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4})
	ctx := context.Background()

	// Two huge entries: the overflow is covered before the batch reaches
	// MinBatch, and the log runs out; both fold anyway.
	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(2, 1000)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	entries, _ := store.ListEntries(ctx, "u1", "chat")
	if len(entries) != 0 {
		t.Fatalf("surviving entries = %d, want 0", len(entries))
	}
}

func TestService_SingleEntryOverCeiling(t *testing.T) {
	svc, store := newTestService(t, Config{MaxTokens: 1600, MinBatch: 4})
	ctx := context.Background()

	if err := svc.Append(ctx, "u1", "chat", entriesOfTokens(1, 5000)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	entries, _ := store.ListEntries(ctx, "u1", "chat")
	if len(entries) != 0 {
		t.Fatalf("surviving entries = %d, want 0", len(entries))
	}
}

func TestService_TrimPassCapTerminates(t *testing.T) {
	// A summarizer whose output alone exceeds the ceiling forces repeated
	// passes; the loop must still terminate with the log drained.
	fake := &fakeSummarizer{out: "x"}
	svc, _ := newTestService(t, Config{MaxTokens: 10, MinBatch: 2, MaxTrimPasses: 3},
		WithSummarizer(fake), WithEstimator(func(string) int { return 100 }))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- svc.Append(ctx, "u1", "chat", entriesOfTokens(8, 5))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trim loop did not terminate")
	}
}

var errDown = errors.New("backend down")

type downMemoryStore struct{}

func (downMemoryStore) AppendEntries(context.Context, []*storage.MemoryEntry) error {
	return &storage.StorageUnavailableError{Cause: errDown}
}

func (downMemoryStore) ListEntries(context.Context, string, string) ([]*storage.MemoryEntry, error) {
	return nil, &storage.StorageUnavailableError{Cause: errDown}
}

func (downMemoryStore) DeleteEntries(context.Context, string, string, []string) error {
	return &storage.StorageUnavailableError{Cause: errDown}
}

func (downMemoryStore) GetSummary(context.Context, string, string) (*storage.MemorySummary, error) {
	return nil, &storage.StorageUnavailableError{Cause: errDown}
}

func (downMemoryStore) PutSummary(context.Context, *storage.MemorySummary) error {
	return &storage.StorageUnavailableError{Cause: errDown}
}

func TestService_LoadDegradesWhenStoreDown(t *testing.T) {
	svc := NewService(logger.Nop(), downMemoryStore{}, Config{})

	w, err := svc.Load(context.Background(), "u1", "chat")
	if err != nil {
		t.Fatalf("Load must not surface store failures, got %v", err)
	}
	if w.Summary != nil || len(w.Entries) != 0 {
		t.Fatalf("window = %+v, want empty", w)
	}
}

func TestService_AppendSurfacesStoreFailure(t *testing.T) {
	svc := NewService(logger.Nop(), downMemoryStore{}, Config{})

	err := svc.Append(context.Background(), "u1", "chat", entriesOfTokens(1, 10))
	var unavailable *storage.StorageUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want StorageUnavailableError", err)
	}
}

func TestService_AppendRejectsMissingLogKey(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	if err := svc.Append(context.Background(), "", "chat", entriesOfTokens(1, 1)); err == nil {
		t.Fatal("empty user id must error")
	}
	if err := svc.Append(context.Background(), "u1", "", entriesOfTokens(1, 1)); err == nil {
		t.Fatal("empty mode must error")
	}
}

func TestService_ConcurrentAppendsStayUnderBudget(t *testing.T) {
	svc, _ := newTestService(t, Config{MaxTokens: 400, MinBatch: 2})
	ctx := context.Background()

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			done <- svc.Append(ctx, "u1", "chat", entriesOfTokens(4, 50))
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	w, _ := svc.Load(ctx, "u1", "chat")
	if got := w.Tokens(); got > 400 {
		t.Fatalf("window tokens = %d, want <= 400", got)
	}
}
