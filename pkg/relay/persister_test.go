package relay

import (
	"context"
	"testing"
	"time"

	"github.com/supermd/syncd/pkg/crdt"
	"github.com/supermd/syncd/pkg/logger"
	memstore "github.com/supermd/syncd/pkg/storage/memory"
)

func updatePayload(t *testing.T, client uint64, text string) []byte {
	t.Helper()
	doc, err := crdt.NewDocument(client)
	if err != nil {
		t.Fatalf("NewDocument failed: %v", err)
	}
	update, err := doc.Insert(0, text)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	data, err := update.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func waitForText(t *testing.T, store *memstore.MemoryStorage, room, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		text, err := store.LoadDocumentText(context.Background(), room)
		if err == nil && text == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	text, err := store.LoadDocumentText(context.Background(), room)
	t.Fatalf("stored text = %q (err %v), want %q", text, err, want)
}

func TestPersister_DebouncedSave(t *testing.T) {
	store := memstore.NewMemoryStorage()
	p := NewPersister(logger.Nop(), store, 20*time.Millisecond)

	p.RoomUpdate("doc-1", updatePayload(t, 7, "hello"))
	waitForText(t, store, "doc-1", "hello")
}

func TestPersister_RoomClosedFlushesDirtyState(t *testing.T) {
	store := memstore.NewMemoryStorage()
	p := NewPersister(logger.Nop(), store, time.Hour)

	p.RoomUpdate("doc-1", updatePayload(t, 7, "flushed"))
	p.RoomClosed("doc-1")

	text, err := store.LoadDocumentText(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("LoadDocumentText failed: %v", err)
	}
	if text != "flushed" {
		t.Fatalf("text = %q, want flushed", text)
	}

	// A second close for the same room is a no-op.
	p.RoomClosed("doc-1")
}

func TestPersister_DropsMalformedUpdates(t *testing.T) {
	store := memstore.NewMemoryStorage()
	p := NewPersister(logger.Nop(), store, time.Hour)

	p.RoomUpdate("doc-1", []byte("not an update"))
	p.RoomClosed("doc-1")

	if _, err := store.LoadDocumentText(context.Background(), "doc-1"); err == nil {
		t.Fatal("malformed update must not produce a saved document")
	}
}

func TestPersister_BootstrapSeedsFromStore(t *testing.T) {
	store := memstore.NewMemoryStorage()
	ctx := context.Background()
	if err := store.SaveDocumentText(ctx, "doc-1", "stored text"); err != nil {
		t.Fatalf("SaveDocumentText failed: %v", err)
	}

	p := NewPersister(logger.Nop(), store, time.Hour)
	payload, err := p.Bootstrap(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	update, err := crdt.DecodeUpdate(payload)
	if err != nil {
		t.Fatalf("DecodeUpdate failed: %v", err)
	}
	doc, _ := crdt.NewDocument(3)
	if err := doc.ApplyUpdate(update); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if doc.Text() != "stored text" {
		t.Fatalf("bootstrapped text = %q, want %q", doc.Text(), "stored text")
	}
}

func TestPersister_BootstrapUnknownDocumentIsEmpty(t *testing.T) {
	p := NewPersister(logger.Nop(), memstore.NewMemoryStorage(), time.Hour)

	payload, err := p.Bootstrap(context.Background(), "brand-new")
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if payload != nil {
		t.Fatalf("payload = %q, want nil for a cold empty document", payload)
	}
}

// gatedDocStore blocks LoadDocumentText for one document until its gate
// opens, standing in for a slow storage backend.
type gatedDocStore struct {
	*memstore.MemoryStorage
	slowDoc string
	gate    chan struct{}
}

func (g *gatedDocStore) LoadDocumentText(ctx context.Context, docID string) (string, error) {
	if docID == g.slowDoc {
		<-g.gate
	}
	return g.MemoryStorage.LoadDocumentText(ctx, docID)
}

func TestPersister_SlowRoomLoadDoesNotBlockOthers(t *testing.T) {
	inner := memstore.NewMemoryStorage()
	store := &gatedDocStore{MemoryStorage: inner, slowDoc: "cold", gate: make(chan struct{})}
	p := NewPersister(logger.Nop(), store, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.Bootstrap(context.Background(), "cold"); err != nil {
			t.Errorf("Bootstrap failed: %v", err)
		}
	}()

	// While the cold room's seed load hangs, other rooms keep flowing.
	p.RoomUpdate("hot", updatePayload(t, 7, "hot text"))
	waitForText(t, inner, "hot", "hot text")

	close(store.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gated bootstrap never completed")
	}
}

func TestPersister_MergesUpdatesOntoSeededState(t *testing.T) {
	store := memstore.NewMemoryStorage()
	ctx := context.Background()
	if err := store.SaveDocumentText(ctx, "doc-1", "base"); err != nil {
		t.Fatalf("SaveDocumentText failed: %v", err)
	}

	p := NewPersister(logger.Nop(), store, 20*time.Millisecond)

	// A client edits against the seeded state it got from Bootstrap.
	payload, err := p.Bootstrap(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	seed, err := crdt.DecodeUpdate(payload)
	if err != nil {
		t.Fatalf("DecodeUpdate failed: %v", err)
	}
	doc, _ := crdt.NewDocument(5)
	if err := doc.ApplyUpdate(seed); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	edit, err := doc.Insert(doc.Len(), "!")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	data, err := edit.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	p.RoomUpdate("doc-1", data)
	waitForText(t, store, "doc-1", "base!")
}
