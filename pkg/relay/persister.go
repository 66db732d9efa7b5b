package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/supermd/syncd/pkg/crdt"
	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/storage"
)

// seedClientID is the reserved replica id the persister edits under when
// seeding a document from stored text. Browser clients derive their ids
// from random 53-bit values and never collide with it.
const seedClientID = ^uint64(0)

// Persister maintains a shadow replica per active room, outside the
// hub's opaque forwarding path. It debounces durable saves of the
// converged text and answers bootstrap requests when no peer can (cold
// start from the backing store). It implements both Observer and Seeder.
type Persister struct {
	log      logger.Logger
	store    storage.DocumentStore
	debounce time.Duration

	mu    sync.Mutex // guards rooms only
	rooms map[string]*shadow
}

// shadow is one room's replica state. Each shadow carries its own lock
// so a slow cold-start load never stalls updates for other rooms.
type shadow struct {
	mu     sync.Mutex
	loaded bool
	doc    *crdt.Document
	timer  *time.Timer
	dirty  bool
}

// NewPersister creates a persister flushing saves debounce after the last
// update.
func NewPersister(log logger.Logger, store storage.DocumentStore, debounce time.Duration) *Persister {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Persister{
		log:      log,
		store:    store,
		debounce: debounce,
		rooms:    make(map[string]*shadow),
	}
}

// RoomUpdate merges a forwarded update into the room's shadow replica and
// schedules a durable save. Malformed payloads are dropped and logged;
// they never disturb existing shadow state.
func (p *Persister) RoomUpdate(room string, payload []byte) {
	update, err := crdt.DecodeUpdate(payload)
	if err != nil {
		p.log.Warn("dropping malformed update", "room", room, "error", err)
		return
	}

	s := p.shadow(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.seedLocked(context.Background(), room, s); err != nil {
		p.log.Warn("shadow replica unavailable", "room", room, "error", err)
		return
	}
	if err := s.doc.ApplyUpdate(update); err != nil {
		p.log.Warn("dropping malformed update", "room", room, "error", err)
		return
	}
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(p.debounce, func() {
		p.flush(room)
	})
}

// RoomClosed flushes and discards the room's shadow replica once the last
// client leaves.
func (p *Persister) RoomClosed(room string) {
	p.mu.Lock()
	s, ok := p.rooms[room]
	if ok {
		delete(p.rooms, room)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	dirty := s.dirty
	var text string
	if dirty {
		text = s.doc.Text()
	}
	s.mu.Unlock()

	if dirty {
		p.save(room, text)
	}
}

// Bootstrap produces a full-state payload for a room, seeding the shadow
// replica from the backing store when the room is cold. A document absent
// from the store yields an empty (nil) payload, leaving the requester at
// the initial empty state.
func (p *Persister) Bootstrap(ctx context.Context, room string) ([]byte, error) {
	s := p.shadow(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.seedLocked(ctx, room, s); err != nil {
		return nil, err
	}
	snap := s.doc.Snapshot()
	if snap.Empty() {
		return nil, nil
	}
	return snap.Encode()
}

// shadow returns the room's shadow, creating an unseeded one on first use.
func (p *Persister) shadow(room string) *shadow {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.rooms[room]
	if !ok {
		s = &shadow{}
		p.rooms[room] = s
	}
	return s
}

// seedLocked initializes the shadow from stored text on first use. The
// store read happens under the shadow's own lock, not the map lock.
// Callers hold s.mu.
func (p *Persister) seedLocked(ctx context.Context, room string, s *shadow) error {
	if s.loaded {
		return nil
	}

	doc, err := crdt.NewDocument(seedClientID)
	if err != nil {
		return err
	}

	text, err := p.store.LoadDocumentText(ctx, room)
	var notFound *storage.NotFoundError
	switch {
	case err == nil:
		if _, err := doc.Insert(0, text); err != nil {
			return err
		}
	case errors.As(err, &notFound):
		// New document; start empty.
	default:
		// Store unavailable: fall back to an empty replica rather than
		// failing the room.
		p.log.Warn("document seed unavailable", "room", room, "error", err)
	}

	s.doc = doc
	s.loaded = true
	return nil
}

// flush saves the room's current text if it is still dirty.
func (p *Persister) flush(room string) {
	p.mu.Lock()
	s, ok := p.rooms[room]
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	text := s.doc.Text()
	s.mu.Unlock()

	p.save(room, text)
}

func (p *Persister) save(room, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SaveDocumentText(ctx, room, text); err != nil {
		p.log.Warn("document save failed", "room", room, "error", err)
		return
	}
	p.log.Debug("document persisted", "room", room, "bytes", len(text))
}
