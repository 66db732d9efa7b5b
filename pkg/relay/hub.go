package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/supermd/syncd/pkg/logger"
)

// Sentinel errors for the relay package.
var (
	ErrRoomFull        = errors.New("relay: room is full")
	ErrDuplicateClient = errors.New("relay: client id already joined")
	ErrNotMember       = errors.New("relay: client is not a room member")
)

// Metrics receives hub instrumentation events. Implemented by
// pkg/metrics.Manager; nil disables instrumentation.
type Metrics interface {
	RoomOpened()
	RoomClosed()
	ClientJoined(room string)
	ClientLeft(room string)
	FrameForwarded(frameType string)
	FrameDropped(frameType string)
	BootstrapServed(source string)
}

// Observer is notified of update payloads flowing through the hub and of
// room teardown. The persister implements it to keep converged text
// durable without sitting in the forwarding path.
type Observer interface {
	RoomUpdate(room string, payload []byte)
	RoomClosed(room string)
}

// Seeder produces a full-state bootstrap payload for a room with no peer
// able to answer, typically from the backing document store.
type Seeder interface {
	Bootstrap(ctx context.Context, room string) ([]byte, error)
}

// Member is one joined client's receive side. The hub writes frames into
// a buffered channel; transports drain it.
type Member struct {
	room   string
	client uint64

	mu     sync.Mutex
	closed bool
	frames chan Frame
}

// Frames returns the member's inbound frame stream. The hub closes it on
// leave or room teardown.
func (m *Member) Frames() <-chan Frame {
	return m.frames
}

// Client returns the member's client id.
func (m *Member) Client() uint64 {
	return m.client
}

// push enqueues a frame unless the member is closed or its buffer is
// full. The lock orders push against close so the channel is never
// written after closing.
func (m *Member) push(f Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.frames <- f:
		return true
	default:
		return false
	}
}

func (m *Member) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.frames)
	}
}

type room struct {
	members   map[uint64]*Member
	busCancel func()
}

// Config holds hub tunables.
type Config struct {
	// MaxRoomClients caps members per room; 0 means unlimited.
	MaxRoomClients int
	// SendBuffer is the per-member frame buffer.
	SendBuffer int
	// ProcessID identifies this relay process on the bus.
	ProcessID string
}

// Hub is the session registry and forwarding core. Rooms are created on
// first join and destroyed when their membership set empties; document
// content itself lives in the external store, independent of this
// transient bookkeeping.
type Hub struct {
	log     logger.Logger
	cfg     Config
	bus     Bus
	seeder  Seeder
	obs     Observer
	metrics Metrics

	mu    sync.RWMutex
	rooms map[string]*room
}

// Option configures optional hub collaborators.
type Option func(*Hub)

// WithBus externalizes fan-out across relay processes.
func WithBus(bus Bus) Option {
	return func(h *Hub) { h.bus = bus }
}

// WithSeeder wires cold-start bootstrap seeding.
func WithSeeder(s Seeder) Option {
	return func(h *Hub) { h.seeder = s }
}

// WithObserver wires the update/teardown observer.
func WithObserver(o Observer) Option {
	return func(h *Hub) { h.obs = o }
}

// WithMetrics wires instrumentation.
func WithMetrics(m Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub.
func NewHub(log logger.Logger, cfg Config, opts ...Option) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if log == nil {
		log = logger.Nop()
	}
	h := &Hub{
		log:   log,
		cfg:   cfg,
		rooms: make(map[string]*room),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join adds a client to a room, creating the room on first join, and
// announces the new member count to everyone including the joiner.
func (h *Hub) Join(ctx context.Context, roomID string, clientID uint64) (*Member, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{members: make(map[uint64]*Member)}
		h.rooms[roomID] = r
		if h.bus != nil {
			frames, cancel, err := h.bus.Subscribe(ctx, roomID)
			if err != nil {
				delete(h.rooms, roomID)
				h.mu.Unlock()
				return nil, err
			}
			r.busCancel = cancel
			go h.consumeBus(roomID, frames)
		}
		if h.metrics != nil {
			h.metrics.RoomOpened()
		}
	}
	if _, exists := r.members[clientID]; exists {
		h.mu.Unlock()
		return nil, ErrDuplicateClient
	}
	if h.cfg.MaxRoomClients > 0 && len(r.members) >= h.cfg.MaxRoomClients {
		h.mu.Unlock()
		return nil, ErrRoomFull
	}

	m := &Member{
		room:   roomID,
		client: clientID,
		frames: make(chan Frame, h.cfg.SendBuffer),
	}
	r.members[clientID] = m
	count := len(r.members)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientJoined(roomID)
	}
	h.log.Debug("client joined room", "room", roomID, "client", clientID, "members", count)

	h.broadcastMembership(roomID, count)
	return m, nil
}

// Leave removes a client from a room. The last leaver tears the room
// down; presence cleanup is the transport's job via a final presence
// frame before calling Leave.
func (h *Hub) Leave(roomID string, clientID uint64) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	m, exists := r.members[clientID]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(r.members, clientID)
	m.close()
	count := len(r.members)

	var busCancel func()
	if count == 0 {
		busCancel = r.busCancel
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientLeft(roomID)
	}
	h.log.Debug("client left room", "room", roomID, "client", clientID, "members", count)

	if count == 0 {
		if busCancel != nil {
			busCancel()
		}
		if h.obs != nil {
			h.obs.RoomClosed(roomID)
		}
		if h.metrics != nil {
			h.metrics.RoomClosed()
		}
		return
	}
	h.broadcastMembership(roomID, count)
}

// MemberCount returns the current membership of a room.
func (h *Hub) MemberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	return len(r.members)
}

// Forward relays a frame from one member to every other member of the
// room, publishes it to the bus, and feeds update payloads to the
// observer. The payload is never inspected.
func (h *Hub) Forward(ctx context.Context, roomID string, from uint64, f Frame) error {
	f.Room = roomID
	f.From = from
	f.To = 0

	h.mu.RLock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return ErrNotMember
	}
	if _, member := r.members[from]; !member {
		h.mu.RUnlock()
		return ErrNotMember
	}
	targets := make([]*Member, 0, len(r.members))
	for id, m := range r.members {
		if id != from {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range targets {
		h.send(m, f)
	}

	if f.Type == FrameUpdate && h.obs != nil {
		h.obs.RoomUpdate(roomID, f.Payload)
	}
	if h.bus != nil {
		if err := h.bus.Publish(ctx, roomID, BusFrame{Origin: h.cfg.ProcessID, Frame: f}); err != nil {
			h.log.Warn("bus publish failed", "room", roomID, "error", err)
		}
	}
	if h.metrics != nil {
		h.metrics.FrameForwarded(string(f.Type))
	}
	return nil
}

// ForwardTo relays a frame to a single member, falling back to the bus
// when the target lives on another relay process.
func (h *Hub) ForwardTo(ctx context.Context, roomID string, to uint64, f Frame) error {
	f.Room = roomID
	f.To = to

	h.mu.RLock()
	var target *Member
	if r, ok := h.rooms[roomID]; ok {
		target = r.members[to]
	}
	h.mu.RUnlock()

	if target != nil {
		h.send(target, f)
		if h.metrics != nil {
			h.metrics.FrameForwarded(string(f.Type))
		}
		return nil
	}
	if h.bus != nil {
		return h.bus.Publish(ctx, roomID, BusFrame{Origin: h.cfg.ProcessID, Frame: f})
	}
	return ErrNotMember
}

// Bootstrap brokers a full-state request. The request is forwarded to the
// room's other members (any of them may answer); when the requester is
// alone on this process and a seeder is configured, the hub answers from
// the backing store instead. Duplicate responses are harmless: replicas
// merge full state idempotently.
func (h *Hub) Bootstrap(ctx context.Context, roomID string, from uint64) error {
	h.mu.RLock()
	peers := 0
	if r, ok := h.rooms[roomID]; ok {
		for id := range r.members {
			if id != from {
				peers++
			}
		}
	}
	h.mu.RUnlock()

	if err := h.Forward(ctx, roomID, from, Frame{Type: FrameBootstrapRequest}); err != nil {
		return err
	}

	if peers > 0 || h.seeder == nil {
		if peers > 0 && h.metrics != nil {
			h.metrics.BootstrapServed("peer")
		}
		return nil
	}

	go func() {
		payload, err := h.seeder.Bootstrap(ctx, roomID)
		if err != nil {
			h.log.Warn("bootstrap seed failed", "room", roomID, "error", err)
			return
		}
		if payload == nil {
			return
		}
		if err := h.ForwardTo(ctx, roomID, from, Frame{Type: FrameBootstrapResponse, Payload: payload}); err != nil {
			h.log.Warn("bootstrap response dropped", "room", roomID, "client", from, "error", err)
			return
		}
		if h.metrics != nil {
			h.metrics.BootstrapServed("store")
		}
	}()
	return nil
}

// Close tears down every room.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for roomID, r := range rooms {
		for _, m := range r.members {
			m.close()
		}
		if r.busCancel != nil {
			r.busCancel()
		}
		if h.obs != nil {
			h.obs.RoomClosed(roomID)
		}
	}
}

// send enqueues a frame without blocking; a full buffer drops the frame,
// which the client recovers from by re-requesting bootstrap on reconnect.
func (h *Hub) send(m *Member, f Frame) {
	if m.push(f) {
		return
	}
	if h.metrics != nil {
		h.metrics.FrameDropped(string(f.Type))
	}
	h.log.Warn("dropping frame for slow client", "room", m.room, "client", m.client, "type", f.Type)
}

// consumeBus delivers frames published by other relay processes to local
// members. Frames originating from this process are ignored; remote
// update payloads are not re-observed, each process persists only what it
// forwards itself.
func (h *Hub) consumeBus(roomID string, frames <-chan BusFrame) {
	for bf := range frames {
		if bf.Origin == h.cfg.ProcessID {
			continue
		}
		f := bf.Frame

		h.mu.RLock()
		r, ok := h.rooms[roomID]
		if !ok {
			h.mu.RUnlock()
			continue
		}
		targets := make([]*Member, 0, len(r.members))
		if f.To != 0 {
			if m, present := r.members[f.To]; present {
				targets = append(targets, m)
			}
		} else {
			for id, m := range r.members {
				if id != f.From {
					targets = append(targets, m)
				}
			}
		}
		h.mu.RUnlock()

		for _, m := range targets {
			h.send(m, f)
		}
	}
}

// broadcastMembership pushes the current member count to all local
// members. Counts stay process-local; the bus carries only update and
// presence traffic.
func (h *Hub) broadcastMembership(roomID string, count int) {
	f := Frame{Type: FrameMembership, Room: roomID, Count: count}

	h.mu.RLock()
	r, ok := h.rooms[roomID]
	var targets []*Member
	if ok {
		targets = make([]*Member, 0, len(r.members))
		for _, m := range r.members {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range targets {
		h.send(m, f)
	}
}
