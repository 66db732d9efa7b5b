// Package replica provides the client-side replication session: a local
// CRDT document plus presence map kept in sync with a relay over a
// pluggable transport.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/supermd/syncd/pkg/awareness"
	"github.com/supermd/syncd/pkg/crdt"
	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/relay"
)

// frameResync is synthesized locally by reconnecting transports. It
// never crosses the wire; DecodeFrame rejects it as an unknown type.
const frameResync relay.FrameType = "resync"

// Transport carries frames between a session and its relay. Send is
// expected to be fast (channel or socket write); the session serializes
// outbound frames through a single pump. Transports that transparently
// reconnect push a resync frame so the session redoes the join
// handshake.
type Transport interface {
	Send(ctx context.Context, f relay.Frame) error
	Frames() <-chan relay.Frame
	Close() error
}

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateJoining
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateSynced:
		return "synced"
	default:
		return "disconnected"
	}
}

// Config holds session tunables.
type Config struct {
	// PresenceRate caps presence broadcasts per second; 0 uses 20.
	PresenceRate float64
	// SendBuffer is the outbound frame buffer.
	SendBuffer int
}

// Session is one client's live replica of a document room. Local edits
// mutate the replica synchronously and broadcast asynchronously; remote
// frames merge through the CRDT, so delivery order never matters.
type Session struct {
	log       logger.Logger
	transport Transport
	clientID  uint64
	limiter   *rate.Limiter

	mu       sync.Mutex
	doc      *crdt.Document
	presence *awareness.Map
	state    State
	clock    int64
	peers    int
	asked    bool
	trailing *awareness.State

	outbound chan relay.Frame
	done     chan struct{}
	closeOne sync.Once
}

// NewSession creates a session for the given client id over the transport.
func NewSession(log logger.Logger, clientID uint64, transport Transport, cfg Config) (*Session, error) {
	doc, err := crdt.NewDocument(clientID)
	if err != nil {
		return nil, err
	}
	if cfg.PresenceRate <= 0 {
		cfg.PresenceRate = 20
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Session{
		log:       log,
		transport: transport,
		clientID:  clientID,
		limiter:   rate.NewLimiter(rate.Limit(cfg.PresenceRate), int(cfg.PresenceRate)),
		doc:       doc,
		presence:  awareness.NewMap(),
		state:     StateDisconnected,
		outbound:  make(chan relay.Frame, cfg.SendBuffer),
		done:      make(chan struct{}),
	}, nil
}

// Start begins the send and receive pumps and moves the session to
// Joining. Edits are accepted immediately; merge order is irrelevant.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.state = StateJoining
	s.mu.Unlock()

	go s.sendPump(ctx)
	go s.receivePump(ctx)
}

// Close stops the pumps, announces departure, and closes the transport.
func (s *Session) Close() error {
	var err error
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.state = StateDisconnected
		s.clock++
		left := awareness.State{Client: s.clientID, Clock: s.clock, Left: true}
		s.mu.Unlock()

		if data, encErr := left.Encode(); encErr == nil {
			ctx := context.Background()
			_ = s.transport.Send(ctx, relay.Frame{Type: relay.FramePresence, Payload: data})
		}
		close(s.done)
		err = s.transport.Close()
	})
	return err
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the replica's current text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// Len returns the replica's current length in runes.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Len()
}

// Peers returns the last announced room member count.
func (s *Session) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

// Presence returns the currently visible presence states.
func (s *Session) Presence() []awareness.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.States()
}

// LocalInsert inserts text at a rune position and broadcasts the update.
func (s *Session) LocalInsert(pos int, text string) error {
	s.mu.Lock()
	update, err := s.doc.Insert(pos, text)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.broadcast(update)
}

// LocalDelete removes n runes at a position and broadcasts the update.
func (s *Session) LocalDelete(pos, n int) error {
	s.mu.Lock()
	update, err := s.doc.Delete(pos, n)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.broadcast(update)
}

// UpdatePresence broadcasts new presence data under a fresh clock.
// Bursts beyond the configured rate are coalesced: the latest state
// replaces any queued one and goes out when the limiter next allows, so
// peers always end up seeing the final cursor position.
func (s *Session) UpdatePresence(data json.RawMessage) error {
	s.mu.Lock()
	s.clock++
	state := awareness.State{Client: s.clientID, Clock: s.clock, Data: data}
	s.presence.Apply(state)
	s.mu.Unlock()

	if s.limiter.Allow() {
		return s.sendPresence(state)
	}

	s.mu.Lock()
	scheduled := s.trailing != nil
	s.trailing = &state
	s.mu.Unlock()
	if !scheduled {
		delay := s.limiter.Reserve().Delay()
		time.AfterFunc(delay, s.flushPresence)
	}
	return nil
}

func (s *Session) sendPresence(state awareness.State) error {
	payload, err := state.Encode()
	if err != nil {
		return err
	}
	s.enqueue(relay.Frame{Type: relay.FramePresence, Payload: payload})
	return nil
}

// flushPresence sends the trailing coalesced state of a burst.
func (s *Session) flushPresence() {
	s.mu.Lock()
	state := s.trailing
	s.trailing = nil
	s.mu.Unlock()
	if state == nil {
		return
	}
	if err := s.sendPresence(*state); err != nil {
		s.log.Warn("presence flush failed", "client", s.clientID, "error", err)
	}

	// A state queued while we were sending gets its own flush.
	s.mu.Lock()
	again := s.trailing != nil
	s.mu.Unlock()
	if again {
		time.AfterFunc(s.limiter.Reserve().Delay(), s.flushPresence)
	}
}

// RequestBootstrap asks the room for a full-state snapshot.
func (s *Session) RequestBootstrap() {
	s.mu.Lock()
	s.asked = true
	s.mu.Unlock()
	s.enqueue(relay.Frame{Type: relay.FrameBootstrapRequest})
}

func (s *Session) broadcast(update *crdt.Update) error {
	payload, err := update.Encode()
	if err != nil {
		return fmt.Errorf("replica: encode update: %w", err)
	}
	s.enqueue(relay.Frame{Type: relay.FrameUpdate, Payload: payload})
	return nil
}

// enqueue hands a frame to the send pump without blocking the editor.
func (s *Session) enqueue(f relay.Frame) {
	select {
	case s.outbound <- f:
	case <-s.done:
	default:
		s.log.Warn("outbound buffer full, dropping frame", "client", s.clientID, "type", f.Type)
	}
}

func (s *Session) sendPump(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case f := <-s.outbound:
			if err := s.transport.Send(ctx, f); err != nil {
				s.log.Warn("send failed", "client", s.clientID, "type", f.Type, "error", err)
			}
		}
	}
}

func (s *Session) receivePump(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case f, ok := <-s.transport.Frames():
			if !ok {
				s.mu.Lock()
				s.state = StateDisconnected
				s.mu.Unlock()
				return
			}
			s.handleFrame(f)
		}
	}
}

func (s *Session) handleFrame(f relay.Frame) {
	switch f.Type {
	case relay.FrameUpdate, relay.FrameBootstrapResponse:
		s.applyRemote(f)
	case relay.FramePresence:
		s.applyPresence(f)
	case relay.FrameBootstrapRequest:
		s.answerBootstrap(f)
	case relay.FrameMembership:
		s.applyMembership(f)
	case frameResync:
		s.resync()
	}
}

// resync rewinds the join handshake after a transport reconnect. The
// relay does not retransmit, so anything forwarded while the socket was
// down is gone; the session falls back to Joining and bootstraps again
// off the membership announcement that follows the rejoin.
func (s *Session) resync() {
	s.mu.Lock()
	s.state = StateJoining
	s.asked = false
	s.mu.Unlock()
}

// applyRemote merges a remote update or snapshot. Malformed payloads are
// dropped; a full-state merge completes the join.
func (s *Session) applyRemote(f relay.Frame) {
	update, err := crdt.DecodeUpdate(f.Payload)
	if err != nil {
		s.log.Warn("dropping malformed update", "client", s.clientID, "from", f.From, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.doc.ApplyUpdate(update); err != nil {
		s.log.Warn("dropping malformed update", "client", s.clientID, "from", f.From, "error", err)
		return
	}
	if f.Type == relay.FrameBootstrapResponse && s.state == StateJoining {
		s.state = StateSynced
	}
}

func (s *Session) applyPresence(f relay.Frame) {
	state, err := awareness.DecodeState(f.Payload)
	if err != nil {
		s.log.Warn("dropping malformed presence", "client", s.clientID, "from", f.From, "error", err)
		return
	}
	s.mu.Lock()
	s.presence.Apply(state)
	s.mu.Unlock()
}

// answerBootstrap replies to a peer's request with a full snapshot. Every
// member answers; snapshots merge idempotently so duplicates are safe.
func (s *Session) answerBootstrap(f relay.Frame) {
	s.mu.Lock()
	snap := s.doc.Snapshot()
	s.mu.Unlock()
	if snap.Empty() {
		return
	}
	payload, err := snap.Encode()
	if err != nil {
		s.log.Warn("encode snapshot failed", "client", s.clientID, "error", err)
		return
	}
	s.enqueue(relay.Frame{Type: relay.FrameBootstrapResponse, To: f.From, Payload: payload})
}

// applyMembership tracks the room size and drives the join handshake: the
// first count triggers a bootstrap request, and a client alone in the
// room is synced by definition (a stored-document seed may still arrive
// later and merges cleanly).
func (s *Session) applyMembership(f relay.Frame) {
	s.mu.Lock()
	s.peers = f.Count
	joining := s.state == StateJoining
	asked := s.asked
	if joining && f.Count <= 1 {
		s.state = StateSynced
	}
	s.mu.Unlock()

	if joining && !asked {
		s.RequestBootstrap()
	}
}
