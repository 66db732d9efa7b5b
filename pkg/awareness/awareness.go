// Package awareness tracks ephemeral per-client presence state (cursor,
// display name, color) for a document room. States merge last-write-wins
// on a per-client clock and vanish when the client leaves; nothing here is
// ever persisted.
package awareness

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is one client's presence payload. Clock is a client-local counter
// bumped on every publish; the payload itself is opaque to the sync layer.
type State struct {
	Client uint64          `json:"client"`
	Clock  int64           `json:"clock"`
	Data   json.RawMessage `json:"data,omitempty"`
	Left   bool            `json:"left,omitempty"`
}

// Map holds the merged presence view for one room. Safe for concurrent use.
type Map struct {
	mu     sync.RWMutex
	states map[uint64]State
}

// NewMap creates an empty presence map.
func NewMap() *Map {
	return &Map{states: make(map[uint64]State)}
}

// Apply merges an incoming state. Last write wins per client id: an update
// is visible only if its clock is newer (ties resolved in favor of the
// incoming state so a re-sent latest state sticks). A state flagged Left
// removes the client. Returns true when the visible view changed.
func (m *Map) Apply(s State) bool {
	if s.Client == 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.states[s.Client]
	if exists && s.Clock < prev.Clock {
		return false
	}
	if s.Left {
		if !exists {
			return false
		}
		delete(m.states, s.Client)
		return true
	}
	m.states[s.Client] = s
	return true
}

// Remove drops a client's presence, e.g. on transport disconnect.
func (m *Map) Remove(client uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[client]; !ok {
		return false
	}
	delete(m.states, client)
	return true
}

// Get returns the current state for a client.
func (m *Map) Get(client uint64) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[client]
	return s, ok
}

// States returns a snapshot of all visible presence states.
func (m *Map) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out
}

// Len returns the number of clients with visible presence.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Encode serializes a state to the opaque blob relayed between clients.
func (s State) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("awareness: encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses a presence blob. Malformed blobs are dropped by the
// caller; decoding never mutates the map.
func DecodeState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("awareness: malformed state: %w", err)
	}
	if s.Client == 0 {
		return State{}, fmt.Errorf("awareness: malformed state: missing client id")
	}
	return s, nil
}
