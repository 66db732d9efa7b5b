package relay

import (
	"context"
	"sync"
)

// BusFrame wraps a relay frame with the publishing process id so a hub can
// ignore its own publications when they echo back.
type BusFrame struct {
	Origin string `json:"origin"`
	Frame  Frame  `json:"frame"`
}

// Bus fans room frames out across relay processes. A single-process relay
// runs without one; multi-process deployments plug in the Redis bus. The
// hub's in-memory membership map stays process-local either way.
//
// Subscribe returns the frame stream and a cancel function; cancel closes
// the stream and releases the subscription.
type Bus interface {
	Publish(ctx context.Context, room string, bf BusFrame) error
	Subscribe(ctx context.Context, room string) (<-chan BusFrame, func(), error)
	Close() error
}

// LocalBus is an in-process Bus. Several hubs sharing one LocalBus behave
// like a horizontally scaled relay, which is how the cross-process paths
// are tested.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	rooms  map[string]map[int]chan BusFrame
	buffer int
	closed bool
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &LocalBus{
		rooms:  make(map[string]map[int]chan BusFrame),
		buffer: buffer,
	}
}

// Publish delivers the frame to every subscriber of the room. Slow
// subscribers are skipped rather than blocking the publisher.
func (b *LocalBus) Publish(ctx context.Context, room string, bf BusFrame) error {
	b.mu.Lock()
	subs := make([]chan BusFrame, 0, len(b.rooms[room]))
	for _, ch := range b.rooms[room] {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- bf:
		default:
		}
	}
	return nil
}

// Subscribe registers a room subscription.
func (b *LocalBus) Subscribe(ctx context.Context, room string) (<-chan BusFrame, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan BusFrame, b.buffer)
	id := b.nextID
	b.nextID++
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[int]chan BusFrame)
	}
	b.rooms[room][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.rooms[room][id]; ok {
			delete(b.rooms[room], id)
			if len(b.rooms[room]) == 0 {
				delete(b.rooms, room)
			}
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Close closes all subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for room, subs := range b.rooms {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.rooms, room)
	}
	return nil
}
