package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus is a Redis Pub/Sub-backed Bus. It externalizes room fan-out so
// multiple relay processes can serve the same document room.
type RedisBus struct {
	client        redis.UniversalClient
	channelPrefix string
	bufferSize    int

	mu     sync.Mutex
	closed bool
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client redis.UniversalClient, channelPrefix string, bufferSize int) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "syncd:room:"
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RedisBus{
		client:        client,
		channelPrefix: channelPrefix,
		bufferSize:    bufferSize,
	}
}

// Publish sends a frame to the room channel.
func (b *RedisBus) Publish(ctx context.Context, room string, bf BusFrame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("relay: bus is closed")
	}

	data, err := json.Marshal(bf)
	if err != nil {
		return fmt.Errorf("relay: marshal bus frame: %w", err)
	}
	return b.client.Publish(ctx, b.channelPrefix+room, data).Err()
}

// Subscribe starts receiving frames published for the room by any process.
func (b *RedisBus) Subscribe(ctx context.Context, room string) (<-chan BusFrame, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("relay: bus is closed")
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channelPrefix+room)
	ch := make(chan BusFrame, b.bufferSize)
	subCtx, cancel := context.WithCancel(ctx)

	go b.forward(subCtx, pubsub, ch)

	stop := func() {
		cancel()
		_ = pubsub.Close()
	}
	return ch, stop, nil
}

// forward pumps Redis messages into the subscriber channel, dropping on
// overflow to keep the relay non-blocking.
func (b *RedisBus) forward(ctx context.Context, pubsub *redis.PubSub, ch chan BusFrame) {
	defer close(ch)

	redisCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			var bf BusFrame
			if err := json.Unmarshal([]byte(msg.Payload), &bf); err != nil {
				continue
			}
			select {
			case ch <- bf:
			default:
			}
		}
	}
}

// Close marks the bus closed. Individual subscriptions are cancelled by
// their own stop functions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
