package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/relay"
)

// ClientConfig holds websocket transport settings.
type ClientConfig struct {
	// URL is the full websocket endpoint, including room and client_id.
	URL string
	// ReconnectDelay is the pause between reconnect attempts.
	ReconnectDelay time.Duration
	// MaxReconnects caps reconnect attempts before the frame stream ends;
	// 0 means 5.
	MaxReconnects int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Client is a websocket Transport. It reconnects on read failure; after a
// reconnect the session re-syncs by requesting a fresh bootstrap.
type Client struct {
	log logger.Logger
	cfg ClientConfig

	mu   sync.Mutex
	conn *websocket.Conn

	frames   chan relay.Frame
	done     chan struct{}
	closeOne sync.Once
}

// Dial connects to a relay websocket endpoint.
func Dial(ctx context.Context, log logger.Logger, cfg ClientConfig) (*Client, error) {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("replica: dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		log:    log,
		cfg:    cfg,
		conn:   conn,
		frames: make(chan relay.Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes a frame to the socket.
func (c *Client) Send(ctx context.Context, f relay.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("replica: connection is down")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the inbound frame stream. It closes when the client is
// closed or reconnecting is given up.
func (c *Client) Frames() <-chan relay.Frame {
	return c.frames
}

// Close shuts the transport down.
func (c *Client) Close() error {
	c.closeOne.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.frames)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !c.reconnect() {
				return
			}
			// Frames forwarded while the socket was down are gone; tell
			// the session to redo the join handshake before it sees any
			// traffic from the new socket.
			select {
			case c.frames <- relay.Frame{Type: frameResync}:
			case <-c.done:
				return
			}
			continue
		}

		f, err := relay.DecodeFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// reconnect re-dials the endpoint. Server-side membership for the old
// socket is cleaned up on its close; the new socket rejoins via the URL.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(c.cfg.ReconnectDelay):
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info("reconnected", "attempt", attempt)
		return true
	}
	c.log.Error("giving up on reconnecting", "attempts", c.cfg.MaxReconnects)
	return false
}
