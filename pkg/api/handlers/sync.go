package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/supermd/syncd/pkg/awareness"
	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/relay"
)

const (
	defaultSyncMaxConnections = 1000
	defaultPingInterval       = 30 * time.Second
	defaultPongTimeout        = 10 * time.Second
	defaultWriteTimeout       = 10 * time.Second
)

// SyncConfig configures the document sync websocket handler.
type SyncConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// SyncHandler handles /ws/docs/{roomID}: it upgrades the connection,
// joins the client to its room, and pumps frames between the socket and
// the relay hub. Payloads stay opaque end to end.
type SyncHandler struct {
	log          logger.Logger
	hub          *relay.Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	mu             sync.Mutex
	connections    int
	maxConnections int
}

// NewSyncHandler creates a sync handler over the hub.
func NewSyncHandler(log logger.Logger, hub *relay.Hub, cfg SyncConfig) *SyncHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultSyncMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	h := &SyncHandler{
		log:            log,
		hub:            hub,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		writeTimeout:   defaultWriteTimeout,
		maxConnections: cfg.MaxConnections,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isSyncOriginAllowed(r, allowedOrigins)
		},
	}
	return h
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	clientID, err := strconv.ParseUint(r.URL.Query().Get("client_id"), 10, 64)
	if err != nil || clientID == 0 {
		http.Error(w, "valid client_id required", http.StatusBadRequest)
		return
	}
	if !h.acquire() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release()
		h.log.Warn("websocket upgrade failed", "room", roomID, "error", err)
		return
	}

	member, err := h.hub.Join(r.Context(), roomID, clientID)
	if err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		h.release()
		return
	}

	h.log.Info("sync connection opened", "room", roomID, "client", clientID)
	go h.writePump(conn, member)
	h.readPump(r, conn, roomID, clientID)
}

// readPump reads frames off the socket and routes them to the hub. It
// owns disconnect cleanup: membership removal plus a synthesized presence
// departure so peers clear the cursor even on an abrupt close.
func (h *SyncHandler) readPump(r *http.Request, conn *websocket.Conn, roomID string, clientID uint64) {
	defer func() {
		h.announceDeparture(roomID, clientID)
		h.hub.Leave(roomID, clientID)
		_ = conn.Close()
		h.release()
		h.log.Info("sync connection closed", "room", roomID, "client", clientID)
	}()

	readDeadline := h.pingInterval + h.pongTimeout
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(_ string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "room", roomID, "client", clientID, "error", err)
			}
			return
		}

		f, err := relay.DecodeFrame(data)
		if err != nil {
			h.log.Warn("dropping malformed frame", "room", roomID, "client", clientID, "error", err)
			continue
		}

		switch f.Type {
		case relay.FrameBootstrapRequest:
			if err := h.hub.Bootstrap(ctx, roomID, clientID); err != nil {
				h.log.Warn("bootstrap failed", "room", roomID, "client", clientID, "error", err)
			}
		case relay.FrameBootstrapResponse:
			f.From = clientID
			if err := h.hub.ForwardTo(ctx, roomID, f.To, f); err != nil {
				h.log.Warn("bootstrap response dropped", "room", roomID, "client", clientID, "error", err)
			}
		default:
			if err := h.hub.Forward(ctx, roomID, clientID, f); err != nil {
				h.log.Warn("forward failed", "room", roomID, "client", clientID, "error", err)
			}
		}
	}
}

// writePump drains the member's frame stream onto the socket and keeps
// the connection alive with pings. It exits when the hub closes the
// stream (leave or room teardown) or a write fails.
func (h *SyncHandler) writePump(conn *websocket.Conn, member *relay.Member) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-member.Frames():
			if !ok {
				h.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			data, err := f.Encode()
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// announceDeparture broadcasts a Left presence state for the client. The
// wall-clock value outranks the session's own counter clocks, so the
// tombstone wins; a reconnecting client starts a fresh state anyway.
func (h *SyncHandler) announceDeparture(roomID string, clientID uint64) {
	left := awareness.State{
		Client: clientID,
		Clock:  time.Now().UnixNano(),
		Left:   true,
	}
	payload, err := left.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = h.hub.Forward(ctx, roomID, clientID, relay.Frame{Type: relay.FramePresence, Payload: payload})
}

func (h *SyncHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.writeTimeout),
	)
	_ = conn.Close()
}

func (h *SyncHandler) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections >= h.maxConnections {
		return false
	}
	h.connections++
	return true
}

func (h *SyncHandler) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections > 0 {
		h.connections--
	}
}

// Connections returns the current connection count.
func (h *SyncHandler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connections
}

func isSyncOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
