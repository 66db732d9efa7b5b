package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/relay"
	"github.com/supermd/syncd/pkg/replica"
)

func newSyncServer(t *testing.T, hub *relay.Hub) *httptest.Server {
	t.Helper()
	h := NewSyncHandler(logger.Nop(), hub, SyncConfig{})

	r := chi.NewRouter()
	r.Get("/ws/docs/{roomID}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, room string, clientID uint64) string {
	base := strings.Replace(srv.URL, "http://", "ws://", 1)
	return base + "/ws/docs/" + room + "?client_id=" + strconv.FormatUint(clientID, 10)
}

func dialRaw(t *testing.T, srv *httptest.Server, room string, clientID uint64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, room, clientID), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readRawFrame(t *testing.T, conn *websocket.Conn, want relay.FrameType) relay.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed while waiting for %s: %v", want, err)
		}
		f, err := relay.DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("timeout waiting for %s", want)
	return relay.Frame{}
}

func TestSyncHandler_RejectsInvalidClientID(t *testing.T) {
	hub := relay.NewHub(logger.Nop(), relay.Config{})
	defer hub.Close()
	srv := newSyncServer(t, hub)

	resp, err := http.Get(srv.URL + "/ws/docs/doc-1?client_id=banana")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSyncHandler_ForwardsFramesBetweenClients(t *testing.T) {
	hub := relay.NewHub(logger.Nop(), relay.Config{})
	defer hub.Close()
	srv := newSyncServer(t, hub)

	a := dialRaw(t, srv, "doc-1", 1)
	readRawFrame(t, a, relay.FrameMembership)

	b := dialRaw(t, srv, "doc-1", 2)
	readRawFrame(t, b, relay.FrameMembership)

	send := relay.Frame{Type: relay.FrameUpdate, Payload: []byte("opaque")}
	data, err := send.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := a.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := readRawFrame(t, b, relay.FrameUpdate)
	if string(got.Payload) != "opaque" || got.From != 1 {
		t.Fatalf("frame = %+v", got)
	}
}

func TestSyncHandler_DisconnectCleansUpMembership(t *testing.T) {
	hub := relay.NewHub(logger.Nop(), relay.Config{})
	defer hub.Close()
	srv := newSyncServer(t, hub)

	a := dialRaw(t, srv, "doc-1", 1)
	readRawFrame(t, a, relay.FrameMembership)
	b := dialRaw(t, srv, "doc-1", 2)
	readRawFrame(t, b, relay.FrameMembership)

	a.Close()

	// The peer hears a departure presence and a shrunk membership count.
	left := readRawFrame(t, b, relay.FramePresence)
	if len(left.Payload) == 0 {
		t.Fatal("departure presence carries no payload")
	}
	count := readRawFrame(t, b, relay.FrameMembership)
	if count.Count != 1 {
		t.Fatalf("count = %d, want 1", count.Count)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.MemberCount("doc-1") != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.MemberCount("doc-1"); got != 1 {
		t.Fatalf("member count = %d, want 1", got)
	}
}

func TestSyncHandler_DuplicateClientRejected(t *testing.T) {
	hub := relay.NewHub(logger.Nop(), relay.Config{})
	defer hub.Close()
	srv := newSyncServer(t, hub)

	a := dialRaw(t, srv, "doc-1", 1)
	readRawFrame(t, a, relay.FrameMembership)

	dup := dialRaw(t, srv, "doc-1", 1)
	_ = dup.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := dup.ReadMessage()
	if err == nil {
		t.Fatal("duplicate client must be closed by the server")
	}
}

func TestSyncHandler_EndToEndSessions(t *testing.T) {
	hub := relay.NewHub(logger.Nop(), relay.Config{})
	defer hub.Close()
	srv := newSyncServer(t, hub)

	ctx := context.Background()
	dial := func(clientID uint64) *replica.Session {
		tr, err := replica.Dial(ctx, logger.Nop(), replica.ClientConfig{URL: wsURL(srv, "doc-1", clientID)})
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		s, err := replica.NewSession(logger.Nop(), clientID, tr, replica.Config{})
		if err != nil {
			t.Fatalf("NewSession failed: %v", err)
		}
		s.Start(ctx)
		t.Cleanup(func() { s.Close() })
		return s
	}

	a := dial(1)
	waitSession(t, "first client to sync", func() bool { return a.State() == replica.StateSynced })
	if err := a.LocalInsert(0, "shared"); err != nil {
		t.Fatalf("LocalInsert failed: %v", err)
	}

	b := dial(2)
	waitSession(t, "second client to bootstrap", func() bool { return b.Text() == "shared" })

	if err := b.LocalInsert(b.Len(), " doc"); err != nil {
		t.Fatalf("LocalInsert failed: %v", err)
	}
	waitSession(t, "texts to converge", func() bool {
		return a.Text() == "shared doc" && b.Text() == "shared doc"
	})
}

func waitSession(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}
