package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/memory"
	memstore "github.com/supermd/syncd/pkg/storage/memory"
)

func newMemoryRouter(t *testing.T) (*chi.Mux, *memory.Service) {
	t.Helper()
	svc := memory.NewService(logger.Nop(), memstore.NewMemoryStorage(), memory.Config{})
	h := NewMemoryHandler(logger.Nop(), svc)

	r := chi.NewRouter()
	r.Get("/api/v1/memory/{mode}", h.GetWindow)
	return r, svc
}

func TestMemoryHandler_GetWindow(t *testing.T) {
	r, svc := newMemoryRouter(t)

	err := svc.Append(context.Background(), "u1", "chat", []*memory.Entry{
		{Role: "user", Content: "remember the roadmap"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/memory/chat", nil)
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var window memory.Window
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &window))
	require.Len(t, window.Entries, 1)
	assert.Equal(t, "remember the roadmap", window.Entries[0].Content)
}

func TestMemoryHandler_GetWindowEmptyLog(t *testing.T) {
	r, _ := newMemoryRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/memory/chat", nil)
	req.Header.Set("X-User-ID", "nobody")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var window memory.Window
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &window))
	assert.Nil(t, window.Summary)
	assert.Empty(t, window.Entries)
}

func TestMemoryHandler_MissingUserID(t *testing.T) {
	r, _ := newMemoryRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/memory/chat", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthHandler(t *testing.T) {
	ready := true
	h := NewHealthHandler("1.2.3", func() bool { return ready })

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	ready = false
	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
