// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"

	"github.com/supermd/syncd/pkg/api/response"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version string
	ready   func() bool
}

// NewHealthHandler creates a health handler. ready reports whether the
// backing store is reachable; nil means always ready.
func NewHealthHandler(version string, ready func() bool) *HealthHandler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &HealthHandler{version: version, ready: ready}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready() {
		response.JSON(w, http.StatusOK, map[string]bool{"ready": true})
		return
	}
	response.JSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
}
