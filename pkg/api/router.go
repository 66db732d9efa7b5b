// Package api provides HTTP API server components.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/supermd/syncd/config"
	"github.com/supermd/syncd/pkg/api/handlers"
	"github.com/supermd/syncd/pkg/api/middleware"
	"github.com/supermd/syncd/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Sync handles the document sync websocket endpoint
	Sync *handlers.SyncHandler

	// Memory handles conversational memory endpoints
	Memory *handlers.MemoryHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.CORS(&cfg.Server.CORS))

	RegisterRoutes(r, cfg, h)
	return r
}

// RegisterRoutes registers all API routes. The websocket endpoint sits
// outside the timeout middleware; sync connections are long-lived.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	if h.Sync != nil {
		r.Get("/ws/docs/{roomID}", h.Sync.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.HTTP.ReadTimeout > 0 {
			r.Use(middleware.Timeout(cfg.Server.HTTP.ReadTimeout))
		}
		if h.Memory != nil {
			r.Get("/memory/{mode}", h.Memory.GetWindow)
		}
	})

	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
}
