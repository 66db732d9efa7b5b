package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/supermd/syncd/pkg/api/middleware"
	"github.com/supermd/syncd/pkg/api/response"
	"github.com/supermd/syncd/pkg/logger"
	"github.com/supermd/syncd/pkg/memory"
)

// userIDHeader carries the caller's opaque user id. Authentication itself
// happens upstream; this service only scopes data by the id it is handed.
const userIDHeader = "X-User-ID"

// MemoryHandler handles conversational memory endpoints.
type MemoryHandler struct {
	log logger.Logger
	svc *memory.Service
}

// NewMemoryHandler creates a memory handler.
func NewMemoryHandler(log logger.Logger, svc *memory.Service) *MemoryHandler {
	return &MemoryHandler{log: log, svc: svc}
}

// GetWindow handles GET /api/v1/memory/{mode}: the current summary plus
// surviving entries for the caller's log.
func (h *MemoryHandler) GetWindow(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
			"missing "+userIDHeader+" header", requestID)
		return
	}
	mode := chi.URLParam(r, "mode")
	if mode == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest,
			"missing mode", requestID)
		return
	}

	window, err := h.svc.Load(r.Context(), userID, mode)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer,
			err.Error(), requestID)
		return
	}
	response.JSON(w, http.StatusOK, window)
}
