package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"skillpulse/internal/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// HealthHandler answers process liveness and readiness probes.
type HealthHandler struct {
	store     *store.Store
	logger    *slog.Logger
	startedAt time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(st *store.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:     st,
		logger:    logger.With(slog.String("handler", "health")),
		startedAt: time.Now(),
	}
}

// LivenessCheck handles GET /api/health/live.
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// ReadinessCheck handles GET /api/health/ready. Ready means the store
// answers.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "readiness check failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]any{"status": "unavailable", "error": "store unreachable"})
		return
	}
	render.JSON(w, r, map[string]any{"status": "ready"})
}

// VersionInfo handles GET /api/version.
func (h *HealthHandler) VersionInfo(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"version": Version})
}
