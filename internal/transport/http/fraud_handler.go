package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/fraud"
)

// FraudHandler exposes the alert review surface to admins.
type FraudHandler struct {
	detector *fraud.Detector
	logger   *slog.Logger
}

// NewFraudHandler creates a fraud handler.
func NewFraudHandler(detector *fraud.Detector, logger *slog.Logger) *FraudHandler {
	return &FraudHandler{
		detector: detector,
		logger:   logger.With(slog.String("handler", "fraud")),
	}
}

// Routes returns the chi router for fraud endpoints.
func (h *FraudHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/alerts", h.Alerts)
	r.Post("/alerts/{alertID}/resolve", h.Resolve)

	return r
}

// Alerts handles GET /api/fraud/alerts?open=true.
func (h *FraudHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	openOnly := r.URL.Query().Get("open") == "true"
	alerts, err := h.detector.Alerts(r.Context(), openOnly)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"alerts": alerts})
}

// ResolveRequest closes an alert with review notes.
type ResolveRequest struct {
	Notes string `json:"notes,omitempty"`
}

// Resolve handles POST /api/fraud/alerts/{alertID}/resolve. Resolution is
// single-shot; resolving an already-closed alert is a 404.
func (h *FraudHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req ResolveRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apperrors.InvalidRequestWithError(err)))
		return
	}

	resolver := r.Header.Get("X-User-ID")
	if err := h.detector.Resolve(r.Context(), chi.URLParam(r, "alertID"), resolver, req.Notes); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"resolved": true})
}
