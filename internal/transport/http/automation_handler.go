package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"skillpulse/internal/automation"
	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/store"
)

// AutomationHandler exposes the email automation admin surface.
type AutomationHandler struct {
	scheduler *automation.Scheduler
	store     *store.Store
	logger    *slog.Logger
}

// NewAutomationHandler creates an automation handler.
func NewAutomationHandler(scheduler *automation.Scheduler, st *store.Store, logger *slog.Logger) *AutomationHandler {
	return &AutomationHandler{
		scheduler: scheduler,
		store:     st,
		logger:    logger.With(slog.String("handler", "automation")),
	}
}

// Routes returns the chi router for automation endpoints. Everything here
// is admin-only.
func (h *AutomationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/{automationID}", h.Get)
	r.Put("/{automationID}/active", h.SetActive)
	r.Post("/{automationID}/enroll", h.Enroll)
	r.Get("/{automationID}/enrollments", h.Enrollments)
	r.Post("/tick", h.Tick)
	r.Get("/enrollments/{enrollmentID}/deliveries", h.Deliveries)

	return r
}

// StepRequest is one email in a sequence definition.
type StepRequest struct {
	Subject    string `json:"subject" validate:"required"`
	Body       string `json:"body" validate:"required"`
	DelayValue int    `json:"delay_value" validate:"min=0"`
	DelayUnit  string `json:"delay_unit" validate:"omitempty,oneof=minutes hours days weeks"`
}

// CreateAutomationRequest defines a sequence with its ordered steps.
type CreateAutomationRequest struct {
	Name  string        `json:"name" validate:"required"`
	Steps []StepRequest `json:"steps" validate:"required,min=1,dive"`
}

// Create handles POST /api/automations.
func (h *AutomationHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req CreateAutomationRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	auto := &store.Automation{Name: req.Name, Active: true}
	for i, s := range req.Steps {
		auto.Steps = append(auto.Steps, store.AutomationStep{
			Position:   i,
			Subject:    s.Subject,
			Body:       s.Body,
			DelayValue: s.DelayValue,
			DelayUnit:  s.DelayUnit,
		})
	}
	if err := h.store.CreateAutomation(r.Context(), auto); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, auto)
}

// Get handles GET /api/automations/{automationID}.
func (h *AutomationHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	auto, err := h.store.GetAutomation(r.Context(), chi.URLParam(r, "automationID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, auto)
}

// SetActiveRequest pauses or resumes a sequence.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// SetActive handles PUT /api/automations/{automationID}/active.
func (h *AutomationHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req SetActiveRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apperrors.InvalidRequestWithError(err)))
		return
	}

	if err := h.store.SetAutomationActive(r.Context(), chi.URLParam(r, "automationID"), req.Active); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"updated": true, "active": req.Active})
}

// EnrollRequest adds a recipient to a sequence.
type EnrollRequest struct {
	Email       string `json:"email" validate:"required,email"`
	UserID      string `json:"user_id,omitempty"`
	TriggerData string `json:"trigger_data,omitempty"`
}

// Enroll handles POST /api/automations/{automationID}/enroll.
func (h *AutomationHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req EnrollRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	enrollment, err := h.scheduler.Enroll(r.Context(),
		chi.URLParam(r, "automationID"), req.Email, req.UserID, req.TriggerData)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, enrollment)
}

// Enrollments handles GET /api/automations/{automationID}/enrollments.
func (h *AutomationHandler) Enrollments(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	enrollments, err := h.store.ListAutomationEnrollments(r.Context(), chi.URLParam(r, "automationID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"enrollments": enrollments})
}

// Tick handles POST /api/automations/tick: an on-demand scheduler pass,
// safe to run alongside the timer.
func (h *AutomationHandler) Tick(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	sent, err := h.scheduler.Tick(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"sent": sent})
}

// Deliveries handles GET /api/automations/enrollments/{enrollmentID}/deliveries.
func (h *AutomationHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	deliveries, err := h.scheduler.Deliveries(r.Context(), chi.URLParam(r, "enrollmentID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"deliveries": deliveries})
}
