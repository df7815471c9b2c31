package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/health"
	"skillpulse/internal/store"
)

// StatusHandler exposes the public status page and its admin controls.
type StatusHandler struct {
	checker *health.Checker
	store   *store.Store
	logger  *slog.Logger
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(checker *health.Checker, st *store.Store, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		checker: checker,
		store:   st,
		logger:  logger.With(slog.String("handler", "status")),
	}
}

// Routes returns the chi router for status endpoints.
func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/packages", h.Packages)
	r.Get("/packages/{slug}/checks", h.RecentChecks)

	r.Post("/packages", h.CreatePackage)
	r.Post("/packages/{slug}/check", h.Check)
	r.Post("/run", h.RunAll)

	return r
}

// Packages handles GET /api/status/packages: the public status page data.
func (h *StatusHandler) Packages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.store.ListPackages(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"packages": packages})
}

// CreatePackageRequest registers a monitored package.
type CreatePackageRequest struct {
	Slug     string `json:"slug" validate:"required"`
	Name     string `json:"name" validate:"required"`
	ProbeURL string `json:"probe_url" validate:"omitempty,url"`
}

// CreatePackage handles POST /api/status/packages (admin).
func (h *StatusHandler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req CreatePackageRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	pkg := &store.Package{Slug: req.Slug, Name: req.Name, ProbeURL: req.ProbeURL}
	if err := h.store.CreatePackage(r.Context(), pkg); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, pkg)
}

// Check handles POST /api/status/packages/{slug}/check (admin): one
// on-demand probe through the same path the timer uses.
func (h *StatusHandler) Check(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	pkg, err := h.store.GetPackageBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	check, err := h.checker.CheckPackage(r.Context(), pkg)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, check)
}

// RunAll handles POST /api/status/run (admin): probe every package now.
func (h *StatusHandler) RunAll(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	if err := h.checker.RunAll(r.Context()); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"completed": true})
}

// RecentChecks handles GET /api/status/packages/{slug}/checks?limit=N.
func (h *StatusHandler) RecentChecks(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.store.GetPackageBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		renderError(w, r, err)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	checks, err := h.store.RecentStatusChecks(r.Context(), pkg.ID, limit)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"package": pkg, "checks": checks})
}
