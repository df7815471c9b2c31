package http

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/keygen"
	"skillpulse/internal/license"
	"skillpulse/internal/store"
)

// LicenseHandler exposes the activation protocol over HTTP.
type LicenseHandler struct {
	service *license.Service
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler.
func NewLicenseHandler(service *license.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/limits", h.TierLimits)

	// Admin and owner surface.
	r.Post("/", h.Issue)
	r.Get("/{licenseID}/reveal", h.Reveal)
	r.Get("/{licenseID}/devices", h.Devices)
	r.Put("/{licenseID}/status", h.SetStatus)

	return r
}

// IssueLicenseRequest creates a license for a completed purchase.
type IssueLicenseRequest struct {
	UserID     string     `json:"user_id" validate:"required"`
	PackageID  string     `json:"package_id" validate:"required"`
	Tier       string     `json:"tier" validate:"omitempty,oneof=starter pro agency"`
	MaxDevices int        `json:"max_devices" validate:"omitempty,min=1"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Source     string     `json:"source,omitempty"`
}

// Issue handles POST /api/licenses (admin).
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req IssueLicenseRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	lic, err := h.service.Issue(r.Context(), license.IssueRequest{
		UserID:     req.UserID,
		PackageID:  req.PackageID,
		Tier:       req.Tier,
		MaxDevices: req.MaxDevices,
		ExpiresAt:  req.ExpiresAt,
		Source:     req.Source,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{
		"license": lic,
		// Plaintext key is returned exactly once, on the purchase receipt.
		"license_key": lic.KeyPlain,
	})
}

// ActivateRequest binds a device to a license key.
type ActivateRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	DeviceID   string `json:"device_id" validate:"required"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceOS   string `json:"device_os,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

// Activate handles POST /api/licenses/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses/activate"),
		),
	)
	defer span.End()
	start := time.Now()

	var req ActivateRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}
	if !keygen.ValidFormat(req.LicenseKey) {
		render.Render(w, r, apperrors.NewErrorResponse(
			apperrors.ErrValidation("license_key", "expected format XXXX-XXXX-XXXX-XXXX")))
		return
	}

	meta := store.DeviceMeta{
		Name:      req.DeviceName,
		OS:        req.DeviceOS,
		Type:      req.DeviceType,
		IPAddress: clientIP(r),
	}

	result, err := h.service.Activate(ctx, req.LicenseKey, req.DeviceID, meta)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", time.Since(start).Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "activation rejected",
			slog.String("key", keygen.MaskKey(req.LicenseKey)),
			slog.String("error", err.Error()))
		renderError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.id", result.LicenseID))
	render.JSON(w, r, result)
}

// ValidateRequest checks an activation token against the presenting device.
type ValidateRequest struct {
	Token    string `json:"token" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

// Validate handles POST /api/licenses/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	claims, lic, err := h.service.Validate(r.Context(), req.Token, req.DeviceID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"valid":      true,
		"license_id": lic.ID,
		"package_id": lic.PackageID,
		"tier":       lic.Tier,
		"expires_at": claims.ExpiresAt,
	})
}

// DeactivateRequest releases a device slot. Either a token (self-service)
// or an explicit license/device pair (admin tooling) identifies the binding.
type DeactivateRequest struct {
	Token     string `json:"token,omitempty"`
	LicenseID string `json:"license_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// Bind implements render.Binder.
func (d *DeactivateRequest) Bind(r *http.Request) error {
	if d.Token == "" && (d.LicenseID == "" || d.DeviceID == "") {
		return apperrors.ErrValidation("token", "token or license_id+device_id is required")
	}
	return nil
}

// Deactivate handles POST /api/licenses/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := render.Bind(r, &req); err != nil {
		renderError(w, r, err)
		return
	}

	var (
		remaining int
		err       error
	)
	if req.Token != "" {
		remaining, err = h.service.DeactivateByToken(r.Context(), req.Token)
	} else {
		remaining, err = h.service.Deactivate(r.Context(), req.LicenseID, req.DeviceID)
	}
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, map[string]any{
		"deactivated":    true,
		"active_devices": remaining,
	})
}

// TierLimitsRequest asks for the feature ceilings the token entitles.
type TierLimitsRequest struct {
	Token       string `json:"token" validate:"required"`
	DeviceID    string `json:"device_id" validate:"required"`
	PackageSlug string `json:"package_slug" validate:"required"`
}

// TierLimits handles POST /api/licenses/limits.
func (h *LicenseHandler) TierLimits(w http.ResponseWriter, r *http.Request) {
	var req TierLimitsRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	result, err := h.service.TierLimits(r.Context(), req.Token, req.DeviceID, req.PackageSlug)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

// Reveal handles GET /api/licenses/{licenseID}/reveal. Owner or admin only.
func (h *LicenseHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "licenseID")
	requesterID := r.Header.Get("X-User-ID")
	requesterRole := r.Header.Get("X-User-Role")

	key, err := h.service.Reveal(r.Context(), licenseID, requesterID, requesterRole)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"license_key": key})
}

// Devices handles GET /api/licenses/{licenseID}/devices (admin).
func (h *LicenseHandler) Devices(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	devices, err := h.service.Devices(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"devices": devices})
}

// SetStatusRequest moves a license between its soft states.
type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended revoked expired"`
}

// SetStatus handles PUT /api/licenses/{licenseID}/status (admin).
func (h *LicenseHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req SetStatusRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	if err := h.service.SetStatus(r.Context(), chi.URLParam(r, "licenseID"), req.Status); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"updated": true, "status": req.Status})
}

// clientIP prefers the RealIP-rewritten RemoteAddr, stripping the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
