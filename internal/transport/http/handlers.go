// Package http contains the HTTP transport layer: thin chi handlers that
// bind and validate requests, call the core services and render responses.
// No business rules live here.
package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "skillpulse/internal/errors"
)

var validate = validator.New()

// decodeAndValidate binds the JSON body into req and runs struct
// validation. Returns an APIError ready to render on failure.
func decodeAndValidate(r *http.Request, req any) *apperrors.APIError {
	if err := render.DecodeJSON(r.Body, req); err != nil {
		return apperrors.InvalidRequestWithError(err)
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperrors.ErrValidation(verrs[0].Field(), "failed on "+verrs[0].Tag())
		}
		return apperrors.InvalidRequestWithError(err)
	}
	return nil
}

// renderError maps a domain error to its API response.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apperrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apperrors.FromDomain(err)
	}
	render.Render(w, r, apperrors.NewErrorResponse(apiErr))
}

// requireAdmin gates admin-only endpoints on the authenticated role header
// set by the edge proxy.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-User-Role") != "admin" {
		renderError(w, r, apperrors.ErrNotAuthorized)
		return false
	}
	return true
}
