package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDomainMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{ErrNotFound, http.StatusNotFound, CodeNotFound},
		{ErrLicenseInactive, http.StatusForbidden, CodeLicenseInactive},
		{ErrDeviceLimitReached, http.StatusConflict, CodeDeviceLimitReached},
		{ErrDeviceMismatch, http.StatusForbidden, CodeDeviceMismatch},
		{ErrTokenInvalid, http.StatusUnauthorized, CodeTokenInvalid},
		{ErrTokenExpired, http.StatusUnauthorized, CodeTokenExpired},
		{ErrPackageMismatch, http.StatusForbidden, CodePackageMismatch},
		{ErrSuspectedFraud, http.StatusForbidden, CodeSuspectedFraud},
		{ErrDeliveryFailed, http.StatusBadGateway, CodeDeliveryFailed},
		{ErrConfigError, http.StatusUnprocessableEntity, CodeConfigError},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			apiErr := FromDomain(tt.err)
			assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
		})
	}
}

func TestFromDomainWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("activate: %w", ErrDeviceLimitReached)
	apiErr := FromDomain(wrapped)
	assert.Equal(t, CodeDeviceLimitReached, apiErr.ErrorCode)
}

func TestFromDomainUnknownErrorIsInternal(t *testing.T) {
	apiErr := FromDomain(fmt.Errorf("store: disk I/O error"))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	// Underlying cause must not leak
	assert.NotContains(t, apiErr.Message, "disk")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, New(http.StatusConflict, CodeDeviceLimitReached, "limit"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeDeviceLimitReached, resp.Error.ErrorCode)
}

func TestAPIErrorImplementsError(t *testing.T) {
	var err error = New(http.StatusBadRequest, "INVALID_REQUEST", "bad input")
	assert.Equal(t, "bad input", err.Error())
}
