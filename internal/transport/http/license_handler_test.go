package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillpulse/internal/license"
	"skillpulse/internal/store"
	"skillpulse/internal/token"
)

const testSecret = "test-secret-test-secret-test-secret!"

type licenseFixture struct {
	store   *store.Store
	service *license.Service
	router  chi.Router
}

func newLicenseFixture(t *testing.T) *licenseFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	codec := token.NewCodec(testSecret, 30*24*time.Hour)
	svc := license.NewService(st, codec, nil, nil, logger, nil)

	r := chi.NewRouter()
	r.Mount("/api/licenses", NewLicenseHandler(svc, logger).Routes())
	return &licenseFixture{store: st, service: svc, router: r}
}

func (f *licenseFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var adminHeaders = map[string]string{"X-User-Role": "admin", "X-User-ID": "admin-1"}

func issueLicense(t *testing.T, f *licenseFixture) (licenseID, key string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/licenses", map[string]any{
		"user_id":    "user-1",
		"package_id": "desktop",
		"tier":       "pro",
	}, adminHeaders)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	key = body["license_key"].(string)
	licenseID = body["license"].(map[string]any)["id"].(string)
	return licenseID, key
}

func TestIssueRequiresAdmin(t *testing.T) {
	f := newLicenseFixture(t)
	rec := f.do(t, http.MethodPost, "/api/licenses", map[string]any{
		"user_id": "u", "package_id": "desktop",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestActivateValidateDeactivateFlow(t *testing.T) {
	f := newLicenseFixture(t)
	_, key := issueLicense(t, f)

	rec := f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
		"license_key": key,
		"device_id":   "machine-a",
		"device_name": "Work laptop",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	activationToken := body["token"].(string)
	assert.NotEmpty(t, activationToken)
	assert.Equal(t, float64(1), body["active_devices"])
	assert.Equal(t, float64(3), body["max_devices"], "pro tier defaults to 3 devices")

	rec = f.do(t, http.MethodPost, "/api/licenses/validate", map[string]any{
		"token": activationToken, "device_id": "machine-a",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["valid"])

	// Wrong device fails validation.
	rec = f.do(t, http.MethodPost, "/api/licenses/validate", map[string]any{
		"token": activationToken, "device_id": "machine-b",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/licenses/deactivate", map[string]any{
		"token": activationToken,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["active_devices"])

	// The token no longer validates once its binding is gone.
	rec = f.do(t, http.MethodPost, "/api/licenses/validate", map[string]any{
		"token": activationToken, "device_id": "machine-a",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestActivateRejectsMalformedKey(t *testing.T) {
	f := newLicenseFixture(t)
	rec := f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
		"license_key": "not-a-key", "device_id": "machine-a",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivateUnknownKeyIs404(t *testing.T) {
	f := newLicenseFixture(t)
	rec := f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
		"license_key": "AAAA-BBBB-CCCC-DDDD", "device_id": "machine-a",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceLimitConflict(t *testing.T) {
	f := newLicenseFixture(t)
	_, key := issueLicense(t, f)

	for _, device := range []string{"a", "b", "c"} {
		rec := f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
			"license_key": key, "device_id": device,
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
		"license_key": key, "device_id": "d",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "DEVICE_LIMIT_REACHED", errBody["error_code"])
}

func TestSuspendedLicenseForbidsActivation(t *testing.T) {
	f := newLicenseFixture(t)
	licenseID, key := issueLicense(t, f)

	rec := f.do(t, http.MethodPut, "/api/licenses/"+licenseID+"/status", map[string]any{
		"status": "suspended",
	}, adminHeaders)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
		"license_key": key, "device_id": "machine-a",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRevealAuthorization(t *testing.T) {
	f := newLicenseFixture(t)
	licenseID, key := issueLicense(t, f)

	// Owner sees the key.
	rec := f.do(t, http.MethodGet, "/api/licenses/"+licenseID+"/reveal", nil,
		map[string]string{"X-User-ID": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, key, decodeBody(t, rec)["license_key"])

	// A stranger does not.
	rec = f.do(t, http.MethodGet, "/api/licenses/"+licenseID+"/reveal", nil,
		map[string]string{"X-User-ID": "user-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An admin does.
	rec = f.do(t, http.MethodGet, "/api/licenses/"+licenseID+"/reveal", nil, adminHeaders)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTierLimitsEndpoint(t *testing.T) {
	f := newLicenseFixture(t)
	_, key := issueLicense(t, f)

	rec := f.do(t, http.MethodPost, "/api/licenses/activate", map[string]any{
		"license_key": key, "device_id": "machine-a",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	activationToken := decodeBody(t, rec)["token"].(string)

	rec = f.do(t, http.MethodPost, "/api/licenses/limits", map[string]any{
		"token": activationToken, "device_id": "machine-a", "package_slug": "desktop",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["subscription_active"])
	limits := body["limits"].(map[string]any)
	assert.Equal(t, "pro", limits["tier"])

	// Token for another package is rejected.
	rec = f.do(t, http.MethodPost, "/api/licenses/limits", map[string]any{
		"token": activationToken, "device_id": "machine-a", "package_slug": "mobile",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
