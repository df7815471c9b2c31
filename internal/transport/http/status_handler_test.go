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

	"skillpulse/internal/health"
	"skillpulse/internal/store"
)

func newStatusRouter(t *testing.T) chi.Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	checker := health.NewChecker(st, 2*time.Second, 500*time.Millisecond, logger, nil, nil)

	r := chi.NewRouter()
	r.Mount("/api/status", NewStatusHandler(checker, st, logger).Routes())
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		for k, v := range adminHeaders {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatusPageFlow(t *testing.T) {
	router := newStatusRouter(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := doJSON(t, router, http.MethodPost, "/api/status/packages", map[string]any{
		"slug": "desktop", "name": "Desktop App", "probe_url": srv.URL,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The public package list needs no auth.
	rec = doJSON(t, router, http.MethodGet, "/api/status/packages", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	packages := decodeBody(t, rec)["packages"].([]any)
	require.Len(t, packages, 1)
	assert.Equal(t, "operational", packages[0].(map[string]any)["status"])

	rec = doJSON(t, router, http.MethodPost, "/api/status/packages/desktop/check", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operational", decodeBody(t, rec)["status"])

	rec = doJSON(t, router, http.MethodGet, "/api/status/packages/desktop/checks?limit=5", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	checks := decodeBody(t, rec)["checks"].([]any)
	assert.Len(t, checks, 1)
}

func TestStatusCheckUnknownPackage(t *testing.T) {
	router := newStatusRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/status/packages/ghost/check", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusAdminGating(t *testing.T) {
	router := newStatusRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/status/run", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
