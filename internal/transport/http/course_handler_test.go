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

	"skillpulse/internal/store"
)

type courseFixture struct {
	store  *store.Store
	router chi.Router
}

func newCourseFixture(t *testing.T) *courseFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := chi.NewRouter()
	r.Mount("/api/courses", NewCourseHandler(st, logger).Routes())
	return &courseFixture{store: st, router: r}
}

func (f *courseFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
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

func TestCourseScheduleEndpoint(t *testing.T) {
	f := newCourseFixture(t)

	rec := f.do(t, http.MethodPost, "/api/courses", map[string]any{"title": "Go Basics"}, adminHeaders)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	courseID := decodeBody(t, rec)["id"].(string)

	lessons := []map[string]any{
		{"title": "Intro", "position": 0},
		{"title": "Week 1", "position": 1, "drip_type": "days_after_enroll", "drip_days": 7},
		{"title": "Launch day", "position": 2, "drip_type": "date",
			"drip_date": time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)},
	}
	for _, l := range lessons {
		rec := f.do(t, http.MethodPost, "/api/courses/"+courseID+"/lessons", l, adminHeaders)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	userHeaders := map[string]string{"X-User-ID": "learner-1"}
	rec = f.do(t, http.MethodPost, "/api/courses/"+courseID+"/enroll", nil, userHeaders)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/courses/"+courseID+"/schedule", nil, userHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	schedule := body["lessons"].([]any)
	require.Len(t, schedule, 3)
	first := schedule[0].(map[string]any)
	assert.Equal(t, true, first["unlocked"])
	assert.Equal(t, "available now", first["describe"])
	second := schedule[1].(map[string]any)
	assert.Equal(t, false, second["unlocked"])

	// The fixed-date lesson at +48h unlocks before the +7d lesson.
	next := body["next_unlock"].(map[string]any)
	assert.Equal(t, "Launch day", next["title"])
}

func TestScheduleRequiresEnrollment(t *testing.T) {
	f := newCourseFixture(t)

	rec := f.do(t, http.MethodPost, "/api/courses", map[string]any{"title": "Go Basics"}, adminHeaders)
	require.Equal(t, http.StatusCreated, rec.Code)
	courseID := decodeBody(t, rec)["id"].(string)

	rec = f.do(t, http.MethodGet, "/api/courses/"+courseID+"/schedule", nil,
		map[string]string{"X-User-ID": "stranger"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddLessonRejectsBadDripDate(t *testing.T) {
	f := newCourseFixture(t)

	rec := f.do(t, http.MethodPost, "/api/courses", map[string]any{"title": "Go Basics"}, adminHeaders)
	require.Equal(t, http.StatusCreated, rec.Code)
	courseID := decodeBody(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/courses/"+courseID+"/lessons", map[string]any{
		"title": "Broken", "drip_type": "date", "drip_date": "next tuesday",
	}, adminHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCourseAdminEndpointsRequireAdmin(t *testing.T) {
	f := newCourseFixture(t)
	rec := f.do(t, http.MethodPost, "/api/courses", map[string]any{"title": "X"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
