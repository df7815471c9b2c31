package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillpulse/internal/store"
)

func TestClassify(t *testing.T) {
	const threshold = 5 * time.Second
	tests := []struct {
		name    string
		status  int
		latency time.Duration
		err     error
		want    string
	}{
		{"fast success", 200, 100 * time.Millisecond, nil, StatusOperational},
		{"boundary latency", 204, threshold, nil, StatusOperational},
		{"slow success", 200, threshold + time.Millisecond, nil, StatusDegraded},
		{"client error", 404, time.Millisecond, nil, StatusDegraded},
		{"server error", 503, time.Millisecond, nil, StatusDegraded},
		{"redirect", 301, time.Millisecond, nil, StatusDegraded},
		{"connection error", 0, 0, errors.New("refused"), StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.latency, tt.err, threshold))
		})
	}
}

type recordingNotifier struct {
	changes []string
}

func (r *recordingNotifier) PublishStatusChange(pkg *store.Package, from, to string) {
	r.changes = append(r.changes, pkg.Slug+":"+from+"->"+to)
}

func newTestChecker(t *testing.T, notifier Notifier) (*Checker, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewChecker(st, 2*time.Second, 500*time.Millisecond, logger, notifier, nil), st
}

func createPackage(t *testing.T, st *store.Store, probeURL string) *store.Package {
	t.Helper()
	p := &store.Package{Slug: "desktop", Name: "Desktop App", ProbeURL: probeURL}
	require.NoError(t, st.CreatePackage(context.Background(), p))
	return p
}

func TestCheckPackageOperational(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	checker, st := newTestChecker(t, notifier)
	pkg := createPackage(t, st, srv.URL)

	check, err := checker.CheckPackage(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, StatusOperational, check.Status)
	assert.Equal(t, http.StatusOK, check.HTTPStatus)
	assert.Empty(t, notifier.changes, "operational to operational is not a change")
}

func TestCheckPackageDegradedOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	checker, st := newTestChecker(t, notifier)
	pkg := createPackage(t, st, srv.URL)

	check, err := checker.CheckPackage(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, check.Status)
	assert.Equal(t, []string{"desktop:operational->degraded"}, notifier.changes)

	stored, err := st.GetPackage(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, stored.Status)
}

func TestCheckPackageDownOnConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	notifier := &recordingNotifier{}
	checker, st := newTestChecker(t, notifier)
	pkg := createPackage(t, st, url)

	check, err := checker.CheckPackage(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, StatusDown, check.Status)
	assert.NotEmpty(t, check.Detail)
	assert.Equal(t, []string{"desktop:operational->down"}, notifier.changes)
}

func TestCheckPackageSlowResponseDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Threshold below the handler's sleep.
	checker := NewChecker(st, 2*time.Second, 10*time.Millisecond, logger, nil, nil)
	pkg := createPackage(t, st, srv.URL)

	check, err := checker.CheckPackage(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, check.Status)
}

func TestRunAllIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	checker, st := newTestChecker(t, notifier)
	ctx := context.Background()

	require.NoError(t, st.CreatePackage(ctx, &store.Package{
		Slug: "broken", Name: "Broken", ProbeURL: "http://127.0.0.1:1/health",
	}))
	require.NoError(t, st.CreatePackage(ctx, &store.Package{
		Slug: "fine", Name: "Fine", ProbeURL: srv.URL,
	}))

	require.NoError(t, checker.RunAll(ctx))

	broken, err := st.GetPackageBySlug(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, StatusDown, broken.Status)

	fine, err := st.GetPackageBySlug(ctx, "fine")
	require.NoError(t, err)
	assert.Equal(t, StatusOperational, fine.Status)
}

func TestStatusChangeEmittedOnceUntilNextChange(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	checker, st := newTestChecker(t, notifier)
	ctx := context.Background()
	pkg := createPackage(t, st, srv.URL)

	for i := 0; i < 3; i++ {
		fresh, err := st.GetPackage(ctx, pkg.ID)
		require.NoError(t, err)
		_, err = checker.CheckPackage(ctx, fresh)
		require.NoError(t, err)
	}
	assert.Empty(t, notifier.changes)

	status.Store(http.StatusInternalServerError)
	fresh, err := st.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	_, err = checker.CheckPackage(ctx, fresh)
	require.NoError(t, err)

	fresh, err = st.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	_, err = checker.CheckPackage(ctx, fresh)
	require.NoError(t, err)

	assert.Equal(t, []string{"desktop:operational->degraded"}, notifier.changes,
		"repeat classification does not re-emit")
}
