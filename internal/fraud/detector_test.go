package fraud

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/store"
)

type fakeSignalStore struct {
	velocity  int
	countries []string
	reuse     int
	signalErr error

	alerts   []*store.FraudAlert
	resolved map[string]string
}

func (f *fakeSignalStore) CountRecentActivations(context.Context, string, time.Time) (int, error) {
	return f.velocity, f.signalErr
}

func (f *fakeSignalStore) DistinctCountries(context.Context, string, time.Time) ([]string, error) {
	return f.countries, f.signalErr
}

func (f *fakeSignalStore) CountLicensesForDevice(context.Context, string, time.Time) (int, error) {
	return f.reuse, f.signalErr
}

func (f *fakeSignalStore) InsertFraudAlert(_ context.Context, a *store.FraudAlert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeSignalStore) GetFraudAlert(_ context.Context, id string) (*store.FraudAlert, error) {
	for _, a := range f.alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeSignalStore) ListFraudAlerts(context.Context, bool) ([]*store.FraudAlert, error) {
	return f.alerts, nil
}

func (f *fakeSignalStore) ResolveFraudAlert(_ context.Context, id, resolver, _ string) error {
	if f.resolved == nil {
		f.resolved = map[string]string{}
	}
	f.resolved[id] = resolver
	return nil
}

func newDetector(st *fakeSignalStore) *Detector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDetector(st, Options{
		AlertThreshold:   40,
		BlockThreshold:   80,
		VelocityWindow:   24 * time.Hour,
		DispersionWindow: 7 * 24 * time.Hour,
	}, logger, nil, nil)
}

var testLicense = &store.License{ID: "lic-1", UserID: "user-1"}

func TestAssessQuietSignalsNoAlert(t *testing.T) {
	st := &fakeSignalStore{velocity: 1, countries: []string{"DE"}, reuse: 1}
	d := newDetector(st)

	err := d.AssessActivation(context.Background(), testLicense, "dev-a")
	require.NoError(t, err)
	assert.Empty(t, st.alerts)
}

func TestAssessAdvisoryAlertDoesNotBlock(t *testing.T) {
	// velocity warn (25) + geo warn (20) = 45: above alert, below block.
	st := &fakeSignalStore{velocity: 5, countries: []string{"DE", "BR", "JP"}, reuse: 1}
	d := newDetector(st)

	err := d.AssessActivation(context.Background(), testLicense, "dev-a")
	require.NoError(t, err, "advisory alerts must not fail the activation")
	require.Len(t, st.alerts, 1)
	assert.Equal(t, 45, st.alerts[0].Score)
	assert.ElementsMatch(t, []string{ReasonVelocity, ReasonGeoDispersion}, st.alerts[0].Reasons)
	assert.Equal(t, "user-1", st.alerts[0].UserID)
}

func TestAssessHardBlock(t *testing.T) {
	// All signals high: 50 + 40 + 30 = 120, past the block threshold.
	st := &fakeSignalStore{
		velocity:  12,
		countries: []string{"DE", "BR", "JP", "US", "NG"},
		reuse:     4,
	}
	d := newDetector(st)

	err := d.AssessActivation(context.Background(), testLicense, "dev-a")
	assert.ErrorIs(t, err, apperrors.ErrSuspectedFraud)
	require.Len(t, st.alerts, 1, "the block still records an alert for review")
	assert.Equal(t, 120, st.alerts[0].Score)
}

func TestAssessSignalFailureIsSwallowed(t *testing.T) {
	st := &fakeSignalStore{signalErr: errors.New("store down")}
	d := newDetector(st)

	err := d.AssessActivation(context.Background(), testLicense, "dev-a")
	assert.NoError(t, err, "scoring trouble must not fail the activation")
	assert.Empty(t, st.alerts)
}

func TestScoreWeights(t *testing.T) {
	tests := []struct {
		name      string
		store     *fakeSignalStore
		wantScore int
	}{
		{"all quiet", &fakeSignalStore{}, 0},
		{"velocity warn", &fakeSignalStore{velocity: 5}, 25},
		{"velocity high", &fakeSignalStore{velocity: 10}, 50},
		{"geo warn", &fakeSignalStore{countries: []string{"A", "B", "C"}}, 20},
		{"geo high", &fakeSignalStore{countries: []string{"A", "B", "C", "D"}}, 40},
		{"reuse warn", &fakeSignalStore{reuse: 2}, 10},
		{"reuse high", &fakeSignalStore{reuse: 3}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetector(tt.store)
			score, _, err := d.Score(context.Background(), "lic-1", "dev-a")
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, score)
		})
	}
}

func TestResolve(t *testing.T) {
	st := &fakeSignalStore{}
	d := newDetector(st)

	require.NoError(t, d.Resolve(context.Background(), "alert-1", "admin-1", "checked"))
	assert.Equal(t, "admin-1", st.resolved["alert-1"])
}

func TestGeoIPWithoutDatabase(t *testing.T) {
	g, err := NewGeoIP("")
	require.NoError(t, err)
	defer g.Close()

	assert.Empty(t, g.Country("8.8.8.8"), "no database resolves nothing")
	assert.Empty(t, g.Country("not-an-ip"))
}
