// Package fraud derives a risk score from activation patterns and raises
// alerts for admin review. Detection is advisory below the block threshold:
// a flagged activation still succeeds, only a score at or above the block
// threshold rejects it outright.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/infrastructure"
	"skillpulse/internal/store"
)

// Reason codes recorded on alerts.
const (
	ReasonVelocity      = "velocity"
	ReasonGeoDispersion = "geo_dispersion"
	ReasonDeviceReuse   = "device_reuse"
)

// Signal weights. Scores are additive across signals; the thresholds in
// config decide when an alert is raised (advisory) and when an activation
// is hard-blocked.
const (
	velocityHighCount = 10
	velocityHighScore = 50
	velocityWarnCount = 5
	velocityWarnScore = 25

	geoHighCountries = 4
	geoHighScore     = 40
	geoWarnCountries = 3
	geoWarnScore     = 20

	reuseHighLicenses = 3
	reuseHighScore    = 30
	reuseWarnLicenses = 2
	reuseWarnScore    = 10
)

// SignalStore is the slice of the store the detector reads and writes.
type SignalStore interface {
	CountRecentActivations(ctx context.Context, licenseID string, since time.Time) (int, error)
	DistinctCountries(ctx context.Context, licenseID string, since time.Time) ([]string, error)
	CountLicensesForDevice(ctx context.Context, deviceHash string, since time.Time) (int, error)
	InsertFraudAlert(ctx context.Context, a *store.FraudAlert) error
	GetFraudAlert(ctx context.Context, id string) (*store.FraudAlert, error)
	ListFraudAlerts(ctx context.Context, openOnly bool) ([]*store.FraudAlert, error)
	ResolveFraudAlert(ctx context.Context, id, resolver, notes string) error
}

// Notifier receives alert events for fan-out (websocket hub). May be nil.
type Notifier interface {
	PublishFraudAlert(alert *store.FraudAlert)
}

// Options configures the detector thresholds and windows.
type Options struct {
	AlertThreshold   int
	BlockThreshold   int
	VelocityWindow   time.Duration
	DispersionWindow time.Duration
}

// Detector scores activations and manages the alert lifecycle.
type Detector struct {
	store    SignalStore
	opts     Options
	logger   *slog.Logger
	notifier Notifier
	metrics  *infrastructure.BusinessMetrics
}

// NewDetector builds a detector. notifier and metrics may be nil.
func NewDetector(st SignalStore, opts Options, logger *slog.Logger, notifier Notifier, metrics *infrastructure.BusinessMetrics) *Detector {
	return &Detector{store: st, opts: opts, logger: logger, notifier: notifier, metrics: metrics}
}

// Score computes the risk score and reason codes for a just-recorded
// activation.
func (d *Detector) Score(ctx context.Context, licenseID, deviceHash string) (int, []string, error) {
	now := time.Now().UTC()
	score := 0
	var reasons []string

	velocity, err := d.store.CountRecentActivations(ctx, licenseID, now.Add(-d.opts.VelocityWindow))
	if err != nil {
		return 0, nil, fmt.Errorf("fraud: velocity signal: %w", err)
	}
	switch {
	case velocity >= velocityHighCount:
		score += velocityHighScore
		reasons = append(reasons, ReasonVelocity)
	case velocity >= velocityWarnCount:
		score += velocityWarnScore
		reasons = append(reasons, ReasonVelocity)
	}

	countries, err := d.store.DistinctCountries(ctx, licenseID, now.Add(-d.opts.DispersionWindow))
	if err != nil {
		return 0, nil, fmt.Errorf("fraud: geo signal: %w", err)
	}
	switch {
	case len(countries) >= geoHighCountries:
		score += geoHighScore
		reasons = append(reasons, ReasonGeoDispersion)
	case len(countries) >= geoWarnCountries:
		score += geoWarnScore
		reasons = append(reasons, ReasonGeoDispersion)
	}

	reuse, err := d.store.CountLicensesForDevice(ctx, deviceHash, now.Add(-d.opts.DispersionWindow))
	if err != nil {
		return 0, nil, fmt.Errorf("fraud: reuse signal: %w", err)
	}
	switch {
	case reuse >= reuseHighLicenses:
		score += reuseHighScore
		reasons = append(reasons, ReasonDeviceReuse)
	case reuse >= reuseWarnLicenses:
		score += reuseWarnScore
		reasons = append(reasons, ReasonDeviceReuse)
	}

	return score, reasons, nil
}

// AssessActivation scores a completed activation, raising an alert at the
// alert threshold and returning ErrSuspectedFraud at the block threshold.
// Signal-store failures are logged and swallowed: risk scoring must never
// take down a legitimate activation.
func (d *Detector) AssessActivation(ctx context.Context, lic *store.License, deviceHash string) error {
	score, reasons, err := d.Score(ctx, lic.ID, deviceHash)
	if err != nil {
		d.logger.Error("fraud scoring failed",
			slog.String("license_id", lic.ID),
			slog.String("error", err.Error()))
		return nil
	}
	if score < d.opts.AlertThreshold {
		return nil
	}

	alert := &store.FraudAlert{
		LicenseID: lic.ID,
		UserID:    lic.UserID,
		Score:     score,
		Reasons:   reasons,
	}
	if err := d.store.InsertFraudAlert(ctx, alert); err != nil {
		d.logger.Error("fraud alert insert failed",
			slog.String("license_id", lic.ID),
			slog.String("error", err.Error()))
	} else {
		d.logger.Warn("fraud alert raised",
			slog.String("license_id", lic.ID),
			slog.Int("score", score),
			slog.Any("reasons", reasons))
		if d.metrics != nil {
			d.metrics.FraudAlerts.Add(ctx, 1)
		}
		if d.notifier != nil {
			d.notifier.PublishFraudAlert(alert)
		}
	}

	if score >= d.opts.BlockThreshold {
		return apperrors.ErrSuspectedFraud
	}
	return nil
}

// Resolve closes an alert on behalf of an admin.
func (d *Detector) Resolve(ctx context.Context, alertID, resolver, notes string) error {
	if err := d.store.ResolveFraudAlert(ctx, alertID, resolver, notes); err != nil {
		return err
	}
	d.logger.Info("fraud alert resolved",
		slog.String("alert_id", alertID),
		slog.String("resolver", resolver))
	return nil
}

// Alerts lists alerts, optionally only open ones.
func (d *Detector) Alerts(ctx context.Context, openOnly bool) ([]*store.FraudAlert, error) {
	return d.store.ListFraudAlerts(ctx, openOnly)
}
