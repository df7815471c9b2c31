// Package health probes package endpoints and keeps their stored status
// current. The admin-triggered path and the timer path run through the
// same probe and classification code, so the two can never drift.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"skillpulse/internal/infrastructure"
	"skillpulse/internal/store"
)

// Classifications a probe can produce.
const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
	StatusDown        = "down"
)

// Notifier receives status-change events for fan-out. May be nil.
type Notifier interface {
	PublishStatusChange(pkg *store.Package, from, to string)
}

// Checker probes packages and records the results.
type Checker struct {
	store           *store.Store
	client          *http.Client
	probeTimeout    time.Duration
	degradedLatency time.Duration
	logger          *slog.Logger
	notifier        Notifier
	metrics         *infrastructure.BusinessMetrics
}

// NewChecker builds a checker. notifier and metrics may be nil.
func NewChecker(st *store.Store, probeTimeout, degradedLatency time.Duration, logger *slog.Logger, notifier Notifier, metrics *infrastructure.BusinessMetrics) *Checker {
	return &Checker{
		store:           st,
		client:          &http.Client{Timeout: probeTimeout},
		probeTimeout:    probeTimeout,
		degradedLatency: degradedLatency,
		logger:          logger,
		notifier:        notifier,
		metrics:         metrics,
	}
}

// Classify maps one probe outcome to a status. Errors and timeouts are
// down; any response slower than the degraded threshold, or outside 2xx,
// is degraded.
func Classify(httpStatus int, latency time.Duration, probeErr error, degradedLatency time.Duration) string {
	if probeErr != nil {
		return StatusDown
	}
	if httpStatus < 200 || httpStatus >= 300 {
		return StatusDegraded
	}
	if latency > degradedLatency {
		return StatusDegraded
	}
	return StatusOperational
}

// probe issues one bounded GET against the package's probe URL.
func (c *Checker) probe(ctx context.Context, url string) (httpStatus int, latency time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency = time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	resp.Body.Close()
	return resp.StatusCode, latency, nil
}

// CheckPackage probes one package, appends the check row and, when the
// classification differs from the stored status, updates it and emits a
// change event.
func (c *Checker) CheckPackage(ctx context.Context, pkg *store.Package) (*store.StatusCheck, error) {
	httpStatus, latency, probeErr := c.probe(ctx, pkg.ProbeURL)
	status := Classify(httpStatus, latency, probeErr, c.degradedLatency)

	check := &store.StatusCheck{
		PackageID:  pkg.ID,
		Status:     status,
		HTTPStatus: httpStatus,
		LatencyMS:  latency.Milliseconds(),
	}
	if probeErr != nil {
		check.Detail = probeErr.Error()
	}
	if err := c.store.InsertStatusCheck(ctx, check); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.StatusChecks.Add(ctx, 1)
	}

	changed, err := c.store.UpdatePackageStatus(ctx, pkg.ID, status)
	if err != nil {
		return nil, err
	}
	if changed {
		c.logger.Warn("package status changed",
			slog.String("package", pkg.Slug),
			slog.String("from", pkg.Status),
			slog.String("to", status))
		if c.notifier != nil {
			c.notifier.PublishStatusChange(pkg, pkg.Status, status)
		}
	}
	return check, nil
}

// RunAll probes every package with a probe URL. One package's failure does
// not stop the sweep.
func (c *Checker) RunAll(ctx context.Context) error {
	targets, err := c.store.ProbeTargets(ctx)
	if err != nil {
		return err
	}
	for _, pkg := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.CheckPackage(ctx, pkg); err != nil {
			c.logger.Error("status check failed",
				slog.String("package", pkg.Slug),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
