package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "skillpulse/internal/errors"
)

// FraudAlert is a risk-layer finding awaiting admin review. Alerts are
// append-only and closed exclusively by admin action.
type FraudAlert struct {
	ID         string     `json:"id"`
	LicenseID  string     `json:"license_id"`
	UserID     string     `json:"user_id"`
	Score      int        `json:"score"`
	Reasons    []string   `json:"reasons"`
	Resolved   bool       `json:"resolved"`
	Resolver   string     `json:"resolver,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// InsertFraudAlert records a new alert.
func (s *Store) InsertFraudAlert(ctx context.Context, a *FraudAlert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, license_id, user_id, score, reasons, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.LicenseID, a.UserID, a.Score, strings.Join(a.Reasons, ","),
		toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert fraud alert: %w", err)
	}
	return nil
}

// ResolveFraudAlert closes an open alert, recording who closed it. Already
// resolved or missing alerts return ErrNotFound, so resolution is
// single-shot.
func (s *Store) ResolveFraudAlert(ctx context.Context, id, resolver, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fraud_alerts SET resolved = 1, resolver = ?, notes = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		resolver, notes, toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("store: resolve fraud alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// GetFraudAlert fetches one alert by id.
func (s *Store) GetFraudAlert(ctx context.Context, id string) (*FraudAlert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, license_id, user_id, score, reasons, resolved, resolver,
			notes, created_at, resolved_at
		FROM fraud_alerts WHERE id = ?`, id)
	a, err := scanFraudAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get fraud alert: %w", err)
	}
	return a, nil
}

// ListFraudAlerts returns alerts newest first, optionally only open ones.
func (s *Store) ListFraudAlerts(ctx context.Context, openOnly bool) ([]*FraudAlert, error) {
	q := `SELECT id, license_id, user_id, score, reasons, resolved, resolver,
			notes, created_at, resolved_at
		FROM fraud_alerts`
	if openOnly {
		q += ` WHERE resolved = 0`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list fraud alerts: %w", err)
	}
	defer rows.Close()

	var out []*FraudAlert
	for rows.Next() {
		a, err := scanFraudAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan fraud alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanFraudAlert(row interface{ Scan(...any) error }) (*FraudAlert, error) {
	var (
		a          FraudAlert
		reasons    string
		resolver   sql.NullString
		notes      sql.NullString
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.LicenseID, &a.UserID, &a.Score, &reasons,
		&a.Resolved, &resolver, &notes, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if reasons != "" {
		a.Reasons = strings.Split(reasons, ",")
	}
	a.Resolver = resolver.String
	a.Notes = notes.String
	a.CreatedAt = fromMillis(createdAt)
	a.ResolvedAt = millisPtr(resolvedAt)
	return &a, nil
}

// CountRecentActivations counts activation rows (active or since
// deactivated) created for a license after the cutoff. Feeds the velocity
// signal.
func (s *Store) CountRecentActivations(ctx context.Context, licenseID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM device_activations
		WHERE license_id = ? AND created_at >= ?`,
		licenseID, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count recent activations: %w", err)
	}
	return n, nil
}

// DistinctCountries returns the distinct non-empty countries seen on a
// license's activations after the cutoff. Feeds the geo-dispersion signal.
func (s *Store) DistinctCountries(ctx context.Context, licenseID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT country FROM device_activations
		WHERE license_id = ? AND created_at >= ? AND country != ''`,
		licenseID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("store: distinct countries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("store: scan country: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountLicensesForDevice counts how many distinct licenses a device has
// activated against after the cutoff. Feeds the cross-license reuse signal.
func (s *Store) CountLicensesForDevice(ctx context.Context, deviceHash string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT license_id) FROM device_activations
		WHERE device_hash = ? AND created_at >= ?`,
		deviceHash, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count licenses for device: %w", err)
	}
	return n, nil
}
