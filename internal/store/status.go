package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "skillpulse/internal/errors"
)

// Package is a monitored product with an optional probe URL. Status holds
// the last classification the health runner stored.
type Package struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	ProbeURL  string    `json:"probe_url,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCheck is one timestamped probe result.
type StatusCheck struct {
	ID         string    `json:"id"`
	PackageID  string    `json:"package_id"`
	Status     string    `json:"status"`
	HTTPStatus int       `json:"http_status,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Detail     string    `json:"detail,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// CreatePackage inserts a package.
func (s *Store) CreatePackage(ctx context.Context, p *Package) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = "operational"
	}
	p.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages (id, slug, name, probe_url, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Slug, p.Name, p.ProbeURL, p.Status, toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert package: %w", err)
	}
	return nil
}

// GetPackage fetches a package by id.
func (s *Store) GetPackage(ctx context.Context, id string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, probe_url, status, updated_at
		FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get package: %w", err)
	}
	return p, nil
}

// GetPackageBySlug fetches a package by its public slug.
func (s *Store) GetPackageBySlug(ctx context.Context, slug string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, probe_url, status, updated_at
		FROM packages WHERE slug = ?`, slug)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get package by slug: %w", err)
	}
	return p, nil
}

// ListPackages returns all packages ordered by slug.
func (s *Store) ListPackages(ctx context.Context) ([]*Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, probe_url, status, updated_at
		FROM packages ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("store: list packages: %w", err)
	}
	defer rows.Close()

	var out []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProbeTargets returns packages with a probe URL configured.
func (s *Store) ProbeTargets(ctx context.Context) ([]*Package, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, probe_url, status, updated_at
		FROM packages WHERE probe_url != '' ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("store: list probe targets: %w", err)
	}
	defer rows.Close()

	var out []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPackage(row interface{ Scan(...any) error }) (*Package, error) {
	var (
		p         Package
		updatedAt int64
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.ProbeURL, &p.Status, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// UpdatePackageStatus stores a new classification only when it differs from
// the current one. Returns true when the status actually changed, which is
// the signal to emit a change event.
func (s *Store) UpdatePackageStatus(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE packages SET status = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		status, toMillis(time.Now().UTC()), id, status)
	if err != nil {
		return false, fmt.Errorf("store: update package status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertStatusCheck appends a probe result to the check history.
func (s *Store) InsertStatusCheck(ctx context.Context, c *StatusCheck) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CheckedAt.IsZero() {
		c.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_checks (id, package_id, status, http_status, latency_ms, detail, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PackageID, c.Status, c.HTTPStatus, c.LatencyMS, c.Detail,
		toMillis(c.CheckedAt))
	if err != nil {
		return fmt.Errorf("store: insert status check: %w", err)
	}
	return nil
}

// RecentStatusChecks returns the latest check rows for a package, newest
// first.
func (s *Store) RecentStatusChecks(ctx context.Context, packageID string, limit int) ([]*StatusCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package_id, status, http_status, latency_ms, detail, checked_at
		FROM status_checks WHERE package_id = ?
		ORDER BY checked_at DESC LIMIT ?`, packageID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list status checks: %w", err)
	}
	defer rows.Close()

	var out []*StatusCheck
	for rows.Next() {
		var (
			c         StatusCheck
			checkedAt int64
		)
		if err := rows.Scan(&c.ID, &c.PackageID, &c.Status, &c.HTTPStatus,
			&c.LatencyMS, &c.Detail, &checkedAt); err != nil {
			return nil, fmt.Errorf("store: scan status check: %w", err)
		}
		c.CheckedAt = fromMillis(checkedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}
