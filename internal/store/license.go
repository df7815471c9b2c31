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

// License status values. Licenses are never deleted, only moved between
// these soft states.
const (
	LicenseActive    = "active"
	LicenseSuspended = "suspended"
	LicenseRevoked   = "revoked"
	LicenseExpired   = "expired"
)

// License is a purchased entitlement to a software package. KeyPlain is
// retained for the owner-only reveal path; all lookups go through KeyHash.
type License struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	PackageID     string     `json:"package_id"`
	KeyPlain      string     `json:"-"`
	KeyHash       string     `json:"-"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	MaxDevices    int        `json:"max_devices"`
	ActiveDevices int        `json:"active_devices"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Source        string     `json:"source,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// DeviceActivation binds one device to a license. Rows are never deleted;
// deactivation flips IsActive so the history stays available for fraud
// analysis.
type DeviceActivation struct {
	ID            string     `json:"id"`
	LicenseID     string     `json:"license_id"`
	DeviceHash    string     `json:"device_hash"`
	DeviceName    string     `json:"device_name,omitempty"`
	DeviceOS      string     `json:"device_os,omitempty"`
	DeviceType    string     `json:"device_type,omitempty"`
	IPAddress     string     `json:"-"`
	Country       string     `json:"country,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// DeviceMeta is the caller-supplied description of an activating device.
type DeviceMeta struct {
	Name      string
	OS        string
	Type      string
	IPAddress string
	Country   string
}

// CreateLicense inserts a new license and returns it with the generated id.
func (s *Store) CreateLicense(ctx context.Context, l *License) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = LicenseActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (
			id, user_id, package_id, key_plain, key_hash, tier, status,
			max_devices, active_devices, expires_at, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		l.ID, l.UserID, l.PackageID, l.KeyPlain, l.KeyHash, l.Tier, l.Status,
		l.MaxDevices, nullableMillis(l.ExpiresAt), l.Source, toMillis(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert license: %w", err)
	}
	return nil
}

const licenseColumns = `id, user_id, package_id, key_plain, key_hash, tier,
	status, max_devices, active_devices, expires_at, source, created_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	var (
		l         License
		expiresAt sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&l.ID, &l.UserID, &l.PackageID, &l.KeyPlain, &l.KeyHash,
		&l.Tier, &l.Status, &l.MaxDevices, &l.ActiveDevices, &expiresAt,
		&l.Source, &createdAt)
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = millisPtr(expiresAt)
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

// GetLicense fetches a license by id.
func (s *Store) GetLicense(ctx context.Context, id string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get license: %w", err)
	}
	return l, nil
}

// GetLicenseByKeyHash fetches a license by the hash of its key.
func (s *Store) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ?`, keyHash)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get license by key hash: %w", err)
	}
	return l, nil
}

// KeyHashExists reports whether a license already uses the given key hash.
// Satisfies keygen.HashChecker.
func (s *Store) KeyHashExists(ctx context.Context, keyHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM licenses WHERE key_hash = ?`, keyHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: check key hash: %w", err)
	}
	return n > 0, nil
}

// UpdateLicenseStatus moves a license between its soft states.
func (s *Store) UpdateLicenseStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update license status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ActivateDevice performs the capacity-checked device binding as one
// transaction. The counter increment is a conditional update whose affected
// row count is the capacity check, so two concurrent activations at the
// limit resolve to exactly one winner. Returns the activation row, whether
// it already existed (idempotent re-activation) and the active-device count
// read inside the transaction.
func (s *Store) ActivateDevice(ctx context.Context, licenseID, deviceHash string, meta DeviceMeta) (*DeviceActivation, bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, 0, fmt.Errorf("store: begin activation: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	existing, err := s.activeDeviceTx(ctx, tx, licenseID, deviceHash)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, false, 0, err
	}
	if existing != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE device_activations SET last_seen_at = ? WHERE id = ?`,
			toMillis(now), existing.ID)
		if err != nil {
			return nil, false, 0, fmt.Errorf("store: touch activation: %w", err)
		}
		active, err := s.activeDeviceCountTx(ctx, tx, licenseID)
		if err != nil {
			return nil, false, 0, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, 0, fmt.Errorf("store: commit activation: %w", err)
		}
		existing.LastSeenAt = now
		return existing, true, active, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE licenses SET active_devices = active_devices + 1
		WHERE id = ? AND active_devices < max_devices`, licenseID)
	if err != nil {
		return nil, false, 0, fmt.Errorf("store: reserve device slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, 0, apperrors.ErrDeviceLimitReached
	}

	act := &DeviceActivation{
		ID:         uuid.New().String(),
		LicenseID:  licenseID,
		DeviceHash: deviceHash,
		DeviceName: meta.Name,
		DeviceOS:   meta.OS,
		DeviceType: meta.Type,
		IPAddress:  meta.IPAddress,
		Country:    meta.Country,
		IsActive:   true,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_activations (
			id, license_id, device_hash, device_name, device_os, device_type,
			ip_address, country, is_active, created_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		act.ID, act.LicenseID, act.DeviceHash, act.DeviceName, act.DeviceOS,
		act.DeviceType, act.IPAddress, act.Country, toMillis(now), toMillis(now),
	)
	if err != nil {
		// The partial unique index backstops a concurrent bind of the
		// same device; surface it as the limit error the caller handles.
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, false, 0, apperrors.ErrDeviceLimitReached
		}
		return nil, false, 0, fmt.Errorf("store: insert activation: %w", err)
	}

	active, err := s.activeDeviceCountTx(ctx, tx, licenseID)
	if err != nil {
		return nil, false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, 0, fmt.Errorf("store: commit activation: %w", err)
	}
	return act, false, active, nil
}

func (s *Store) activeDeviceCountTx(ctx context.Context, tx *sql.Tx, licenseID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT active_devices FROM licenses WHERE id = ?`, licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: read device count: %w", err)
	}
	return n, nil
}

// DeactivateDevice flips the active binding off and releases its slot.
// Returns the remaining active-device count. Deactivating a device with no
// active binding returns ErrNotFound without touching the counter.
func (s *Store) DeactivateDevice(ctx context.Context, licenseID, deviceHash string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin deactivation: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE device_activations SET is_active = 0, deactivated_at = ?
		WHERE license_id = ? AND device_hash = ? AND is_active = 1`,
		toMillis(time.Now().UTC()), licenseID, deviceHash)
	if err != nil {
		return 0, fmt.Errorf("store: deactivate device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, apperrors.ErrNotFound
	}

	// Floor at zero so a drifted counter can never go negative.
	if _, err := tx.ExecContext(ctx, `
		UPDATE licenses SET active_devices = MAX(active_devices - 1, 0)
		WHERE id = ?`, licenseID); err != nil {
		return 0, fmt.Errorf("store: release device slot: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT active_devices FROM licenses WHERE id = ?`, licenseID).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("store: read device count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit deactivation: %w", err)
	}
	return remaining, nil
}

const activationColumns = `id, license_id, device_hash, device_name,
	device_os, device_type, ip_address, country, is_active, created_at,
	last_seen_at, deactivated_at`

func scanActivation(row interface{ Scan(...any) error }) (*DeviceActivation, error) {
	var (
		a             DeviceActivation
		createdAt     int64
		lastSeenAt    int64
		deactivatedAt sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.LicenseID, &a.DeviceHash, &a.DeviceName,
		&a.DeviceOS, &a.DeviceType, &a.IPAddress, &a.Country, &a.IsActive,
		&createdAt, &lastSeenAt, &deactivatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	a.LastSeenAt = fromMillis(lastSeenAt)
	a.DeactivatedAt = millisPtr(deactivatedAt)
	return &a, nil
}

func (s *Store) activeDeviceTx(ctx context.Context, tx *sql.Tx, licenseID, deviceHash string) (*DeviceActivation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+activationColumns+` FROM device_activations
		WHERE license_id = ? AND device_hash = ? AND is_active = 1`,
		licenseID, deviceHash)
	a, err := scanActivation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active device: %w", err)
	}
	return a, nil
}

// ActiveDevice returns the active binding for (license, device), or
// ErrNotFound when the device holds no active slot.
func (s *Store) ActiveDevice(ctx context.Context, licenseID, deviceHash string) (*DeviceActivation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activationColumns+` FROM device_activations
		WHERE license_id = ? AND device_hash = ? AND is_active = 1`,
		licenseID, deviceHash)
	a, err := scanActivation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active device: %w", err)
	}
	return a, nil
}

// TouchDevice stamps last_seen_at on the active binding.
func (s *Store) TouchDevice(ctx context.Context, licenseID, deviceHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_activations SET last_seen_at = ?
		WHERE license_id = ? AND device_hash = ? AND is_active = 1`,
		toMillis(time.Now().UTC()), licenseID, deviceHash)
	if err != nil {
		return fmt.Errorf("store: touch device: %w", err)
	}
	return nil
}

// ListDevices returns the full activation history for a license, newest
// first, active and inactive rows alike.
func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]*DeviceActivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activationColumns+` FROM device_activations
		WHERE license_id = ? ORDER BY created_at DESC`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []*DeviceActivation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
