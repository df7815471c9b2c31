// Package store is the relational persistence layer. Every mutable
// invariant the services rely on (device capacity, one active binding per
// device, exactly-once automation delivery) is enforced here with atomic
// conditional updates and unique constraints, never with read-then-write
// sequences, so concurrent callers contend in the database rather than in
// process memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS licenses (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	package_id     TEXT NOT NULL,
	key_plain      TEXT NOT NULL,
	key_hash       TEXT NOT NULL UNIQUE,
	tier           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	max_devices    INTEGER NOT NULL,
	active_devices INTEGER NOT NULL DEFAULT 0,
	expires_at     INTEGER,
	source         TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_activations (
	id             TEXT PRIMARY KEY,
	license_id     TEXT NOT NULL REFERENCES licenses(id),
	device_hash    TEXT NOT NULL,
	device_name    TEXT NOT NULL DEFAULT '',
	device_os      TEXT NOT NULL DEFAULT '',
	device_type    TEXT NOT NULL DEFAULT '',
	ip_address     TEXT NOT NULL DEFAULT '',
	country        TEXT NOT NULL DEFAULT '',
	is_active      INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL,
	last_seen_at   INTEGER NOT NULL,
	deactivated_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_device_active
	ON device_activations(license_id, device_hash) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_device_license_time
	ON device_activations(license_id, created_at);
CREATE INDEX IF NOT EXISTS idx_device_hash_time
	ON device_activations(device_hash, created_at);

CREATE TABLE IF NOT EXISTS fraud_alerts (
	id          TEXT PRIMARY KEY,
	license_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	score       INTEGER NOT NULL,
	reasons     TEXT NOT NULL,
	resolved    INTEGER NOT NULL DEFAULT 0,
	resolver    TEXT,
	notes       TEXT,
	created_at  INTEGER NOT NULL,
	resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS packages (
	id         TEXT PRIMARY KEY,
	slug       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	probe_url  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'operational',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS status_checks (
	id          TEXT PRIMARY KEY,
	package_id  TEXT NOT NULL REFERENCES packages(id),
	status      TEXT NOT NULL,
	http_status INTEGER NOT NULL DEFAULT 0,
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	detail      TEXT NOT NULL DEFAULT '',
	checked_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checks_package_time
	ON status_checks(package_id, checked_at);

CREATE TABLE IF NOT EXISTS courses (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lessons (
	id         TEXT PRIMARY KEY,
	course_id  TEXT NOT NULL REFERENCES courses(id),
	title      TEXT NOT NULL,
	position   INTEGER NOT NULL,
	drip_type  TEXT NOT NULL DEFAULT 'immediate',
	drip_days  INTEGER NOT NULL DEFAULT 0,
	drip_date  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lessons_course ON lessons(course_id, position);

CREATE TABLE IF NOT EXISTS enrollments (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	course_id   TEXT NOT NULL REFERENCES courses(id),
	enrolled_at INTEGER NOT NULL,
	UNIQUE(user_id, course_id)
);

CREATE TABLE IF NOT EXISTS automations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_steps (
	automation_id TEXT NOT NULL REFERENCES automations(id),
	position      INTEGER NOT NULL,
	subject       TEXT NOT NULL,
	body          TEXT NOT NULL,
	delay_value   INTEGER NOT NULL DEFAULT 0,
	delay_unit    TEXT NOT NULL DEFAULT 'minutes',
	PRIMARY KEY (automation_id, position)
);

CREATE TABLE IF NOT EXISTS automation_enrollments (
	id            TEXT PRIMARY KEY,
	automation_id TEXT NOT NULL REFERENCES automations(id),
	email         TEXT NOT NULL,
	user_id       TEXT,
	trigger_data  TEXT NOT NULL DEFAULT '{}',
	step_cursor   INTEGER NOT NULL DEFAULT 0,
	enrolled_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS automation_deliveries (
	enrollment_id TEXT NOT NULL REFERENCES automation_enrollments(id),
	position      INTEGER NOT NULL,
	scheduled_at  INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	claimed_at    INTEGER,
	delivered_at  INTEGER,
	PRIMARY KEY (enrollment_id, position)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_due
	ON automation_deliveries(status, scheduled_at);
`

// Store wraps the SQLite connection. SQLite serializes writers, so the
// single-open-connection setting keeps lock contention out of the driver.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. The schema is idempotent, so Open doubles as migration.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	logger.Info("store opened", slog.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports store reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// toMillis converts a time to the stored millisecond representation.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
