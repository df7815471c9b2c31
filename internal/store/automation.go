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

// Delivery statuses. A delivery row is the per-(enrollment, step) state
// machine cell: pending → sending → sent, or pending → sending → pending
// (retry) → failed once attempts are exhausted. sent, skipped and failed
// are terminal.
const (
	DeliveryPending = "pending"
	DeliverySending = "sending"
	DeliverySent    = "sent"
	DeliverySkipped = "skipped"
	DeliveryFailed  = "failed"
)

// DeliveryLease bounds how long a claim may sit in sending without a
// settle write. A crash or cancelled tick between the claim and the settle
// strands the row; once the lease lapses DueDeliveries returns it to
// pending so the enrollment resumes.
const DeliveryLease = 5 * time.Minute

// Automation is a multi-step email sequence.
type Automation struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"created_at"`
	Steps     []AutomationStep `json:"steps,omitempty"`
}

// AutomationStep is one email in a sequence. Delay is relative to the
// previous step; schedules are cumulative from enrollment.
type AutomationStep struct {
	AutomationID string `json:"automation_id"`
	Position     int    `json:"position"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	DelayValue   int    `json:"delay_value"`
	DelayUnit    string `json:"delay_unit"`
}

// AutomationEnrollment is one recipient's progress through a sequence.
type AutomationEnrollment struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automation_id"`
	Email        string    `json:"email"`
	UserID       string    `json:"user_id,omitempty"`
	TriggerData  string    `json:"trigger_data,omitempty"`
	StepCursor   int       `json:"step_cursor"`
	EnrolledAt   time.Time `json:"enrolled_at"`
}

// Delivery is the persisted send state for one (enrollment, step).
type Delivery struct {
	EnrollmentID string     `json:"enrollment_id"`
	Position     int        `json:"position"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
}

// DueDelivery is a claimable unit of work for the scheduler tick: the
// delivery row joined with its step content and recipient.
type DueDelivery struct {
	EnrollmentID string
	AutomationID string
	Position     int
	Email        string
	TriggerData  string
	Subject      string
	Body         string
	Attempts     int
}

// CreateAutomation inserts an automation and its steps.
func (s *Store) CreateAutomation(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin automation insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automations (id, name, active, created_at)
		VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.Active, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert automation: %w", err)
	}
	for i := range a.Steps {
		st := &a.Steps[i]
		st.AutomationID = a.ID
		st.Position = i
		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_steps (automation_id, position, subject, body, delay_value, delay_unit)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.AutomationID, st.Position, st.Subject, st.Body, st.DelayValue, st.DelayUnit)
		if err != nil {
			return fmt.Errorf("store: insert automation step: %w", err)
		}
	}
	return tx.Commit()
}

// GetAutomation fetches an automation with its ordered steps.
func (s *Store) GetAutomation(ctx context.Context, id string) (*Automation, error) {
	var (
		a         Automation
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, created_at FROM automations WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get automation: %w", err)
	}
	a.CreatedAt = fromMillis(createdAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT automation_id, position, subject, body, delay_value, delay_unit
		FROM automation_steps WHERE automation_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list automation steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st AutomationStep
		if err := rows.Scan(&st.AutomationID, &st.Position, &st.Subject,
			&st.Body, &st.DelayValue, &st.DelayUnit); err != nil {
			return nil, fmt.Errorf("store: scan automation step: %w", err)
		}
		a.Steps = append(a.Steps, st)
	}
	return &a, rows.Err()
}

// SetAutomationActive toggles an automation. Deactivation halts future
// ticks from processing its enrollments without touching sent steps.
func (s *Store) SetAutomationActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("store: set automation active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// CreateAutomationEnrollment inserts the enrollment and one delivery row
// per step with its precomputed schedule (cumulative delays anchored to the
// enrollment time).
func (s *Store) CreateAutomationEnrollment(ctx context.Context, e *AutomationEnrollment, schedule []time.Time) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now().UTC()
	}
	if e.TriggerData == "" {
		e.TriggerData = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin enrollment insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automation_enrollments (id, automation_id, email, user_id, trigger_data, step_cursor, enrolled_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		e.ID, e.AutomationID, e.Email, e.UserID, e.TriggerData, toMillis(e.EnrolledAt))
	if err != nil {
		return fmt.Errorf("store: insert automation enrollment: %w", err)
	}
	for pos, at := range schedule {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_deliveries (enrollment_id, position, scheduled_at, status)
			VALUES (?, ?, ?, ?)`,
			e.ID, pos, toMillis(at), DeliveryPending)
		if err != nil {
			return fmt.Errorf("store: insert delivery: %w", err)
		}
	}
	return tx.Commit()
}

// DueDeliveries returns the claimable work for a tick: for each enrollment
// of an active automation, its cursor step's delivery when pending and due.
// Selecting only the cursor position keeps steps strictly in order; a
// terminally failed step therefore halts its enrollment. Claims stranded in
// sending past the lease are reclaimed first, without counting an attempt.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*DueDelivery, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_deliveries SET status = ?, claimed_at = NULL
		WHERE status = ? AND claimed_at <= ?`,
		DeliveryPending, DeliverySending, toMillis(now.Add(-DeliveryLease)))
	if err != nil {
		return nil, fmt.Errorf("store: reclaim stale claims: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.automation_id, d.position, e.email, e.trigger_data,
			st.subject, st.body, d.attempts
		FROM automation_deliveries d
		JOIN automation_enrollments e ON e.id = d.enrollment_id
		JOIN automations a ON a.id = e.automation_id
		JOIN automation_steps st ON st.automation_id = e.automation_id AND st.position = d.position
		WHERE a.active = 1
			AND d.position = e.step_cursor
			AND d.status = ?
			AND d.scheduled_at <= ?
		ORDER BY d.scheduled_at
		LIMIT ?`,
		DeliveryPending, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DueDelivery
	for rows.Next() {
		var d DueDelivery
		if err := rows.Scan(&d.EnrollmentID, &d.AutomationID, &d.Position,
			&d.Email, &d.TriggerData, &d.Subject, &d.Body, &d.Attempts); err != nil {
			return nil, fmt.Errorf("store: scan due delivery: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ClaimDelivery moves a delivery from pending to sending. The conditional
// update is the exactly-once guard: overlapping ticks race on this row and
// only one claim succeeds. The claim timestamp starts the lease clock.
func (s *Store) ClaimDelivery(ctx context.Context, enrollmentID string, position int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_deliveries SET status = ?, claimed_at = ?
		WHERE enrollment_id = ? AND position = ? AND status = ?`,
		DeliverySending, toMillis(time.Now().UTC()), enrollmentID, position, DeliveryPending)
	if err != nil {
		return false, fmt.Errorf("store: claim delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkDeliverySent finalizes a sent step and advances the enrollment
// cursor so the next step becomes eligible.
func (s *Store) MarkDeliverySent(ctx context.Context, enrollmentID string, position int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin mark sent: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_deliveries
		SET status = ?, attempts = attempts + 1, delivered_at = ?, claimed_at = NULL
		WHERE enrollment_id = ? AND position = ? AND status = ?`,
		DeliverySent, toMillis(time.Now().UTC()), enrollmentID, position, DeliverySending)
	if err != nil {
		return fmt.Errorf("store: mark delivery sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE automation_enrollments SET step_cursor = step_cursor + 1
		WHERE id = ? AND step_cursor = ?`, enrollmentID, position)
	if err != nil {
		return fmt.Errorf("store: advance cursor: %w", err)
	}
	return tx.Commit()
}

// MarkDeliveryFailed records a failed attempt. Below maxAttempts the row
// returns to pending so the next tick retries the same step; at the cap it
// turns terminally failed and the enrollment halts.
func (s *Store) MarkDeliveryFailed(ctx context.Context, enrollmentID string, position int, cause string, maxAttempts int) (terminal bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin mark failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_deliveries SET attempts = attempts + 1, last_error = ?
		WHERE enrollment_id = ? AND position = ? AND status = ?`,
		cause, enrollmentID, position, DeliverySending)
	if err != nil {
		return false, fmt.Errorf("store: record delivery failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, apperrors.ErrNotFound
	}

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempts FROM automation_deliveries
		WHERE enrollment_id = ? AND position = ?`,
		enrollmentID, position).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("store: read delivery attempts: %w", err)
	}

	next := DeliveryPending
	if attempts >= maxAttempts {
		next = DeliveryFailed
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE automation_deliveries SET status = ?, claimed_at = NULL
		WHERE enrollment_id = ? AND position = ?`,
		next, enrollmentID, position)
	if err != nil {
		return false, fmt.Errorf("store: settle failed delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit mark failed: %w", err)
	}
	return next == DeliveryFailed, nil
}

// EnrollmentDeliveries returns all delivery rows for an enrollment in step
// order.
func (s *Store) EnrollmentDeliveries(ctx context.Context, enrollmentID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT enrollment_id, position, scheduled_at, status, attempts, last_error, delivered_at
		FROM automation_deliveries WHERE enrollment_id = ? ORDER BY position`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("store: list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var (
			d           Delivery
			scheduledAt int64
			deliveredAt sql.NullInt64
		)
		if err := rows.Scan(&d.EnrollmentID, &d.Position, &scheduledAt,
			&d.Status, &d.Attempts, &d.LastError, &deliveredAt); err != nil {
			return nil, fmt.Errorf("store: scan delivery: %w", err)
		}
		d.ScheduledAt = fromMillis(scheduledAt)
		d.DeliveredAt = millisPtr(deliveredAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ListAutomationEnrollments returns enrollments for an automation, newest
// first.
func (s *Store) ListAutomationEnrollments(ctx context.Context, automationID string) ([]*AutomationEnrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, automation_id, email, user_id, trigger_data, step_cursor, enrolled_at
		FROM automation_enrollments WHERE automation_id = ?
		ORDER BY enrolled_at DESC`, automationID)
	if err != nil {
		return nil, fmt.Errorf("store: list enrollments: %w", err)
	}
	defer rows.Close()

	var out []*AutomationEnrollment
	for rows.Next() {
		var (
			e          AutomationEnrollment
			userID     sql.NullString
			enrolledAt int64
		)
		if err := rows.Scan(&e.ID, &e.AutomationID, &e.Email, &userID,
			&e.TriggerData, &e.StepCursor, &enrolledAt); err != nil {
			return nil, fmt.Errorf("store: scan enrollment: %w", err)
		}
		e.UserID = userID.String
		e.EnrolledAt = fromMillis(enrolledAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
