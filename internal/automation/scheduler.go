// Package automation advances multi-step drip email sequences. All state
// lives in the store; the scheduler itself is a stateless periodic function
// whose transitions are guarded by per-(enrollment, step) status rows, so
// overlapping ticks are safe without any process-level lock.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"skillpulse/internal/email"
	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/infrastructure"
	"skillpulse/internal/store"
)

// Delay units accepted on automation steps.
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
	UnitWeeks   = "weeks"
)

// Scheduler drives enrollments through their step sequences.
type Scheduler struct {
	store       *store.Store
	sender      email.Sender
	logger      *slog.Logger
	metrics     *infrastructure.BusinessMetrics
	maxAttempts int
	batchSize   int
}

// NewScheduler builds a scheduler. metrics may be nil.
func NewScheduler(st *store.Store, sender email.Sender, maxAttempts, batchSize int, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Scheduler {
	return &Scheduler{
		store:       st,
		sender:      sender,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
	}
}

// delayDuration converts a step delay to a duration. Unknown units fail
// safe to zero delay so a typo never stalls a sequence forever.
func delayDuration(value int, unit string) (time.Duration, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: negative delay %d", apperrors.ErrConfigError, value)
	}
	d := time.Duration(value)
	switch unit {
	case UnitMinutes, "":
		return d * time.Minute, nil
	case UnitHours:
		return d * time.Hour, nil
	case UnitDays:
		return d * 24 * time.Hour, nil
	case UnitWeeks:
		return d * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown delay unit %q", apperrors.ErrConfigError, unit)
	}
}

// ComputeSchedule returns each step's send time. Delays accumulate from
// the enrollment instant; retries and late ticks never shift later steps.
func ComputeSchedule(enrolledAt time.Time, steps []store.AutomationStep) ([]time.Time, error) {
	out := make([]time.Time, 0, len(steps))
	var offset time.Duration
	var firstErr error
	for _, st := range steps {
		d, err := delayDuration(st.DelayValue, st.DelayUnit)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		offset += d
		out = append(out, enrolledAt.Add(offset))
	}
	return out, firstErr
}

// Enroll creates an enrollment at step cursor 0 with the full schedule
// precomputed. Inactive automations and automations without steps are
// rejected.
func (s *Scheduler) Enroll(ctx context.Context, automationID, emailAddr, userID, triggerData string) (*store.AutomationEnrollment, error) {
	auto, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	if !auto.Active {
		return nil, fmt.Errorf("%w: automation %s is inactive", apperrors.ErrConfigError, automationID)
	}
	if len(auto.Steps) == 0 {
		return nil, fmt.Errorf("%w: automation %s has no steps", apperrors.ErrConfigError, automationID)
	}

	enrolledAt := time.Now().UTC()
	schedule, err := ComputeSchedule(enrolledAt, auto.Steps)
	if err != nil {
		s.logger.Warn("automation has malformed delays, scheduling with zero fallback",
			slog.String("automation_id", automationID),
			slog.String("error", err.Error()))
	}

	enr := &store.AutomationEnrollment{
		AutomationID: automationID,
		Email:        emailAddr,
		UserID:       userID,
		TriggerData:  triggerData,
		EnrolledAt:   enrolledAt,
	}
	if err := s.store.CreateAutomationEnrollment(ctx, enr, schedule); err != nil {
		return nil, err
	}

	s.logger.Info("automation enrollment created",
		slog.String("automation_id", automationID),
		slog.String("enrollment_id", enr.ID),
		slog.Int("steps", len(schedule)))
	return enr, nil
}

// Tick processes every due step once. Safe to invoke from a timer and an
// admin endpoint concurrently; the per-delivery claim resolves overlap.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	return s.tickAt(ctx, time.Now().UTC())
}

func (s *Scheduler) tickAt(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueDeliveries(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		// One enrollment's trouble must not abort the rest of the batch.
		if s.processDelivery(ctx, d) {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) processDelivery(ctx context.Context, d *store.DueDelivery) bool {
	claimed, err := s.store.ClaimDelivery(ctx, d.EnrollmentID, d.Position)
	if err != nil {
		s.logger.Error("delivery claim failed",
			slog.String("enrollment_id", d.EnrollmentID),
			slog.Int("position", d.Position),
			slog.String("error", err.Error()))
		return false
	}
	if !claimed {
		// Another tick got here first.
		return false
	}

	msg := email.Message{
		To:       d.Email,
		Subject:  renderTemplate(d.Subject, d.TriggerData, s.logger),
		HTMLBody: renderTemplate(d.Body, d.TriggerData, s.logger),
	}

	// The settle writes must land even when the tick's context dies mid
	// send, or the claimed row stalls until the lease reclaims it.
	settleCtx := context.WithoutCancel(ctx)

	if err := s.sender.Send(ctx, msg); err != nil {
		terminal, mErr := s.store.MarkDeliveryFailed(settleCtx, d.EnrollmentID, d.Position, err.Error(), s.maxAttempts)
		if mErr != nil {
			s.logger.Error("delivery failure record failed",
				slog.String("enrollment_id", d.EnrollmentID),
				slog.String("error", mErr.Error()))
		}
		s.logger.Warn("automation step delivery failed",
			slog.String("enrollment_id", d.EnrollmentID),
			slog.Int("position", d.Position),
			slog.Int("attempts", d.Attempts+1),
			slog.Bool("terminal", terminal),
			slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.AutomationFailures.Add(ctx, 1)
		}
		return false
	}

	if err := s.store.MarkDeliverySent(settleCtx, d.EnrollmentID, d.Position); err != nil {
		s.logger.Error("delivery sent record failed",
			slog.String("enrollment_id", d.EnrollmentID),
			slog.Int("position", d.Position),
			slog.String("error", err.Error()))
		return false
	}

	s.logger.Info("automation step sent",
		slog.String("enrollment_id", d.EnrollmentID),
		slog.Int("position", d.Position),
		slog.String("to", d.Email))
	if s.metrics != nil {
		s.metrics.AutomationSends.Add(ctx, 1)
	}
	return true
}

// renderTemplate expands {{.field}} references against the enrollment's
// trigger data. Malformed templates or data fall back to the raw text; a
// bad template must never block a send.
func renderTemplate(text, triggerData string, logger *slog.Logger) string {
	if triggerData == "" || triggerData == "{}" {
		return text
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(triggerData), &data); err != nil {
		logger.Warn("trigger data is not valid JSON", slog.String("error", err.Error()))
		return text
	}
	tmpl, err := template.New("step").Option("missingkey=zero").Parse(text)
	if err != nil {
		logger.Warn("step template parse failed", slog.String("error", err.Error()))
		return text
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logger.Warn("step template execute failed", slog.String("error", err.Error()))
		return text
	}
	return buf.String()
}

// Deliveries exposes an enrollment's per-step state for the admin surface.
func (s *Scheduler) Deliveries(ctx context.Context, enrollmentID string) ([]*store.Delivery, error) {
	return s.store.EnrollmentDeliveries(ctx, enrollmentID)
}
