// Package drip computes when time-gated course content unlocks for an
// enrollment. Unlock times are pure functions of the enrollment timestamp
// and the lesson's drip rule. Nothing here caches or mutates state, so
// every read recomputes fresh.
package drip

import (
	"fmt"
	"time"
)

// RuleType enumerates the closed set of drip rule variants.
type RuleType string

const (
	// Immediate unlocks at the enrollment instant.
	Immediate RuleType = "immediate"
	// FixedDate unlocks at a configured absolute time.
	FixedDate RuleType = "date"
	// DaysAfterEnroll unlocks a whole number of days after enrollment.
	DaysAfterEnroll RuleType = "days_after_enroll"
)

// Rule is the tagged union of drip variants. Days applies to
// DaysAfterEnroll; Date applies to FixedDate.
type Rule struct {
	Type RuleType
	Days int
	Date time.Time
}

// ParseRule builds a Rule from stored fields. dateStr is parsed as RFC 3339
// or as a bare date; an unparseable date yields a FixedDate rule with a zero
// Date, which ComputeUnlock fails safe to the enrollment time (bad config
// must never lock content).
func ParseRule(ruleType string, days int, dateStr string) (Rule, error) {
	switch RuleType(ruleType) {
	case Immediate, "":
		return Rule{Type: Immediate}, nil
	case DaysAfterEnroll:
		if days < 0 {
			return Rule{Type: Immediate}, fmt.Errorf("drip: negative day offset %d", days)
		}
		return Rule{Type: DaysAfterEnroll, Days: days}, nil
	case FixedDate:
		date, err := parseDate(dateStr)
		if err != nil {
			return Rule{Type: FixedDate}, fmt.Errorf("drip: unparseable date %q: %w", dateStr, err)
		}
		return Rule{Type: FixedDate, Date: date}, nil
	default:
		return Rule{Type: Immediate}, fmt.Errorf("drip: unknown rule type %q", ruleType)
	}
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// ComputeUnlock returns the instant a lesson unlocks for an enrollment.
// Clock-time arithmetic: a day is exactly 24 hours, not business-day aware.
// Misconfigured rules fail safe to the enrollment time.
func ComputeUnlock(enrolledAt time.Time, rule Rule) time.Time {
	switch rule.Type {
	case DaysAfterEnroll:
		if rule.Days <= 0 {
			return enrolledAt
		}
		return enrolledAt.Add(time.Duration(rule.Days) * 24 * time.Hour)
	case FixedDate:
		if rule.Date.IsZero() {
			return enrolledAt
		}
		return rule.Date
	default:
		return enrolledAt
	}
}

// IsUnlocked reports whether content with the given unlock time is
// accessible at now. The boundary instant itself is unlocked.
func IsUnlocked(now, unlockAt time.Time) bool {
	return !now.Before(unlockAt)
}

// Describe produces a human-readable unlock phrase, growing more urgent as
// the gap shrinks and settling on "available now" once unlocked.
func Describe(now, unlockAt time.Time) string {
	if IsUnlocked(now, unlockAt) {
		return "available now"
	}
	return "unlocks in " + FormatRemaining(unlockAt.Sub(now))
}

// FormatRemaining renders a duration in the largest sensible unit.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0 minutes"
	}
	switch {
	case d >= 24*time.Hour:
		days := int(d / (24 * time.Hour))
		return plural(days, "day")
	case d >= time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return "less than a minute"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// LessonUnlock is one lesson's computed drip state for an enrollment.
type LessonUnlock struct {
	LessonID string    `json:"lesson_id"`
	Title    string    `json:"title"`
	UnlockAt time.Time `json:"unlock_at"`
	Unlocked bool      `json:"unlocked"`
	Describe string    `json:"describe"`
}

// Lesson is the input to the per-course schedule computation.
type Lesson struct {
	ID    string
	Title string
	Rule  Rule
}

// Schedule computes the unlock state of every lesson for one enrollment.
func Schedule(now, enrolledAt time.Time, lessons []Lesson) []LessonUnlock {
	out := make([]LessonUnlock, 0, len(lessons))
	for _, l := range lessons {
		unlockAt := ComputeUnlock(enrolledAt, l.Rule)
		out = append(out, LessonUnlock{
			LessonID: l.ID,
			Title:    l.Title,
			UnlockAt: unlockAt,
			Unlocked: IsUnlocked(now, unlockAt),
			Describe: Describe(now, unlockAt),
		})
	}
	return out
}

// NextUnlock returns the earliest still-locked lesson by unlock time, or
// nil when everything is already available. Computed fresh on every call;
// this drives paywall decisions and must never serve stale state.
func NextUnlock(now, enrolledAt time.Time, lessons []Lesson) *LessonUnlock {
	var next *LessonUnlock
	for _, l := range lessons {
		unlockAt := ComputeUnlock(enrolledAt, l.Rule)
		if IsUnlocked(now, unlockAt) {
			continue
		}
		if next == nil || unlockAt.Before(next.UnlockAt) {
			next = &LessonUnlock{
				LessonID: l.ID,
				Title:    l.Title,
				UnlockAt: unlockAt,
				Describe: Describe(now, unlockAt),
			}
		}
	}
	return next
}
