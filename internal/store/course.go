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

// Course groups drip-gated lessons.
type Course struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Lesson carries its drip rule as stored fields; internal/drip parses them
// into the typed rule.
type Lesson struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
	DripType string `json:"drip_type"`
	DripDays int    `json:"drip_days"`
	DripDate string `json:"drip_date"`
}

// Enrollment anchors a user's drip schedule for one course.
type Enrollment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	CourseID   string    `json:"course_id"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// CreateCourse inserts a course.
func (s *Store) CreateCourse(ctx context.Context, c *Course) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses (id, title, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Title, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert course: %w", err)
	}
	return nil
}

// CreateLesson inserts a lesson with its drip rule fields.
func (s *Store) CreateLesson(ctx context.Context, l *Lesson) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lessons (id, course_id, title, position, drip_type, drip_days, drip_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CourseID, l.Title, l.Position, l.DripType, l.DripDays, l.DripDate)
	if err != nil {
		return fmt.Errorf("store: insert lesson: %w", err)
	}
	return nil
}

// CourseLessons returns a course's lessons in position order.
func (s *Store) CourseLessons(ctx context.Context, courseID string) ([]*Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, title, position, drip_type, drip_days, drip_date
		FROM lessons WHERE course_id = ? ORDER BY position`, courseID)
	if err != nil {
		return nil, fmt.Errorf("store: list lessons: %w", err)
	}
	defer rows.Close()

	var out []*Lesson
	for rows.Next() {
		var l Lesson
		if err := rows.Scan(&l.ID, &l.CourseID, &l.Title, &l.Position,
			&l.DripType, &l.DripDays, &l.DripDate); err != nil {
			return nil, fmt.Errorf("store: scan lesson: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// CreateEnrollment enrolls a user in a course. One enrollment per
// (user, course); repeats fail on the unique constraint.
func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, user_id, course_id, enrolled_at)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.UserID, e.CourseID, toMillis(e.EnrolledAt))
	if err != nil {
		return fmt.Errorf("store: insert enrollment: %w", err)
	}
	return nil
}

// GetEnrollment fetches the enrollment for (user, course).
func (s *Store) GetEnrollment(ctx context.Context, userID, courseID string) (*Enrollment, error) {
	var (
		e          Enrollment
		enrolledAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, course_id, enrolled_at FROM enrollments
		WHERE user_id = ? AND course_id = ?`, userID, courseID).
		Scan(&e.ID, &e.UserID, &e.CourseID, &enrolledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get enrollment: %w", err)
	}
	e.EnrolledAt = fromMillis(enrolledAt)
	return &e, nil
}
