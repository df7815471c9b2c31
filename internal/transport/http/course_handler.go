package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"skillpulse/internal/drip"
	apperrors "skillpulse/internal/errors"
	"skillpulse/internal/store"
)

// CourseHandler exposes course enrollment and the drip schedule.
type CourseHandler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewCourseHandler creates a course handler.
func NewCourseHandler(st *store.Store, logger *slog.Logger) *CourseHandler {
	return &CourseHandler{
		store:  st,
		logger: logger.With(slog.String("handler", "course")),
	}
}

// Routes returns the chi router for course endpoints.
func (h *CourseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Post("/{courseID}/lessons", h.AddLesson)
	r.Post("/{courseID}/enroll", h.Enroll)
	r.Get("/{courseID}/schedule", h.Schedule)

	return r
}

// CreateCourseRequest creates a course.
type CreateCourseRequest struct {
	Title string `json:"title" validate:"required"`
}

// Create handles POST /api/courses (admin).
func (h *CourseHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req CreateCourseRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	course := &store.Course{Title: req.Title}
	if err := h.store.CreateCourse(r.Context(), course); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, course)
}

// AddLessonRequest adds a lesson with its drip rule.
type AddLessonRequest struct {
	Title    string `json:"title" validate:"required"`
	Position int    `json:"position" validate:"min=0"`
	DripType string `json:"drip_type" validate:"omitempty,oneof=immediate date days_after_enroll"`
	DripDays int    `json:"drip_days" validate:"min=0"`
	DripDate string `json:"drip_date,omitempty"`
}

// AddLesson handles POST /api/courses/{courseID}/lessons (admin).
func (h *CourseHandler) AddLesson(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req AddLessonRequest
	if apiErr := decodeAndValidate(r, &req); apiErr != nil {
		render.Render(w, r, apperrors.NewErrorResponse(apiErr))
		return
	}

	// Reject unparseable rules up front; stored rules still fail safe at
	// read time.
	if _, err := drip.ParseRule(req.DripType, req.DripDays, req.DripDate); err != nil {
		render.Render(w, r, apperrors.NewErrorResponse(
			apperrors.ErrValidation("drip_date", err.Error())))
		return
	}

	lesson := &store.Lesson{
		CourseID: chi.URLParam(r, "courseID"),
		Title:    req.Title,
		Position: req.Position,
		DripType: req.DripType,
		DripDays: req.DripDays,
		DripDate: req.DripDate,
	}
	if err := h.store.CreateLesson(r.Context(), lesson); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lesson)
}

// Enroll handles POST /api/courses/{courseID}/enroll.
func (h *CourseHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		renderError(w, r, apperrors.ErrNotAuthorized)
		return
	}

	enrollment := &store.Enrollment{
		UserID:   userID,
		CourseID: chi.URLParam(r, "courseID"),
	}
	if err := h.store.CreateEnrollment(r.Context(), enrollment); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, enrollment)
}

// Schedule handles GET /api/courses/{courseID}/schedule. The unlock state
// is computed fresh against the caller's enrollment on every request.
func (h *CourseHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		renderError(w, r, apperrors.ErrNotAuthorized)
		return
	}
	courseID := chi.URLParam(r, "courseID")

	enrollment, err := h.store.GetEnrollment(ctx, userID, courseID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	rows, err := h.store.CourseLessons(ctx, courseID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	lessons := make([]drip.Lesson, 0, len(rows))
	for _, l := range rows {
		rule, err := drip.ParseRule(l.DripType, l.DripDays, l.DripDate)
		if err != nil {
			h.logger.WarnContext(ctx, "lesson has malformed drip rule",
				slog.String("lesson_id", l.ID),
				slog.String("error", err.Error()))
		}
		lessons = append(lessons, drip.Lesson{ID: l.ID, Title: l.Title, Rule: rule})
	}

	now := time.Now().UTC()
	render.JSON(w, r, map[string]any{
		"enrolled_at": enrollment.EnrolledAt,
		"lessons":     drip.Schedule(now, enrollment.EnrolledAt, lessons),
		"next_unlock": drip.NextUnlock(now, enrollment.EnrolledAt, lessons),
	})
}
