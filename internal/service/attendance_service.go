package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

type attendanceRepo interface {
	List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceRecord, int, error)
	Upsert(ctx context.Context, record *models.Attendance) (*models.Attendance, error)
	BulkInsert(ctx context.Context, records []models.Attendance, atomic bool) ([]models.AttendanceBulkConflict, error)
	ClassRegister(ctx context.Context, classID string, date time.Time) ([]models.AttendanceRecord, error)
	StudentSummary(ctx context.Context, studentID string, termID string) (*models.AttendanceSummary, error)
}

type attendanceStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
	ListByClass(ctx context.Context, classID string) ([]models.Student, error)
}

type attendanceClassReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type attendanceTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindCurrent(ctx context.Context) (*models.Term, error)
}

type attendanceTeacherReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Teacher, error)
}

type attendanceAccessChecker interface {
	HasClassAccess(ctx context.Context, teacherID, classID, termID string) (bool, error)
}

// MarkAttendanceRequest records a single register row.
type MarkAttendanceRequest struct {
	StudentID string                  `json:"student_id" validate:"required"`
	ClassID   string                  `json:"class_id" validate:"required"`
	TermID    string                  `json:"term_id"`
	Date      time.Time               `json:"date" validate:"required"`
	Status    models.AttendanceStatus `json:"status" validate:"required"`
	Notes     *string                 `json:"notes"`
}

// BulkAttendanceEntry is one student's row inside a bulk register call.
type BulkAttendanceEntry struct {
	StudentID string                  `json:"student_id" validate:"required"`
	Status    models.AttendanceStatus `json:"status" validate:"required"`
	Notes     *string                 `json:"notes"`
}

// BulkRegisterRequest marks a whole class for one date.
type BulkRegisterRequest struct {
	ClassID string                `json:"class_id" validate:"required"`
	TermID  string                `json:"term_id"`
	Date    time.Time             `json:"date" validate:"required"`
	Entries []BulkAttendanceEntry `json:"entries" validate:"required,min=1,dive"`
	Mode    string                `json:"mode" validate:"omitempty,oneof=atomic partialOnError"`
}

// BulkRegisterResult summarises a bulk register write.
type BulkRegisterResult struct {
	Saved     int                             `json:"saved"`
	Conflicts []models.AttendanceBulkConflict `json:"conflicts,omitempty"`
}

// AttendanceService maintains the daily class register.
type AttendanceService struct {
	repo        attendanceRepo
	students    attendanceStudentReader
	classes     attendanceClassReader
	terms       attendanceTermReader
	teachers    attendanceTeacherReader
	assignments attendanceAccessChecker
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewAttendanceService wires the attendance service.
func NewAttendanceService(
	repo attendanceRepo,
	students attendanceStudentReader,
	classes attendanceClassReader,
	terms attendanceTermReader,
	teachers attendanceTeacherReader,
	assignments attendanceAccessChecker,
	validate *validator.Validate,
	logger *zap.Logger,
) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceService{
		repo:        repo,
		students:    students,
		classes:     classes,
		terms:       terms,
		teachers:    teachers,
		assignments: assignments,
		validator:   validate,
		logger:      logger,
	}
}

// List returns register rows matching the filter.
func (s *AttendanceService) List(ctx context.Context, filter models.AttendanceFilter) ([]models.AttendanceRecord, *models.Pagination, error) {
	records, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attendance")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return records, pagination, nil
}

// ClassRegister returns the saved register for a class on a date.
func (s *AttendanceService) ClassRegister(ctx context.Context, classID string, date time.Time) ([]models.AttendanceRecord, error) {
	if _, err := s.classes.FindByID(ctx, classID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	records, err := s.repo.ClassRegister(ctx, classID, dateOnly(date))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class register")
	}
	return records, nil
}

// Mark upserts one register row. Re-marking the same (student, date)
// overwrites the previous status.
func (s *AttendanceService) Mark(ctx context.Context, actor Actor, req MarkAttendanceRequest) (*models.Attendance, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown attendance status")
	}

	term, err := s.resolveTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureRegisterScope(ctx, actor, req.ClassID, term.ID); err != nil {
		return nil, err
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.ClassID != req.ClassID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student not in this class")
	}

	record := &models.Attendance{
		StudentID:  req.StudentID,
		ClassID:    req.ClassID,
		TermID:     term.ID,
		Date:       dateOnly(req.Date),
		Status:     req.Status,
		Notes:      req.Notes,
		RecordedBy: actor.UserID,
	}
	stored, err := s.repo.Upsert(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save attendance")
	}
	return stored, nil
}

// BulkRegister marks a whole class for one date. In atomic mode any
// duplicate row aborts the batch; otherwise duplicates are reported back
// as conflicts and the rest is kept.
func (s *AttendanceService) BulkRegister(ctx context.Context, actor Actor, req BulkRegisterRequest) (*BulkRegisterResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	term, err := s.resolveTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureRegisterScope(ctx, actor, req.ClassID, term.ID); err != nil {
		return nil, err
	}

	roster, err := s.students.ListByClass(ctx, req.ClassID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class roster")
	}
	inClass := make(map[string]bool, len(roster))
	for _, st := range roster {
		inClass[st.ID] = true
	}

	date := dateOnly(req.Date)
	records := make([]models.Attendance, 0, len(req.Entries))
	for _, entry := range req.Entries {
		if !entry.Status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown attendance status for student "+entry.StudentID)
		}
		if !inClass[entry.StudentID] {
			return nil, appErrors.Clone(appErrors.ErrValidation, "student "+entry.StudentID+" not in this class")
		}
		records = append(records, models.Attendance{
			StudentID:  entry.StudentID,
			ClassID:    req.ClassID,
			TermID:     term.ID,
			Date:       date,
			Status:     entry.Status,
			Notes:      entry.Notes,
			RecordedBy: actor.UserID,
		})
	}

	atomic := req.Mode != "partialOnError"
	conflicts, err := s.repo.BulkInsert(ctx, records, atomic)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "register already contains rows for this date")
	}
	return &BulkRegisterResult{Saved: len(records) - len(conflicts), Conflicts: conflicts}, nil
}

// StudentSummary aggregates a student's attendance over a term. An empty
// termID spans all terms.
func (s *AttendanceService) StudentSummary(ctx context.Context, studentID, termID string) (*models.AttendanceSummary, error) {
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if termID != "" {
		if _, err := s.terms.FindByID(ctx, termID); err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
		}
	}
	summary, err := s.repo.StudentSummary(ctx, studentID, termID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to summarise attendance")
	}
	return summary, nil
}

func (s *AttendanceService) resolveTerm(ctx context.Context, termID string) (*models.Term, error) {
	if termID == "" {
		term, err := s.terms.FindCurrent(ctx)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no current term configured")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current term")
		}
		return term, nil
	}
	term, err := s.terms.FindByID(ctx, termID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

func (s *AttendanceService) ensureRegisterScope(ctx context.Context, actor Actor, classID, termID string) error {
	if actor.Privileged() {
		return nil
	}
	if actor.Role != models.RoleTeacher {
		return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions")
	}
	teacher, err := s.teachers.FindByUserID(ctx, actor.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no teacher profile for this account")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	allowed, err := s.assignments.HasClassAccess(ctx, teacher.ID, classID, termID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check assignment")
	}
	if !allowed {
		return appErrors.Clone(appErrors.ErrForbidden, "not assigned to this class")
	}
	return nil
}

// dateOnly strips the time component so the (student, date) key is stable
// regardless of the client's clock precision.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
