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

type sessionRepository interface {
	List(ctx context.Context, filter models.SessionFilter) ([]models.AcademicSession, int, error)
	FindByID(ctx context.Context, id string) (*models.AcademicSession, error)
	FindCurrent(ctx context.Context) (*models.AcademicSession, error)
	ExistsByName(ctx context.Context, name string, excludeID string) (bool, error)
	Create(ctx context.Context, session *models.AcademicSession) error
	Update(ctx context.Context, session *models.AcademicSession) error
	SetCurrent(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	CountTerms(ctx context.Context, id string) (int, error)
}

type sessionAuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateSessionRequest describes payload for creating academic sessions.
type CreateSessionRequest struct {
	Name      string    `json:"name" validate:"required"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date" validate:"required"`
}

// UpdateSessionRequest updates mutable fields on a session.
type UpdateSessionRequest struct {
	Name      string    `json:"name" validate:"required"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date" validate:"required"`
}

// SessionService orchestrates academic session workflows.
type SessionService struct {
	repo      sessionRepository
	audit     sessionAuditLogger
	validator *validator.Validate
	logger    *zap.Logger
}

// NewSessionService creates a new session service instance.
func NewSessionService(repo sessionRepository, audit sessionAuditLogger, validate *validator.Validate, logger *zap.Logger) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{repo: repo, audit: audit, validator: validate, logger: logger}
}

// List returns paginated sessions.
func (s *SessionService) List(ctx context.Context, filter models.SessionFilter) ([]models.AcademicSession, *models.Pagination, error) {
	sessions, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
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
	return sessions, pagination, nil
}

// Get returns a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*models.AcademicSession, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

// GetCurrent returns the session currently marked current.
func (s *SessionService) GetCurrent(ctx context.Context) (*models.AcademicSession, error) {
	session, err := s.repo.FindCurrent(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no current session configured")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current session")
	}
	return session, nil
}

// Create adds a new session. New sessions are never current implicitly;
// promotion happens through SetCurrent so the previous current session is
// demoted in the same transaction.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (*models.AcademicSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_date must be before end_date")
	}

	exists, err := s.repo.ExistsByName(ctx, req.Name, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check session uniqueness")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "session name already used")
	}

	session := &models.AcademicSession{
		Name:      req.Name,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	return session, nil
}

// Update modifies a session record.
func (s *SessionService) Update(ctx context.Context, id string, req UpdateSessionRequest) (*models.AcademicSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if !req.StartDate.Before(req.EndDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_date must be before end_date")
	}

	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	exists, err := s.repo.ExistsByName(ctx, req.Name, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check session uniqueness")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "session name already used")
	}

	session.Name = req.Name
	session.StartDate = req.StartDate
	session.EndDate = req.EndDate

	if err := s.repo.Update(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update session")
	}
	return session, nil
}

// SetCurrent promotes a session to current, demoting any other session in
// the same transaction.
func (s *SessionService) SetCurrent(ctx context.Context, actorID string, id string) (*models.AcademicSession, error) {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	if err := s.repo.SetCurrent(ctx, session.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to set current session")
	}
	session.IsCurrent = true

	if s.audit != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			UserID:     &actorID,
			Action:     models.AuditActionSessionSetCurrent,
			Resource:   "academic_session",
			ResourceID: &session.ID,
		}); err != nil {
			s.logger.Warn("failed to record session set-current audit log", zap.Error(err))
		}
	}
	return session, nil
}

// Delete removes a session when it is not current and owns no terms.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	if session.IsCurrent {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "cannot delete current session")
	}

	count, err := s.repo.CountTerms(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check session dependencies")
	}
	if count > 0 {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "session has terms associated")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete session")
	}
	return nil
}
