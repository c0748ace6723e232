package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/school-portal-api/internal/models"
)

// SessionRepository handles persistence for academic sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository instantiates a session repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// List returns sessions matching provided filters.
func (r *SessionRepository) List(ctx context.Context, filter models.SessionFilter) ([]models.AcademicSession, int, error) {
	base := "FROM academic_sessions WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.IsCurrent != nil {
		conditions = append(conditions, fmt.Sprintf("is_current = $%d", len(args)+1))
		args = append(args, *filter.IsCurrent)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "start_date"
	}
	allowedSorts := map[string]bool{
		"name":       true,
		"start_date": true,
		"end_date":   true,
		"created_at": true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "start_date"
	}

	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT id, name, start_date, end_date, is_current, created_at, updated_at %s ORDER BY %s %s LIMIT %d OFFSET %d", base, sortBy, order, size, offset)

	var sessions []models.AcademicSession
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	return sessions, total, nil
}

// FindByID loads a session by identifier.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.AcademicSession, error) {
	const query = `SELECT id, name, start_date, end_date, is_current, created_at, updated_at FROM academic_sessions WHERE id = $1`
	var session models.AcademicSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindCurrent returns the session flagged as current.
func (r *SessionRepository) FindCurrent(ctx context.Context) (*models.AcademicSession, error) {
	const query = `SELECT id, name, start_date, end_date, is_current, created_at, updated_at FROM academic_sessions WHERE is_current = TRUE LIMIT 1`
	var session models.AcademicSession
	if err := r.db.GetContext(ctx, &session, query); err != nil {
		return nil, err
	}
	return &session, nil
}

// ExistsByName checks if a session with the same name exists.
func (r *SessionRepository) ExistsByName(ctx context.Context, name string, excludeID string) (bool, error) {
	base := "SELECT 1 FROM academic_sessions WHERE name = $1"
	args := []interface{}{name}
	if excludeID != "" {
		base += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, base+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check session uniqueness: %w", err)
	}
	return true, nil
}

// Create inserts a new session record.
func (r *SessionRepository) Create(ctx context.Context, session *models.AcademicSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	const query = `INSERT INTO academic_sessions (id, name, start_date, end_date, is_current, created_at, updated_at) VALUES (:id, :name, :start_date, :end_date, :is_current, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Update modifies an existing session.
func (r *SessionRepository) Update(ctx context.Context, session *models.AcademicSession) error {
	session.UpdatedAt = time.Now().UTC()
	const query = `UPDATE academic_sessions SET name = :name, start_date = :start_date, end_date = :end_date, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// SetCurrent marks the provided session as current and clears the flag
// everywhere else in the same transaction.
func (r *SessionRepository) SetCurrent(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set current session tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `UPDATE academic_sessions SET is_current = FALSE, updated_at = $1 WHERE is_current = TRUE AND id <> $2`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("clear current sessions: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `UPDATE academic_sessions SET is_current = TRUE, updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("set current session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit set current session tx: %w", err)
	}
	return nil
}

// Delete removes a session permanently.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM academic_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CountTerms returns the number of terms belonging to the session.
func (r *SessionRepository) CountTerms(ctx context.Context, id string) (int, error) {
	const query = `SELECT COUNT(*) FROM terms WHERE session_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, id); err != nil {
		return 0, fmt.Errorf("count session terms: %w", err)
	}
	return count, nil
}
