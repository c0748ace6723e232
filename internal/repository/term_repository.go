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

// TermRepository handles persistence for academic terms.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository instantiates a term repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

// List returns terms matching provided filters.
func (r *TermRepository) List(ctx context.Context, filter models.TermFilter) ([]models.TermDetail, int, error) {
	base := "FROM terms t JOIN academic_sessions ss ON ss.id = t.session_id WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("t.session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.IsCurrent != nil {
		conditions = append(conditions, fmt.Sprintf("t.is_current = $%d", len(args)+1))
		args = append(args, *filter.IsCurrent)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]string{
		"name":       "t.name",
		"start_date": "t.start_date",
		"end_date":   "t.end_date",
		"created_at": "t.created_at",
	}
	if sortBy == "" {
		sortBy = "start_date"
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "t.start_date"
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

	query := fmt.Sprintf(`SELECT t.id, t.session_id, t.name, t.start_date, t.end_date, t.is_current, t.created_at, t.updated_at,
        ss.name AS session_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base, column, order, size, offset)

	var terms []models.TermDetail
	if err := r.db.SelectContext(ctx, &terms, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list terms: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count terms: %w", err)
	}

	return terms, total, nil
}

// FindByID loads a term by identifier.
func (r *TermRepository) FindByID(ctx context.Context, id string) (*models.Term, error) {
	const query = `SELECT id, session_id, name, start_date, end_date, is_current, created_at, updated_at FROM terms WHERE id = $1`
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query, id); err != nil {
		return nil, err
	}
	return &term, nil
}

// FindCurrent returns the term flagged as current.
func (r *TermRepository) FindCurrent(ctx context.Context) (*models.Term, error) {
	const query = `SELECT id, session_id, name, start_date, end_date, is_current, created_at, updated_at FROM terms WHERE is_current = TRUE LIMIT 1`
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query); err != nil {
		return nil, err
	}
	return &term, nil
}

// ExistsByName checks if the session already has a term with the name.
func (r *TermRepository) ExistsByName(ctx context.Context, sessionID, name string, excludeID string) (bool, error) {
	base := "SELECT 1 FROM terms WHERE session_id = $1 AND name = $2"
	args := []interface{}{sessionID, name}
	if excludeID != "" {
		base += " AND id <> $3"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, base+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check term uniqueness: %w", err)
	}
	return true, nil
}

// Create inserts a new term record.
func (r *TermRepository) Create(ctx context.Context, term *models.Term) error {
	if term.ID == "" {
		term.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if term.CreatedAt.IsZero() {
		term.CreatedAt = now
	}
	term.UpdatedAt = now

	const query = `INSERT INTO terms (id, session_id, name, start_date, end_date, is_current, created_at, updated_at) VALUES (:id, :session_id, :name, :start_date, :end_date, :is_current, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, term); err != nil {
		return fmt.Errorf("create term: %w", err)
	}
	return nil
}

// Update modifies an existing term.
func (r *TermRepository) Update(ctx context.Context, term *models.Term) error {
	term.UpdatedAt = time.Now().UTC()
	const query = `UPDATE terms SET session_id = :session_id, name = :name, start_date = :start_date, end_date = :end_date, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, term); err != nil {
		return fmt.Errorf("update term: %w", err)
	}
	return nil
}

// SetCurrent marks the provided term as current and clears the flag on
// every other term in the same transaction. The owning session is
// promoted alongside so the current term always belongs to the current
// session.
func (r *TermRepository) SetCurrent(ctx context.Context, id, sessionID string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set current term tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, `UPDATE terms SET is_current = FALSE, updated_at = $1 WHERE is_current = TRUE AND id <> $2`, now, id); err != nil {
		return fmt.Errorf("clear current terms: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE terms SET is_current = TRUE, updated_at = $2 WHERE id = $1`, id, now); err != nil {
		return fmt.Errorf("set current term: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE academic_sessions SET is_current = FALSE, updated_at = $1 WHERE is_current = TRUE AND id <> $2`, now, sessionID); err != nil {
		return fmt.Errorf("clear current sessions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE academic_sessions SET is_current = TRUE, updated_at = $2 WHERE id = $1`, sessionID, now); err != nil {
		return fmt.Errorf("set current session: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit set current term tx: %w", err)
	}
	return nil
}

// Delete removes a term permanently.
func (r *TermRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM terms WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete term: %w", err)
	}
	return nil
}

// CountResults returns the number of result rows referencing the term.
func (r *TermRepository) CountResults(ctx context.Context, id string) (int, error) {
	const query = `SELECT COUNT(*) FROM results WHERE term_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, id); err != nil {
		return 0, fmt.Errorf("count term results: %w", err)
	}
	return count, nil
}
