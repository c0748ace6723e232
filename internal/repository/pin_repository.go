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

// PinRepository persists result-checking PINs.
type PinRepository struct {
	db *sqlx.DB
}

// NewPinRepository constructs a PinRepository.
func NewPinRepository(db *sqlx.DB) *PinRepository {
	return &PinRepository{db: db}
}

// Create inserts a single PIN.
func (r *PinRepository) Create(ctx context.Context, pin *models.Pin) error {
	if pin.ID == "" {
		pin.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pin.CreatedAt.IsZero() {
		pin.CreatedAt = now
	}
	pin.UpdatedAt = now
	if pin.Status == "" {
		pin.Status = models.PinStatusActive
	}
	const query = `INSERT INTO pins (id, code, term_id, session_id, student_id, status, usage_count, created_at, updated_at)
		VALUES (:id, :code, :term_id, :session_id, :student_id, :status, :usage_count, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, pin); err != nil {
		return fmt.Errorf("create pin: %w", err)
	}
	return nil
}

// CreateBatch inserts a batch of PINs in one transaction. Either all
// rows land or none do; a code collision aborts the whole batch so the
// caller can regenerate.
func (r *PinRepository) CreateBatch(ctx context.Context, pins []models.Pin) error {
	if len(pins) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pin batch: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			_ = tx.Rollback()
		}
	}()
	const query = `INSERT INTO pins (id, code, term_id, session_id, student_id, status, usage_count, created_at, updated_at)
		VALUES (:id, :code, :term_id, :session_id, :student_id, :status, :usage_count, :created_at, :updated_at)`
	now := time.Now().UTC()
	for i := range pins {
		pin := &pins[i]
		if pin.ID == "" {
			pin.ID = uuid.NewString()
		}
		if pin.CreatedAt.IsZero() {
			pin.CreatedAt = now
		}
		pin.UpdatedAt = now
		if pin.Status == "" {
			pin.Status = models.PinStatusActive
		}
		if _, err := tx.NamedExecContext(ctx, query, pin); err != nil {
			return fmt.Errorf("insert pin batch row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pin batch: %w", err)
	}
	commit = true
	return nil
}

// FindByCode fetches a PIN by its normalized code.
func (r *PinRepository) FindByCode(ctx context.Context, code string) (*models.Pin, error) {
	const query = `SELECT id, code, term_id, session_id, student_id, status, usage_count, created_at, updated_at FROM pins WHERE code = $1`
	var pin models.Pin
	if err := r.db.GetContext(ctx, &pin, query, code); err != nil {
		return nil, err
	}
	return &pin, nil
}

// FindByID fetches a PIN by identifier.
func (r *PinRepository) FindByID(ctx context.Context, id string) (*models.Pin, error) {
	const query = `SELECT id, code, term_id, session_id, student_id, status, usage_count, created_at, updated_at FROM pins WHERE id = $1`
	var pin models.Pin
	if err := r.db.GetContext(ctx, &pin, query, id); err != nil {
		return nil, err
	}
	return &pin, nil
}

// FindBoundPin returns the PIN already bound to the student for the
// term, if any.
func (r *PinRepository) FindBoundPin(ctx context.Context, studentID, termID string) (*models.Pin, error) {
	const query = `SELECT id, code, term_id, session_id, student_id, status, usage_count, created_at, updated_at FROM pins WHERE student_id = $1 AND term_id = $2 AND status = $3 LIMIT 1`
	var pin models.Pin
	if err := r.db.GetContext(ctx, &pin, query, studentID, termID, models.PinStatusActive); err != nil {
		return nil, err
	}
	return &pin, nil
}

// ExistsByCode reports whether a PIN code is already taken.
func (r *PinRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	const query = `SELECT 1 FROM pins WHERE code = $1 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, code); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check pin code: %w", err)
	}
	return true, nil
}

// Bind claims an unbound PIN for a student. The WHERE clause only
// matches while student_id is still NULL, so under concurrent redeems
// exactly one caller wins; everyone else sees zero rows and must
// re-read the row to learn the outcome.
func (r *PinRepository) Bind(ctx context.Context, pinID, studentID string) (bool, error) {
	const query = `UPDATE pins SET student_id = $2, usage_count = usage_count + 1, updated_at = $3 WHERE id = $1 AND student_id IS NULL AND status = $4`
	res, err := r.db.ExecContext(ctx, query, pinID, studentID, time.Now().UTC(), models.PinStatusActive)
	if err != nil {
		return false, fmt.Errorf("bind pin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bind pin rows: %w", err)
	}
	return affected > 0, nil
}

// Touch increments the usage counter of an already-bound PIN.
func (r *PinRepository) Touch(ctx context.Context, pinID string) error {
	const query = `UPDATE pins SET usage_count = usage_count + 1, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, pinID, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch pin: %w", err)
	}
	return nil
}

// Revoke retires a PIN so it can no longer grant access.
func (r *PinRepository) Revoke(ctx context.Context, id string) error {
	const query = `UPDATE pins SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, models.PinStatusUsed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke pin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke pin rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns PINs matching the filter with term and student metadata.
func (r *PinRepository) List(ctx context.Context, filter models.PinFilter) ([]models.PinDetail, int, error) {
	base := `FROM pins p
JOIN terms t ON t.id = p.term_id
JOIN academic_sessions ss ON ss.id = p.session_id
LEFT JOIN students st ON st.id = p.student_id`
	where := []string{"1=1"}
	var args []interface{}

	if filter.TermID != "" {
		where = append(where, fmt.Sprintf("p.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.SessionID != "" {
		where = append(where, fmt.Sprintf("p.session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.Status != nil {
		where = append(where, fmt.Sprintf("p.status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.Bound != nil {
		if *filter.Bound {
			where = append(where, "p.student_id IS NOT NULL")
		} else {
			where = append(where, "p.student_id IS NULL")
		}
	}
	whereClause := strings.Join(where, " AND ")

	sortBy := filter.SortBy
	allowedSort := map[string]string{
		"created_at":  "p.created_at",
		"updated_at":  "p.updated_at",
		"usage_count": "p.usage_count",
	}
	if sortBy == "" {
		sortBy = "created_at"
	}
	sortColumn, ok := allowedSort[sortBy]
	if !ok {
		sortColumn = "p.created_at"
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
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT p.id, p.code, p.term_id, p.session_id, p.student_id, p.status, p.usage_count, p.created_at, p.updated_at,
        t.name AS term_name, ss.name AS session_name, st.full_name AS student_name
        %s WHERE %s
        ORDER BY %s %s
        LIMIT %d OFFSET %d`, base, whereClause, sortColumn, order, size, offset)

	var pins []models.PinDetail
	if err := r.db.SelectContext(ctx, &pins, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list pins: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count pins: %w", err)
	}
	return pins, total, nil
}

// CountActiveForTerm returns how many redeemable PINs exist for a term.
func (r *PinRepository) CountActiveForTerm(ctx context.Context, termID string) (int, error) {
	const query = `SELECT COUNT(*) FROM pins WHERE term_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, termID, models.PinStatusActive); err != nil {
		return 0, fmt.Errorf("count active pins: %w", err)
	}
	return count, nil
}
