package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/school-portal-api/internal/models"
)

// ResultRepository persists per-subject term results.
type ResultRepository struct {
	db *sqlx.DB
}

// NewResultRepository constructs a ResultRepository.
func NewResultRepository(db *sqlx.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Upsert writes a result row keyed by (student, subject, term). A
// re-entry replaces the component marks and derived fields of the
// existing row instead of inserting a duplicate.
func (r *ResultRepository) Upsert(ctx context.Context, result *models.Result) (*models.Result, error) {
	now := time.Now().UTC()
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now
	const query = `INSERT INTO results (id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (student_id, subject_id, term_id)
DO UPDATE SET class_id = EXCLUDED.class_id, ca1 = EXCLUDED.ca1, ca2 = EXCLUDED.ca2, ca3 = EXCLUDED.ca3, ca4 = EXCLUDED.ca4, exam = EXCLUDED.exam, total = EXCLUDED.total, grade = EXCLUDED.grade, remark = EXCLUDED.remark, recorded_by = EXCLUDED.recorded_by, updated_at = EXCLUDED.updated_at
RETURNING id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at`
	var stored models.Result
	if err := r.db.GetContext(ctx, &stored, query,
		result.ID, result.StudentID, result.SubjectID, result.TermID, result.ClassID,
		result.CA1, result.CA2, result.CA3, result.CA4, result.Exam,
		result.Total, result.Grade, result.Remark, result.RecordedBy,
		result.CreatedAt, result.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert result: %w", err)
	}
	return &stored, nil
}

// FindByID fetches a result row by identifier.
func (r *ResultRepository) FindByID(ctx context.Context, id string) (*models.Result, error) {
	const query = `SELECT id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at FROM results WHERE id = $1`
	var result models.Result
	if err := r.db.GetContext(ctx, &result, query, id); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListByStudentTerm returns a student's results for one term with
// subject metadata, ordered by subject name.
func (r *ResultRepository) ListByStudentTerm(ctx context.Context, studentID, termID string) ([]models.ResultDetail, error) {
	const query = `
SELECT r.id, r.student_id, r.subject_id, r.term_id, r.class_id, r.ca1, r.ca2, r.ca3, r.ca4, r.exam, r.total, r.grade, r.remark, r.recorded_by, r.created_at, r.updated_at,
       st.full_name AS student_name, st.admission_number, su.name AS subject_name, su.code AS subject_code
FROM results r
JOIN students st ON st.id = r.student_id
JOIN subjects su ON su.id = r.subject_id
WHERE r.student_id = $1 AND r.term_id = $2
ORDER BY su.name ASC`
	var results []models.ResultDetail
	if err := r.db.SelectContext(ctx, &results, query, studentID, termID); err != nil {
		return nil, fmt.Errorf("list student term results: %w", err)
	}
	return results, nil
}

// ListByTermClass returns every result row for the (term, class)
// cohort. Cohort statistics and broadsheets are computed off this set.
func (r *ResultRepository) ListByTermClass(ctx context.Context, termID, classID string) ([]models.ResultDetail, error) {
	const query = `
SELECT r.id, r.student_id, r.subject_id, r.term_id, r.class_id, r.ca1, r.ca2, r.ca3, r.ca4, r.exam, r.total, r.grade, r.remark, r.recorded_by, r.created_at, r.updated_at,
       st.full_name AS student_name, st.admission_number, su.name AS subject_name, su.code AS subject_code
FROM results r
JOIN students st ON st.id = r.student_id
JOIN subjects su ON su.id = r.subject_id
WHERE r.term_id = $1 AND r.class_id = $2
ORDER BY st.full_name ASC, su.name ASC`
	var results []models.ResultDetail
	if err := r.db.SelectContext(ctx, &results, query, termID, classID); err != nil {
		return nil, fmt.Errorf("list term class results: %w", err)
	}
	return results, nil
}

// List returns results matching the provided filter with pagination.
func (r *ResultRepository) List(ctx context.Context, filter models.ResultFilter) ([]models.ResultDetail, int, error) {
	base := `FROM results r
JOIN students st ON st.id = r.student_id
JOIN subjects su ON su.id = r.subject_id`
	where := []string{"1=1"}
	var args []interface{}

	if filter.StudentID != "" {
		where = append(where, fmt.Sprintf("r.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SubjectID != "" {
		where = append(where, fmt.Sprintf("r.subject_id = $%d", len(args)+1))
		args = append(args, filter.SubjectID)
	}
	if filter.TermID != "" {
		where = append(where, fmt.Sprintf("r.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.ClassID != "" {
		where = append(where, fmt.Sprintf("r.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	whereClause := strings.Join(where, " AND ")

	sortBy := filter.SortBy
	allowedSort := map[string]string{
		"total":      "r.total",
		"grade":      "r.grade",
		"updated_at": "r.updated_at",
		"student":    "st.full_name",
		"subject":    "su.name",
	}
	if sortBy == "" {
		sortBy = "updated_at"
	}
	sortColumn, ok := allowedSort[sortBy]
	if !ok {
		sortColumn = "r.updated_at"
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

	query := fmt.Sprintf(`SELECT r.id, r.student_id, r.subject_id, r.term_id, r.class_id, r.ca1, r.ca2, r.ca3, r.ca4, r.exam, r.total, r.grade, r.remark, r.recorded_by, r.created_at, r.updated_at,
        st.full_name AS student_name, st.admission_number, su.name AS subject_name, su.code AS subject_code
        %s WHERE %s
        ORDER BY %s %s
        LIMIT %d OFFSET %d`, base, whereClause, sortColumn, order, size, offset)

	var rows []models.ResultDetail
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}
	return rows, total, nil
}

// CountForTerm returns the number of result rows recorded in a term.
func (r *ResultRepository) CountForTerm(ctx context.Context, termID string) (int, error) {
	const query = `SELECT COUNT(*) FROM results WHERE term_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, termID); err != nil {
		return 0, fmt.Errorf("count term results: %w", err)
	}
	return count, nil
}

// Delete removes a result row.
func (r *ResultRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM results WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}
