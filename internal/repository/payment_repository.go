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

// PaymentRepository persists result-fee payments.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs a PaymentRepository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a new payment in PENDING state.
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	const query = `INSERT INTO payments (id, student_id, term_id, amount, method, status, reference, gateway_ref, pin_id, processed_by, processed_at, created_at, updated_at)
		VALUES (:id, :student_id, :term_id, :amount, :method, :status, :reference, :gateway_ref, :pin_id, :processed_by, :processed_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, payment); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// FindByID fetches a payment by identifier.
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	const query = `SELECT id, student_id, term_id, amount, method, status, reference, gateway_ref, pin_id, processed_by, processed_at, created_at, updated_at FROM payments WHERE id = $1`
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, id); err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindByReference fetches a payment by its order reference.
func (r *PaymentRepository) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	const query = `SELECT id, student_id, term_id, amount, method, status, reference, gateway_ref, pin_id, processed_by, processed_at, created_at, updated_at FROM payments WHERE reference = $1`
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, reference); err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPendingByStudentTerm returns a student's open payment for the
// term, if one exists. Used to stop duplicate checkouts.
func (r *PaymentRepository) FindPendingByStudentTerm(ctx context.Context, studentID, termID string) (*models.Payment, error) {
	const query = `SELECT id, student_id, term_id, amount, method, status, reference, gateway_ref, pin_id, processed_by, processed_at, created_at, updated_at FROM payments WHERE student_id = $1 AND term_id = $2 AND status = $3 LIMIT 1`
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, studentID, termID, models.PaymentStatusPending); err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkApproved flips a payment from PENDING to APPROVED. The WHERE
// clause pins the current status, so a payment already settled by a
// concurrent webhook or admin stays untouched and the caller sees
// zero rows.
func (r *PaymentRepository) MarkApproved(ctx context.Context, id, processedBy string, gatewayRef *string) (bool, error) {
	now := time.Now().UTC()
	const query = `UPDATE payments SET status = $2, processed_by = $3, processed_at = $4, gateway_ref = COALESCE($5, gateway_ref), updated_at = $4 WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, models.PaymentStatusApproved, processedBy, now, gatewayRef, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("approve payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve payment rows: %w", err)
	}
	return affected > 0, nil
}

// MarkDeclined flips a payment from PENDING to DECLINED under the same
// conditional contract as MarkApproved.
func (r *PaymentRepository) MarkDeclined(ctx context.Context, id, processedBy string, gatewayRef *string) (bool, error) {
	now := time.Now().UTC()
	const query = `UPDATE payments SET status = $2, processed_by = $3, processed_at = $4, gateway_ref = COALESCE($5, gateway_ref), updated_at = $4 WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, models.PaymentStatusDeclined, processedBy, now, gatewayRef, models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("decline payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decline payment rows: %w", err)
	}
	return affected > 0, nil
}

// LinkPin attaches the minted PIN to an approved payment.
func (r *PaymentRepository) LinkPin(ctx context.Context, paymentID, pinID string) error {
	const query = `UPDATE payments SET pin_id = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, paymentID, pinID, time.Now().UTC()); err != nil {
		return fmt.Errorf("link payment pin: %w", err)
	}
	return nil
}

// List returns payments matching the filter with display metadata.
func (r *PaymentRepository) List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	base := `FROM payments p
JOIN students st ON st.id = p.student_id
JOIN terms t ON t.id = p.term_id`
	where := []string{"1=1"}
	var args []interface{}

	if filter.StudentID != "" {
		where = append(where, fmt.Sprintf("p.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.TermID != "" {
		where = append(where, fmt.Sprintf("p.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.Status != nil {
		where = append(where, fmt.Sprintf("p.status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}
	if filter.Method != nil {
		where = append(where, fmt.Sprintf("p.method = $%d", len(args)+1))
		args = append(args, *filter.Method)
	}
	whereClause := strings.Join(where, " AND ")

	sortBy := filter.SortBy
	allowedSort := map[string]string{
		"created_at":   "p.created_at",
		"processed_at": "p.processed_at",
		"amount":       "p.amount",
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

	query := fmt.Sprintf(`SELECT p.id, p.student_id, p.term_id, p.amount, p.method, p.status, p.reference, p.gateway_ref, p.pin_id, p.processed_by, p.processed_at, p.created_at, p.updated_at,
        st.full_name AS student_name, st.admission_number, t.name AS term_name
        %s WHERE %s
        ORDER BY %s %s
        LIMIT %d OFFSET %d`, base, whereClause, sortColumn, order, size, offset)

	var payments []models.PaymentDetail
	if err := r.db.SelectContext(ctx, &payments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s WHERE %s", base, whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	return payments, total, nil
}

// Recent returns the latest approved payments for dashboard display.
func (r *PaymentRepository) Recent(ctx context.Context, limit int) ([]models.PaymentDetail, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	query := fmt.Sprintf(`SELECT p.id, p.student_id, p.term_id, p.amount, p.method, p.status, p.reference, p.gateway_ref, p.pin_id, p.processed_by, p.processed_at, p.created_at, p.updated_at,
        st.full_name AS student_name, st.admission_number, t.name AS term_name
        FROM payments p
        JOIN students st ON st.id = p.student_id
        JOIN terms t ON t.id = p.term_id
        WHERE p.status = $1
        ORDER BY p.processed_at DESC
        LIMIT %d`, limit)
	var payments []models.PaymentDetail
	if err := r.db.SelectContext(ctx, &payments, query, models.PaymentStatusApproved); err != nil {
		return nil, fmt.Errorf("recent payments: %w", err)
	}
	return payments, nil
}

// SumApprovedForTerm totals approved payment amounts for a term.
func (r *PaymentRepository) SumApprovedForTerm(ctx context.Context, termID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE term_id = $1 AND status = $2`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, termID, models.PaymentStatusApproved); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("sum term payments: %w", err)
	}
	return total, nil
}

// CountByStatusForTerm returns how many payments sit in a status for a
// term.
func (r *PaymentRepository) CountByStatusForTerm(ctx context.Context, status models.PaymentStatus, termID string) (int, error) {
	const query = `SELECT COUNT(*) FROM payments WHERE term_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, termID, status); err != nil {
		return 0, fmt.Errorf("count payments by status: %w", err)
	}
	return count, nil
}
