package models

import "time"

// PaymentStatus captures the payment lifecycle. The only transitions
// are PENDING to APPROVED and PENDING to DECLINED.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusApproved PaymentStatus = "APPROVED"
	PaymentStatusDeclined PaymentStatus = "DECLINED"
)

// PaymentMethod distinguishes gateway checkouts from manual entries.
type PaymentMethod string

const (
	PaymentMethodGateway PaymentMethod = "GATEWAY"
	PaymentMethodManual  PaymentMethod = "MANUAL"
)

// Payment records a result-checking fee. Approval mints a PIN bound to
// the paying student and links it through PinID.
type Payment struct {
	ID          string        `db:"id" json:"id"`
	StudentID   string        `db:"student_id" json:"student_id"`
	TermID      string        `db:"term_id" json:"term_id"`
	Amount      int64         `db:"amount" json:"amount"`
	Method      PaymentMethod `db:"method" json:"method"`
	Status      PaymentStatus `db:"status" json:"status"`
	Reference   string        `db:"reference" json:"reference"`
	GatewayRef  *string       `db:"gateway_ref" json:"gateway_ref,omitempty"`
	PinID       *string       `db:"pin_id" json:"pin_id,omitempty"`
	ProcessedBy *string       `db:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// PaymentDetail extends Payment with display metadata.
type PaymentDetail struct {
	Payment
	StudentName     string `db:"student_name" json:"student_name"`
	AdmissionNumber string `db:"admission_number" json:"admission_number"`
	TermName        string `db:"term_name" json:"term_name"`
}

// PaymentFilter scopes payment listing queries.
type PaymentFilter struct {
	StudentID string
	TermID    string
	Status    *PaymentStatus
	Method    *PaymentMethod
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
