package models

import "time"

// PinStatus captures the lifecycle of a result-checking PIN.
type PinStatus string

const (
	// PinStatusActive marks a redeemable PIN, bound or not.
	PinStatusActive PinStatus = "ACTIVE"
	// PinStatusUsed marks a PIN retired by an administrator.
	PinStatusUsed PinStatus = "USED"
)

// Pin is a result-checking code scoped to one term. A PIN starts
// unbound; the first student to redeem it becomes its owner and no
// other student can use it afterwards.
type Pin struct {
	ID         string    `db:"id" json:"id"`
	Code       string    `db:"code" json:"code"`
	TermID     string    `db:"term_id" json:"term_id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	StudentID  *string   `db:"student_id" json:"student_id,omitempty"`
	Status     PinStatus `db:"status" json:"status"`
	UsageCount int       `db:"usage_count" json:"usage_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Bound reports whether the PIN has an owner.
func (p Pin) Bound() bool {
	return p.StudentID != nil && *p.StudentID != ""
}

// PinDetail extends Pin with display metadata.
type PinDetail struct {
	Pin
	TermName    string  `db:"term_name" json:"term_name"`
	SessionName string  `db:"session_name" json:"session_name"`
	StudentName *string `db:"student_name" json:"student_name,omitempty"`
}

// PinFilter scopes PIN listing queries.
type PinFilter struct {
	TermID    string
	SessionID string
	Status    *PinStatus
	Bound     *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// AccessReason enumerates why result access was denied.
type AccessReason string

const (
	AccessReasonMissing     AccessReason = "missing"
	AccessReasonInvalid     AccessReason = "invalid"
	AccessReasonWrongTerm   AccessReason = "wrong-term"
	AccessReasonUsedByOther AccessReason = "used-by-other"
)

// AccessDecision is the outcome of a result-access check. A denial is a
// normal negative outcome, not an error: Reason and Message explain it
// to the caller and nothing is mutated on the way out.
type AccessDecision struct {
	Allowed bool         `json:"allowed"`
	Reason  AccessReason `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
	Pin     *Pin         `json:"pin,omitempty"`
}
