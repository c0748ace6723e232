package models

import "time"

// AttendanceStatus represents the status for attendance records.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "H"
	AttendanceStatusSick    AttendanceStatus = "S"
	AttendanceStatusExcused AttendanceStatus = "I"
	AttendanceStatusAbsent  AttendanceStatus = "A"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusSick, AttendanceStatusExcused, AttendanceStatusAbsent:
		return true
	default:
		return false
	}
}

// Attendance represents a single daily register row, unique per
// (student, date).
type Attendance struct {
	ID         string           `db:"id" json:"id"`
	StudentID  string           `db:"student_id" json:"student_id"`
	ClassID    string           `db:"class_id" json:"class_id"`
	TermID     string           `db:"term_id" json:"term_id"`
	Date       time.Time        `db:"date" json:"date"`
	Status     AttendanceStatus `db:"status" json:"status"`
	Notes      *string          `db:"notes" json:"notes,omitempty"`
	RecordedBy string           `db:"recorded_by" json:"recorded_by"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}

// AttendanceRecord extends the register row with student metadata.
type AttendanceRecord struct {
	Attendance
	StudentName     string `db:"student_name" json:"student_name"`
	AdmissionNumber string `db:"admission_number" json:"admission_number"`
}

// AttendanceFilter defines query filters for the register.
type AttendanceFilter struct {
	ClassID   string
	TermID    string
	StudentID string
	Status    *AttendanceStatus
	DateFrom  *time.Time
	DateTo    *time.Time
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// AttendanceSummary summarises counts for a student over a term.
type AttendanceSummary struct {
	Present int     `json:"present"`
	Sick    int     `json:"sick"`
	Excused int     `json:"excused"`
	Absent  int     `json:"absent"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// AttendanceBulkConflict captures rows a bulk register write skipped.
type AttendanceBulkConflict struct {
	StudentID string    `json:"student_id"`
	Date      time.Time `json:"date"`
	Reason    string    `json:"reason"`
}
