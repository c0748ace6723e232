package models

import "time"

// AcademicSession models a school year, e.g. "2025/2026". Exactly one
// session is current at a time.
type AcademicSession struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	EndDate   time.Time `db:"end_date" json:"end_date"`
	IsCurrent bool      `db:"is_current" json:"is_current"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SessionFilter defines filters supported by session list endpoints.
type SessionFilter struct {
	IsCurrent *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Term models an academic term within a session. Exactly one term is
// current at a time.
type Term struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Name      string    `db:"name" json:"name"`
	StartDate time.Time `db:"start_date" json:"start_date"`
	EndDate   time.Time `db:"end_date" json:"end_date"`
	IsCurrent bool      `db:"is_current" json:"is_current"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TermDetail includes the owning session name for responses.
type TermDetail struct {
	Term
	SessionName string `db:"session_name" json:"session_name"`
}

// TermFilter defines filters supported by term list endpoints.
type TermFilter struct {
	SessionID string
	IsCurrent *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
