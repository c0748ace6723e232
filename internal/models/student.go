package models

import "time"

// Student represents a learner registered in the institution.
type Student struct {
	ID              string    `db:"id" json:"id"`
	AdmissionNumber string    `db:"admission_number" json:"admission_number"`
	FullName        string    `db:"full_name" json:"full_name"`
	Gender          string    `db:"gender" json:"gender"`
	ClassID         string    `db:"class_id" json:"class_id"`
	ParentName      *string   `db:"parent_name" json:"parent_name,omitempty"`
	ParentPhone     *string   `db:"parent_phone" json:"parent_phone,omitempty"`
	UserID          *string   `db:"user_id" json:"user_id,omitempty"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// StudentDetail extends Student with class metadata for responses.
type StudentDetail struct {
	Student
	ClassName  *string `db:"class_name" json:"class_name,omitempty"`
	ClassLevel *string `db:"class_level" json:"class_level,omitempty"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	ClassID   string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
