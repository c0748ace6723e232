package models

import "time"

// Result stores the marks a student earned in one subject for one term.
// The component marks are clamped on entry; total, grade and remark are
// derived and always recomputed on save. One row exists per
// (student, subject, term).
type Result struct {
	ID         string    `db:"id" json:"id"`
	StudentID  string    `db:"student_id" json:"student_id"`
	SubjectID  string    `db:"subject_id" json:"subject_id"`
	TermID     string    `db:"term_id" json:"term_id"`
	ClassID    string    `db:"class_id" json:"class_id"`
	CA1        int       `db:"ca1" json:"ca1"`
	CA2        int       `db:"ca2" json:"ca2"`
	CA3        int       `db:"ca3" json:"ca3"`
	CA4        int       `db:"ca4" json:"ca4"`
	Exam       int       `db:"exam" json:"exam"`
	Total      int       `db:"total" json:"total"`
	Grade      string    `db:"grade" json:"grade"`
	Remark     string    `db:"remark" json:"remark"`
	RecordedBy string    `db:"recorded_by" json:"recorded_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ResultDetail extends Result with display metadata.
type ResultDetail struct {
	Result
	StudentName     string `db:"student_name" json:"student_name"`
	AdmissionNumber string `db:"admission_number" json:"admission_number"`
	SubjectName     string `db:"subject_name" json:"subject_name"`
	SubjectCode     string `db:"subject_code" json:"subject_code"`
}

// ResultFilter scopes result listing queries.
type ResultFilter struct {
	StudentID string
	SubjectID string
	TermID    string
	ClassID   string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// SubjectStat describes a student's standing in one subject relative to
// the class cohort for the term.
type SubjectStat struct {
	SubjectID   string `json:"subject_id"`
	SubjectName string `json:"subject_name"`
	Rank        int    `json:"rank"`
	Average     int    `json:"average"`
	High        int    `json:"high"`
	Low         int    `json:"low"`
}

// CohortOverall summarises a student's aggregate standing in the cohort.
type CohortOverall struct {
	TotalScore    int     `json:"total_score"`
	Average       float64 `json:"average"`
	Rank          int     `json:"rank"`
	CohortSize    int     `json:"cohort_size"`
	CohortAverage float64 `json:"cohort_average"`
}

// CohortStats bundles per-subject and overall rankings for a student
// within the (term, class) cohort.
type CohortStats struct {
	TermID   string                 `json:"term_id"`
	ClassID  string                 `json:"class_id"`
	Subjects map[string]SubjectStat `json:"subjects"`
	Overall  CohortOverall          `json:"overall"`
}

// BroadsheetCell is one subject total within a broadsheet row.
type BroadsheetCell struct {
	Total int    `json:"total"`
	Grade string `json:"grade"`
}

// BroadsheetRow is one student line in the class broadsheet.
type BroadsheetRow struct {
	StudentID       string                    `json:"student_id"`
	StudentName     string                    `json:"student_name"`
	AdmissionNumber string                    `json:"admission_number"`
	Scores          map[string]BroadsheetCell `json:"scores"`
	Aggregate       int                       `json:"aggregate"`
	Average         float64                   `json:"average"`
	Rank            int                       `json:"rank"`
}

// Broadsheet is the class x subject matrix for a term.
type Broadsheet struct {
	TermID   string          `json:"term_id"`
	ClassID  string          `json:"class_id"`
	Subjects []Subject       `json:"subjects"`
	Rows     []BroadsheetRow `json:"rows"`
}
