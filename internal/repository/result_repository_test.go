package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/school-portal-api/internal/models"
)

func newResultMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var resultColumns = []string{"id", "student_id", "subject_id", "term_id", "class_id", "ca1", "ca2", "ca3", "ca4", "exam", "total", "grade", "remark", "recorded_by", "created_at", "updated_at"}

var resultDetailColumns = append(append([]string{}, resultColumns...), "student_name", "admission_number", "subject_name", "subject_code")

func TestResultRepositoryUpsert(t *testing.T) {
	db, mock, cleanup := newResultMock(t)
	defer cleanup()
	repo := NewResultRepository(db)

	now := time.Now()
	returned := sqlmock.NewRows(resultColumns).
		AddRow("result-1", "student-1", "subject-1", "term-1", "class-1", 8, 7, 9, 6, 55, 85, "A", "Excellent", "teacher-1", now, now)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO results (id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (student_id, subject_id, term_id)
DO UPDATE SET class_id = EXCLUDED.class_id, ca1 = EXCLUDED.ca1, ca2 = EXCLUDED.ca2, ca3 = EXCLUDED.ca3, ca4 = EXCLUDED.ca4, exam = EXCLUDED.exam, total = EXCLUDED.total, grade = EXCLUDED.grade, remark = EXCLUDED.remark, recorded_by = EXCLUDED.recorded_by, updated_at = EXCLUDED.updated_at
RETURNING id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at`)).
		WithArgs(sqlmock.AnyArg(), "student-1", "subject-1", "term-1", "class-1", 8, 7, 9, 6, 55, 85, "A", "Excellent", "teacher-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(returned)

	stored, err := repo.Upsert(context.Background(), &models.Result{
		StudentID:  "student-1",
		SubjectID:  "subject-1",
		TermID:     "term-1",
		ClassID:    "class-1",
		CA1:        8, CA2: 7, CA3: 9, CA4: 6,
		Exam:       55,
		Total:      85,
		Grade:      "A",
		Remark:     "Excellent",
		RecordedBy: "teacher-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "result-1", stored.ID)
	assert.Equal(t, 85, stored.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultRepositoryListByStudentTerm(t *testing.T) {
	db, mock, cleanup := newResultMock(t)
	defer cleanup()
	repo := NewResultRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(resultDetailColumns).
		AddRow("result-1", "student-1", "subject-1", "term-1", "class-1", 8, 7, 9, 6, 55, 85, "A", "Excellent", "teacher-1", now, now, "Ada Obi", "ADM-001", "English", "ENG").
		AddRow("result-2", "student-1", "subject-2", "term-1", "class-1", 9, 8, 8, 9, 54, 88, "A", "Excellent", "teacher-1", now, now, "Ada Obi", "ADM-001", "Mathematics", "MTH")
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT r.id, r.student_id, r.subject_id, r.term_id, r.class_id, r.ca1, r.ca2, r.ca3, r.ca4, r.exam, r.total, r.grade, r.remark, r.recorded_by, r.created_at, r.updated_at,
       st.full_name AS student_name, st.admission_number, su.name AS subject_name, su.code AS subject_code
FROM results r
JOIN students st ON st.id = r.student_id
JOIN subjects su ON su.id = r.subject_id
WHERE r.student_id = $1 AND r.term_id = $2
ORDER BY su.name ASC`)).
		WithArgs("student-1", "term-1").
		WillReturnRows(rows)

	results, err := repo.ListByStudentTerm(context.Background(), "student-1", "term-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ENG", results[0].SubjectCode)
	assert.Equal(t, "MTH", results[1].SubjectCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultRepositoryListByTermClass(t *testing.T) {
	db, mock, cleanup := newResultMock(t)
	defer cleanup()
	repo := NewResultRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(resultDetailColumns).
		AddRow("result-1", "student-1", "subject-1", "term-1", "class-1", 8, 7, 9, 6, 55, 85, "A", "Excellent", "teacher-1", now, now, "Ada Obi", "ADM-001", "English", "ENG")
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT r.id, r.student_id, r.subject_id, r.term_id, r.class_id, r.ca1, r.ca2, r.ca3, r.ca4, r.exam, r.total, r.grade, r.remark, r.recorded_by, r.created_at, r.updated_at,
       st.full_name AS student_name, st.admission_number, su.name AS subject_name, su.code AS subject_code
FROM results r
JOIN students st ON st.id = r.student_id
JOIN subjects su ON su.id = r.subject_id
WHERE r.term_id = $1 AND r.class_id = $2
ORDER BY st.full_name ASC, su.name ASC`)).
		WithArgs("term-1", "class-1").
		WillReturnRows(rows)

	results, err := repo.ListByTermClass(context.Background(), "term-1", "class-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Ada Obi", results[0].StudentName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newResultMock(t)
	defer cleanup()
	repo := NewResultRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(resultDetailColumns).
		AddRow("result-1", "student-1", "subject-1", "term-1", "class-1", 8, 7, 9, 6, 55, 85, "A", "Excellent", "teacher-1", now, now, "Ada Obi", "ADM-001", "English", "ENG")
	mock.ExpectQuery(regexp.QuoteMeta("FROM results r JOIN students st ON st.id = r.student_id JOIN subjects su ON su.id = r.subject_id WHERE 1=1 AND r.term_id = $1 AND r.class_id = $2 ORDER BY r.total DESC LIMIT 50 OFFSET 0")).
		WithArgs("term-1", "class-1").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM results r JOIN students st ON st.id = r.student_id JOIN subjects su ON su.id = r.subject_id WHERE 1=1 AND r.term_id = $1 AND r.class_id = $2")).
		WithArgs("term-1", "class-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(31))

	results, total, err := repo.List(context.Background(), models.ResultFilter{TermID: "term-1", ClassID: "class-1", SortBy: "total"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 31, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultRepositoryCountForTerm(t *testing.T) {
	db, mock, cleanup := newResultMock(t)
	defer cleanup()
	repo := NewResultRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM results WHERE term_id = $1")).
		WithArgs("term-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(120))

	count, err := repo.CountForTerm(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Equal(t, 120, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResultRepositoryFindByIDAndDelete(t *testing.T) {
	db, mock, cleanup := newResultMock(t)
	defer cleanup()
	repo := NewResultRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at FROM results WHERE id = $1")).
		WithArgs("result-1").
		WillReturnRows(sqlmock.NewRows(resultColumns).
			AddRow("result-1", "student-1", "subject-1", "term-1", "class-1", 8, 7, 9, 6, 55, 85, "A", "Excellent", "teacher-1", now, now))

	result, err := repo.FindByID(context.Background(), "result-1")
	require.NoError(t, err)
	assert.Equal(t, "A", result.Grade)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, subject_id, term_id, class_id, ca1, ca2, ca3, ca4, exam, total, grade, remark, recorded_by, created_at, updated_at FROM results WHERE id = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.FindByID(context.Background(), "ghost")
	assert.Equal(t, sql.ErrNoRows, err)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM results WHERE id = $1")).
		WithArgs("result-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "result-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
