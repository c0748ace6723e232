package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/school-portal-api/internal/models"
)

func newAttendanceMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var attendanceColumns = []string{"id", "student_id", "class_id", "term_id", "date", "status", "notes", "recorded_by", "created_at", "updated_at"}

func TestAttendanceRepositoryUpsert(t *testing.T) {
	db, mock, cleanup := newAttendanceMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	now := time.Now()
	returned := sqlmock.NewRows(attendanceColumns).
		AddRow("att-1", "student-1", "class-1", "term-1", day, string(models.AttendanceStatusPresent), nil, "teacher-1", now, now)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO attendance (id, student_id, class_id, term_id, date, status, notes, recorded_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (student_id, date)
DO UPDATE SET status = EXCLUDED.status, notes = EXCLUDED.notes, recorded_by = EXCLUDED.recorded_by, updated_at = EXCLUDED.updated_at
RETURNING id, student_id, class_id, term_id, date, status, notes, recorded_by, created_at, updated_at`)).
		WithArgs(sqlmock.AnyArg(), "student-1", "class-1", "term-1", day, models.AttendanceStatusPresent, nil, "teacher-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(returned)

	stored, err := repo.Upsert(context.Background(), &models.Attendance{
		StudentID:  "student-1",
		ClassID:    "class-1",
		TermID:     "term-1",
		Date:       day,
		Status:     models.AttendanceStatusPresent,
		RecordedBy: "teacher-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "att-1", stored.ID)
	assert.Equal(t, models.AttendanceStatusPresent, stored.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryBulkInsertReportsConflicts(t *testing.T) {
	db, mock, cleanup := newAttendanceMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	insert := regexp.QuoteMeta(`INSERT INTO attendance (id, student_id, class_id, term_id, date, status, notes, recorded_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (student_id, date) DO NOTHING RETURNING id`)

	mock.ExpectBegin()
	// first row already exists: DO NOTHING yields no RETURNING row
	mock.ExpectQuery(insert).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(insert).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("att-2"))
	mock.ExpectCommit()

	records := []models.Attendance{
		{StudentID: "student-1", ClassID: "class-1", TermID: "term-1", Date: day, Status: models.AttendanceStatusPresent, RecordedBy: "teacher-1"},
		{StudentID: "student-2", ClassID: "class-1", TermID: "term-1", Date: day, Status: models.AttendanceStatusSick, RecordedBy: "teacher-1"},
	}
	conflicts, err := repo.BulkInsert(context.Background(), records, false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "student-1", conflicts[0].StudentID)
	assert.Equal(t, "already recorded", conflicts[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryBulkInsertAtomicAborts(t *testing.T) {
	db, mock, cleanup := newAttendanceMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	insert := regexp.QuoteMeta("INSERT INTO attendance")

	mock.ExpectBegin()
	mock.ExpectQuery(insert).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	records := []models.Attendance{
		{StudentID: "student-1", ClassID: "class-1", TermID: "term-1", Date: day, Status: models.AttendanceStatusPresent, RecordedBy: "teacher-1"},
		{StudentID: "student-2", ClassID: "class-1", TermID: "term-1", Date: day, Status: models.AttendanceStatusPresent, RecordedBy: "teacher-1"},
	}
	_, err := repo.BulkInsert(context.Background(), records, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate for student student-1")
	assert.NoError(t, mock.ExpectationsWereMet())

	noop, err := repo.BulkInsert(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Nil(t, noop)
}

func TestAttendanceRepositoryClassRegister(t *testing.T) {
	db, mock, cleanup := newAttendanceMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	now := time.Now()
	columns := append(append([]string{}, attendanceColumns...), "student_name", "admission_number")
	rows := sqlmock.NewRows(columns).
		AddRow("att-1", "student-1", "class-1", "term-1", day, string(models.AttendanceStatusPresent), nil, "teacher-1", now, now, "Ada Obi", "ADM-001").
		AddRow("att-2", "student-2", "class-1", "term-1", day, string(models.AttendanceStatusAbsent), nil, "teacher-1", now, now, "Bola Ade", "ADM-002")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT a.id, a.student_id, a.class_id, a.term_id, a.date, a.status, a.notes, a.recorded_by, a.created_at, a.updated_at,
        s.full_name AS student_name, s.admission_number
FROM attendance a
JOIN students s ON s.id = a.student_id
WHERE a.class_id = $1 AND a.date = $2
ORDER BY s.full_name ASC`)).
		WithArgs("class-1", day).
		WillReturnRows(rows)

	register, err := repo.ClassRegister(context.Background(), "class-1", day)
	require.NoError(t, err)
	require.Len(t, register, 2)
	assert.Equal(t, "Ada Obi", register[0].StudentName)
	assert.Equal(t, models.AttendanceStatusAbsent, register[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryStudentSummary(t *testing.T) {
	db, mock, cleanup := newAttendanceMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	rows := sqlmock.NewRows([]string{"status", "cnt"}).
		AddRow("H", 51).
		AddRow("S", 2).
		AddRow("I", 1).
		AddRow("A", 2)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT a.status, COUNT(*) AS cnt
FROM attendance a
WHERE a.student_id = $1 AND ($2 = '' OR a.term_id = $2)
GROUP BY a.status`)).
		WithArgs("student-1", "term-1").
		WillReturnRows(rows)

	summary, err := repo.StudentSummary(context.Background(), "student-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, 51, summary.Present)
	assert.Equal(t, 2, summary.Sick)
	assert.Equal(t, 1, summary.Excused)
	assert.Equal(t, 2, summary.Absent)
	assert.Equal(t, 56, summary.Total)
	assert.InDelta(t, 91.07, summary.Percent, 0.01)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttendanceRepositoryList(t *testing.T) {
	db, mock, cleanup := newAttendanceMock(t)
	defer cleanup()
	repo := NewAttendanceRepository(db)

	day := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)
	now := time.Now()
	columns := append(append([]string{}, attendanceColumns...), "student_name", "admission_number")
	rows := sqlmock.NewRows(columns).
		AddRow("att-1", "student-1", "class-1", "term-1", day, string(models.AttendanceStatusPresent), nil, "teacher-1", now, now, "Ada Obi", "ADM-001")

	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance a JOIN students s ON s.id = a.student_id WHERE 1=1 AND a.class_id = $1 AND a.term_id = $2 ORDER BY a.date DESC LIMIT 50 OFFSET 0")).
		WithArgs("class-1", "term-1").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM attendance a JOIN students s ON s.id = a.student_id WHERE 1=1 AND a.class_id = $1 AND a.term_id = $2")).
		WithArgs("class-1", "term-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(73))

	records, total, err := repo.List(context.Background(), models.AttendanceFilter{ClassID: "class-1", TermID: "term-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 73, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
