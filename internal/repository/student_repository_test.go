package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/school-portal-api/internal/models"
)

func newStudentMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func studentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "admission_number", "full_name", "gender", "class_id",
		"parent_name", "parent_phone", "user_id", "active", "created_at", "updated_at",
		"class_name", "class_level",
	}).AddRow("s1", "ADM-2025-014", "Ada Obi", "FEMALE", "class-1",
		nil, nil, nil, true, time.Now(), time.Now(), "JSS1A", "JSS1")
}

func TestStudentRepositoryList(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(`SELECT s\.id, s\.admission_number.*ORDER BY s\.full_name ASC LIMIT 20 OFFSET 0`).
		WillReturnRows(studentRows())
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM students s`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	students, total, err := repo.List(context.Background(), models.StudentFilter{})
	require.NoError(t, err)
	assert.Len(t, students, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Ada Obi", students[0].FullName)
	require.NotNil(t, students[0].ClassName)
	assert.Equal(t, "JSS1A", *students[0].ClassName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListAppliesFilters(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	active := true
	mock.ExpectQuery(`SELECT s\.id, s\.admission_number.*s\.class_id = \$1 AND s\.active = \$2`).
		WithArgs("class-1", active).
		WillReturnRows(studentRows())
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM students s`).
		WithArgs("class-1", active).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, total, err := repo.List(context.Background(), models.StudentFilter{ClassID: "class-1", Active: &active})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(`SELECT s\.id, s\.admission_number.*WHERE s\.id = \$1`).
		WithArgs("s1").
		WillReturnRows(studentRows())

	detail, err := repo.FindByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "ADM-2025-014", detail.AdmissionNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(`SELECT s\.id, s\.admission_number.*WHERE s\.id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.Equal(t, sql.ErrNoRows, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryExistsByAdmissionNumber(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(`SELECT 1 FROM students WHERE admission_number = \$1 LIMIT 1`).
		WithArgs("ADM-2025-014").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsByAdmissionNumber(context.Background(), "ADM-2025-014", "")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery(`SELECT 1 FROM students WHERE admission_number = \$1 AND id <> \$2 LIMIT 1`).
		WithArgs("ADM-2025-014", "s1").
		WillReturnError(sql.ErrNoRows)

	exists, err = repo.ExistsByAdmissionNumber(context.Background(), "ADM-2025-014", "s1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec("INSERT INTO students").
		WithArgs(sqlmock.AnyArg(), "ADM-2025-014", "Ada Obi", "FEMALE", "class-1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	student := &models.Student{AdmissionNumber: "ADM-2025-014", FullName: "Ada Obi", Gender: "FEMALE", ClassID: "class-1", Active: true}
	require.NoError(t, repo.Create(context.Background(), student))
	assert.NotEmpty(t, student.ID)
	assert.False(t, student.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec("UPDATE students SET").
		WithArgs("ADM-2025-014", "Ada Obi", "FEMALE", "class-2",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	student := &models.Student{ID: "s1", AdmissionNumber: "ADM-2025-014", FullName: "Ada Obi", Gender: "FEMALE", ClassID: "class-2", Active: false}
	require.NoError(t, repo.Update(context.Background(), student))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryDeactivate(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec("UPDATE students SET active = false").
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Deactivate(context.Background(), "s1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListByClass(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	rows := sqlmock.NewRows([]string{
		"id", "admission_number", "full_name", "gender", "class_id",
		"parent_name", "parent_phone", "user_id", "active", "created_at", "updated_at",
	}).
		AddRow("s1", "ADM-2025-014", "Ada Obi", "FEMALE", "class-1", nil, nil, nil, true, time.Now(), time.Now()).
		AddRow("s2", "ADM-2025-015", "Bola Sani", "MALE", "class-1", nil, nil, nil, true, time.Now(), time.Now())
	mock.ExpectQuery(`FROM students WHERE class_id = \$1 AND active = TRUE ORDER BY full_name ASC`).
		WithArgs("class-1").
		WillReturnRows(rows)

	students, err := repo.ListByClass(context.Background(), "class-1")
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, "Bola Sani", students[1].FullName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCountActive(t *testing.T) {
	db, mock, cleanup := newStudentMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM students WHERE active = true`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(412))

	count, err := repo.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 412, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
