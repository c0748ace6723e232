package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/middleware"
	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/internal/service"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

// ListByClass exposes the roster view of the shared student directory so
// it can back the register service as well.
func (d *resultStudentDir) ListByClass(_ context.Context, classID string) ([]models.Student, error) {
	out := make([]models.Student, 0)
	for _, student := range d.byID {
		if student.ClassID == classID && student.Active {
			out = append(out, student.Student)
		}
	}
	return out, nil
}

// attendanceMemRepo is an in-memory register with the same
// (student, date) uniqueness rule as the SQL table. Bulk writes stage
// rows first so an atomic failure leaves nothing behind.
type attendanceMemRepo struct {
	students *resultStudentDir
	rows     []models.Attendance
	seq      int
}

func (r *attendanceMemRepo) find(studentID string, date time.Time) *models.Attendance {
	for i := range r.rows {
		if r.rows[i].StudentID == studentID && r.rows[i].Date.Equal(date) {
			return &r.rows[i]
		}
	}
	return nil
}

func (r *attendanceMemRepo) record(row models.Attendance) models.AttendanceRecord {
	rec := models.AttendanceRecord{Attendance: row}
	if student, ok := r.students.byID[row.StudentID]; ok {
		rec.StudentName = student.FullName
		rec.AdmissionNumber = student.AdmissionNumber
	}
	return rec
}

func (r *attendanceMemRepo) List(_ context.Context, filter models.AttendanceFilter) ([]models.AttendanceRecord, int, error) {
	out := make([]models.AttendanceRecord, 0)
	for _, row := range r.rows {
		if filter.ClassID != "" && row.ClassID != filter.ClassID {
			continue
		}
		if filter.TermID != "" && row.TermID != filter.TermID {
			continue
		}
		if filter.StudentID != "" && row.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != nil && row.Status != *filter.Status {
			continue
		}
		if filter.DateFrom != nil && row.Date.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && row.Date.After(*filter.DateTo) {
			continue
		}
		out = append(out, r.record(row))
	}
	return out, len(out), nil
}

func (r *attendanceMemRepo) Upsert(_ context.Context, record *models.Attendance) (*models.Attendance, error) {
	if existing := r.find(record.StudentID, record.Date); existing != nil {
		existing.Status = record.Status
		existing.Notes = record.Notes
		existing.RecordedBy = record.RecordedBy
		cp := *existing
		return &cp, nil
	}
	r.seq++
	record.ID = "att-" + strconv.Itoa(r.seq)
	r.rows = append(r.rows, *record)
	cp := *record
	return &cp, nil
}

func (r *attendanceMemRepo) BulkInsert(_ context.Context, records []models.Attendance, atomic bool) ([]models.AttendanceBulkConflict, error) {
	conflicts := make([]models.AttendanceBulkConflict, 0)
	staged := make([]models.Attendance, 0, len(records))
	taken := func(studentID string, date time.Time) bool {
		if r.find(studentID, date) != nil {
			return true
		}
		for _, row := range staged {
			if row.StudentID == studentID && row.Date.Equal(date) {
				return true
			}
		}
		return false
	}
	for _, rec := range records {
		if taken(rec.StudentID, rec.Date) {
			if atomic {
				return nil, fmt.Errorf("duplicate register row for student %s", rec.StudentID)
			}
			conflicts = append(conflicts, models.AttendanceBulkConflict{StudentID: rec.StudentID, Date: rec.Date, Reason: "already recorded"})
			continue
		}
		r.seq++
		rec.ID = "att-" + strconv.Itoa(r.seq)
		staged = append(staged, rec)
	}
	r.rows = append(r.rows, staged...)
	return conflicts, nil
}

func (r *attendanceMemRepo) ClassRegister(_ context.Context, classID string, date time.Time) ([]models.AttendanceRecord, error) {
	out := make([]models.AttendanceRecord, 0)
	for _, row := range r.rows {
		if row.ClassID == classID && row.Date.Equal(date) {
			out = append(out, r.record(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentName < out[j].StudentName })
	return out, nil
}

func (r *attendanceMemRepo) StudentSummary(_ context.Context, studentID, termID string) (*models.AttendanceSummary, error) {
	summary := &models.AttendanceSummary{}
	for _, row := range r.rows {
		if row.StudentID != studentID {
			continue
		}
		if termID != "" && row.TermID != termID {
			continue
		}
		switch row.Status {
		case models.AttendanceStatusPresent:
			summary.Present++
		case models.AttendanceStatusSick:
			summary.Sick++
		case models.AttendanceStatusExcused:
			summary.Excused++
		case models.AttendanceStatusAbsent:
			summary.Absent++
		}
		summary.Total++
	}
	if summary.Total > 0 {
		summary.Percent = float64(summary.Present) / float64(summary.Total) * 100
	}
	return summary, nil
}

type attendanceTeacherDir map[string]models.Teacher

func (d attendanceTeacherDir) FindByUserID(_ context.Context, userID string) (*models.Teacher, error) {
	if teacher, ok := d[userID]; ok {
		cp := teacher
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

type attendanceScopeStub struct{ allow bool }

func (s *attendanceScopeStub) HasClassAccess(context.Context, string, string, string) (bool, error) {
	return s.allow, nil
}

type attendanceHandlerFixture struct {
	router *gin.Engine
	repo   *attendanceMemRepo
	scope  *attendanceScopeStub
	claims *models.JWTClaims
}

func newAttendanceHandlerFixture(t *testing.T) *attendanceHandlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	students := &resultStudentDir{
		byID: map[string]*models.StudentDetail{
			"s1": {Student: models.Student{ID: "s1", AdmissionNumber: "ADM-001", FullName: "Ada Obi", ClassID: "class-1", Active: true}},
			"s2": {Student: models.Student{ID: "s2", AdmissionNumber: "ADM-002", FullName: "Bola Ade", ClassID: "class-1", Active: true}},
		},
		byUser: map[string]string{"portal-1": "s1"},
	}
	f := &attendanceHandlerFixture{
		repo:   &attendanceMemRepo{students: students},
		scope:  &attendanceScopeStub{allow: true},
		claims: &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff},
	}
	teachers := attendanceTeacherDir{
		"tuser-1": {ID: "t1", EmployeeID: "EMP-001", FullName: "Ken Musa", Active: true},
	}

	svc := service.NewAttendanceService(f.repo, students, resultClassDir{}, resultTermsStub{},
		teachers, f.scope, nil, zap.NewNop())
	h := NewAttendanceHandler(svc)

	router := gin.New()
	authed := router.Group("/", func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, f.claims)
		c.Next()
	})
	authed.GET("/attendance", h.List)
	authed.GET("/attendance/register", h.Register)
	authed.POST("/attendance", h.Mark)
	authed.POST("/attendance/bulk", h.BulkRegister)
	authed.GET("/students/:id/attendance", h.StudentSummary)
	f.router = router
	return f
}

func (f *attendanceHandlerFixture) as(userID string, role models.UserRole) {
	f.claims.UserID = userID
	f.claims.Role = role
}

func (f *attendanceHandlerFixture) postJSON(path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *attendanceHandlerFixture) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *attendanceHandlerFixture) seed(studentID, termID string, date time.Time, status models.AttendanceStatus) {
	f.repo.seq++
	f.repo.rows = append(f.repo.rows, models.Attendance{
		ID:         "att-" + strconv.Itoa(f.repo.seq),
		StudentID:  studentID,
		ClassID:    "class-1",
		TermID:     termID,
		Date:       date,
		Status:     status,
		RecordedBy: "staff-1",
	})
}

func TestAttendanceHandlerMark(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)

	rec := fixture.postJSON("/attendance", `{"student_id":"s1","class_id":"class-1","date":"2026-03-02T08:15:00Z","status":"H"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data models.Attendance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "att-1", payload.Data.ID)
	assert.Equal(t, models.AttendanceStatusPresent, payload.Data.Status)
	assert.Equal(t, "term-1", payload.Data.TermID, "omitted term falls back to the current one")
	assert.True(t, payload.Data.Date.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)), "time component must be stripped")
	assert.Equal(t, "staff-1", payload.Data.RecordedBy)

	// Re-marking the same (student, date) overwrites instead of duplicating.
	rec = fixture.postJSON("/attendance", `{"student_id":"s1","class_id":"class-1","date":"2026-03-02T17:40:00Z","status":"A","notes":"left early"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "att-1", payload.Data.ID)
	assert.Equal(t, models.AttendanceStatusAbsent, payload.Data.Status)
	require.NotNil(t, payload.Data.Notes)
	assert.Equal(t, "left early", *payload.Data.Notes)
	assert.Len(t, fixture.repo.rows, 1)
}

func TestAttendanceHandlerMarkValidation(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)

	rec := fixture.postJSON("/attendance", `{"student_id":"s1","class_id":"class-1","date":"2026-03-02T00:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, envelopeError(t, rec).Code)

	rec = fixture.postJSON("/attendance", `{"student_id":"s1","class_id":"class-1","date":"2026-03-02T00:00:00Z","status":"X"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown attendance status", envelopeError(t, rec).Message)

	rec = fixture.postJSON("/attendance", `{"student_id":"s1","class_id":"class-2","date":"2026-03-02T00:00:00Z","status":"H"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "student not in this class", envelopeError(t, rec).Message)

	rec = fixture.postJSON("/attendance", `{"student_id":"s9","class_id":"class-1","date":"2026-03-02T00:00:00Z","status":"H"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "student not found", envelopeError(t, rec).Message)

	assert.Empty(t, fixture.repo.rows)
}

func TestAttendanceHandlerMarkScope(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)
	body := `{"student_id":"s1","class_id":"class-1","date":"2026-03-02T00:00:00Z","status":"H"}`

	fixture.as("portal-1", models.RoleStudent)
	rec := fixture.postJSON("/attendance", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient permissions", envelopeError(t, rec).Message)

	fixture.as("ghost", models.RoleTeacher)
	rec = fixture.postJSON("/attendance", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "no teacher profile for this account", envelopeError(t, rec).Message)

	fixture.scope.allow = false
	fixture.as("tuser-1", models.RoleTeacher)
	rec = fixture.postJSON("/attendance", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not assigned to this class", envelopeError(t, rec).Message)

	fixture.scope.allow = true
	rec = fixture.postJSON("/attendance", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var payload struct {
		Data models.Attendance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "tuser-1", payload.Data.RecordedBy)
}

func TestAttendanceHandlerBulkRegister(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)

	rec := fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-02T00:00:00Z","entries":[{"student_id":"s1","status":"H"},{"student_id":"s2","status":"A"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data service.BulkRegisterResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 2, payload.Data.Saved)
	assert.Empty(t, payload.Data.Conflicts)
	assert.Len(t, fixture.repo.rows, 2)

	// Default mode is atomic: one duplicate rolls the whole batch back.
	rec = fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-02T00:00:00Z","entries":[{"student_id":"s1","status":"S"},{"student_id":"s2","status":"H"}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "register already contains rows for this date", envelopeError(t, rec).Message)
	assert.Len(t, fixture.repo.rows, 2)
	assert.Equal(t, models.AttendanceStatusPresent, fixture.repo.rows[0].Status, "conflicting batches must not overwrite")

	// partialOnError keeps the fresh rows and reports the duplicates.
	day2 := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	fixture.seed("s1", "term-1", day2, models.AttendanceStatusSick)
	rec = fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-03T00:00:00Z","mode":"partialOnError","entries":[{"student_id":"s1","status":"H"},{"student_id":"s2","status":"H"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Data.Saved)
	require.Len(t, payload.Data.Conflicts, 1)
	assert.Equal(t, "s1", payload.Data.Conflicts[0].StudentID)
	assert.Equal(t, "already recorded", payload.Data.Conflicts[0].Reason)
	assert.Len(t, fixture.repo.rows, 4)
}

func TestAttendanceHandlerBulkValidation(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)

	rec := fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-02T00:00:00Z","entries":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, envelopeError(t, rec).Code)

	rec = fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-02T00:00:00Z","mode":"bestEffort","entries":[{"student_id":"s1","status":"H"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-02T00:00:00Z","entries":[{"student_id":"s1","status":"P"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown attendance status for student s1", envelopeError(t, rec).Message)

	rec = fixture.postJSON("/attendance/bulk", `{"class_id":"class-1","date":"2026-03-02T00:00:00Z","entries":[{"student_id":"s9","status":"H"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "student s9 not in this class", envelopeError(t, rec).Message)

	assert.Empty(t, fixture.repo.rows)
}

func TestAttendanceHandlerRegister(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	fixture.seed("s2", "term-1", day, models.AttendanceStatusAbsent)
	fixture.seed("s1", "term-1", day, models.AttendanceStatusPresent)

	rec := fixture.get("/attendance/register?classId=class-1&date=2026-03-02")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data []models.AttendanceRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 2)
	assert.Equal(t, "Ada Obi", payload.Data[0].StudentName, "register is ordered by student name")
	assert.Equal(t, "ADM-001", payload.Data[0].AdmissionNumber)
	assert.Equal(t, models.AttendanceStatusPresent, payload.Data[0].Status)
	assert.Equal(t, models.AttendanceStatusAbsent, payload.Data[1].Status)
}

func TestAttendanceHandlerRegisterValidation(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)

	rec := fixture.get("/attendance/register?date=2026-03-02")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "classId is required", envelopeError(t, rec).Message)

	rec = fixture.get("/attendance/register?classId=class-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date is required", envelopeError(t, rec).Message)

	rec = fixture.get("/attendance/register?classId=class-1&date=02-03-2026")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date must be YYYY-MM-DD", envelopeError(t, rec).Message)

	rec = fixture.get("/attendance/register?classId=ghost&date=2026-03-02")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "class not found", envelopeError(t, rec).Message)
}

func TestAttendanceHandlerList(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)
	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	fixture.seed("s1", "term-1", day1, models.AttendanceStatusPresent)
	fixture.seed("s2", "term-1", day1, models.AttendanceStatusAbsent)
	fixture.seed("s1", "term-1", day2, models.AttendanceStatusAbsent)
	fixture.seed("s2", "term-2", day2, models.AttendanceStatusPresent)

	rec := fixture.get("/attendance?classId=class-1&termId=term-1&status=A")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var envelope struct {
		Data       []models.AttendanceRecord `json:"data"`
		Pagination *models.Pagination        `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 2)
	require.NotNil(t, envelope.Pagination)
	assert.Equal(t, 2, envelope.Pagination.TotalCount)
	assert.Equal(t, 1, envelope.Pagination.Page)
	assert.Equal(t, 20, envelope.Pagination.PageSize)

	// The date window narrows the absences to the first week.
	rec = fixture.get("/attendance?status=A&from=2026-03-01&to=2026-03-06")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "s2", envelope.Data[0].StudentID)

	rec = fixture.get("/attendance?from=garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "from must be YYYY-MM-DD", envelopeError(t, rec).Message)
}

func TestAttendanceHandlerStudentSummary(t *testing.T) {
	fixture := newAttendanceHandlerFixture(t)
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	statuses := []models.AttendanceStatus{
		models.AttendanceStatusPresent,
		models.AttendanceStatusPresent,
		models.AttendanceStatusPresent,
		models.AttendanceStatusSick,
		models.AttendanceStatusAbsent,
	}
	for i, status := range statuses {
		fixture.seed("s1", "term-1", base.AddDate(0, 0, i), status)
	}
	fixture.seed("s1", "term-2", base.AddDate(0, 0, 30), models.AttendanceStatusExcused)

	rec := fixture.get("/students/s1/attendance?termId=term-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload struct {
		Data models.AttendanceSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 3, payload.Data.Present)
	assert.Equal(t, 1, payload.Data.Sick)
	assert.Equal(t, 1, payload.Data.Absent)
	assert.Equal(t, 0, payload.Data.Excused)
	assert.Equal(t, 5, payload.Data.Total)
	assert.InDelta(t, 60.0, payload.Data.Percent, 0.001)

	// No term filter spans every term.
	rec = fixture.get("/students/s1/attendance")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 6, payload.Data.Total)
	assert.Equal(t, 1, payload.Data.Excused)
	assert.InDelta(t, 50.0, payload.Data.Percent, 0.001)

	rec = fixture.get("/students/ghost/attendance")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "student not found", envelopeError(t, rec).Message)

	rec = fixture.get("/students/s1/attendance?termId=ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "term not found", envelopeError(t, rec).Message)
}
