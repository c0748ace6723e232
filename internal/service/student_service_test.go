package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

type mockStudentRepo struct {
	students       map[string]models.Student
	byUser         map[string]string
	admissionIndex map[string]string
	deactivated    []string
	lastFilter     models.StudentFilter
	listTotal      int
	err            error
}

func (m *mockStudentRepo) List(_ context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	m.lastFilter = filter
	if m.err != nil {
		return nil, 0, m.err
	}
	details := make([]models.StudentDetail, 0, len(m.students))
	for _, s := range m.students {
		details = append(details, models.StudentDetail{Student: s})
	}
	return details, m.listTotal, nil
}

func (m *mockStudentRepo) FindByID(_ context.Context, id string) (*models.StudentDetail, error) {
	if s, ok := m.students[id]; ok {
		detail := models.StudentDetail{Student: s}
		return &detail, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentRepo) FindByUserID(_ context.Context, userID string) (*models.StudentDetail, error) {
	if id, ok := m.byUser[userID]; ok {
		return m.FindByID(context.Background(), id)
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentRepo) ExistsByAdmissionNumber(_ context.Context, admissionNumber string, excludeID string) (bool, error) {
	if id, ok := m.admissionIndex[admissionNumber]; ok {
		if excludeID == "" || id != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStudentRepo) Create(_ context.Context, student *models.Student) error {
	if m.students == nil {
		m.students = make(map[string]models.Student)
	}
	if student.ID == "" {
		student.ID = "generated"
	}
	m.students[student.ID] = *student
	if m.admissionIndex == nil {
		m.admissionIndex = make(map[string]string)
	}
	m.admissionIndex[student.AdmissionNumber] = student.ID
	return nil
}

func (m *mockStudentRepo) Update(_ context.Context, student *models.Student) error {
	if _, ok := m.students[student.ID]; !ok {
		return sql.ErrNoRows
	}
	m.students[student.ID] = *student
	return nil
}

func (m *mockStudentRepo) Deactivate(_ context.Context, id string) error {
	s, ok := m.students[id]
	if !ok {
		return sql.ErrNoRows
	}
	s.Active = false
	m.students[id] = s
	m.deactivated = append(m.deactivated, id)
	return nil
}

type studentClassStub struct {
	classes map[string]*models.Class
}

func (s studentClassStub) FindByID(_ context.Context, id string) (*models.Class, error) {
	if class, ok := s.classes[id]; ok {
		return class, nil
	}
	return nil, sql.ErrNoRows
}

func newStudentServiceForTest(repo *mockStudentRepo) *StudentService {
	classes := studentClassStub{classes: map[string]*models.Class{
		"class-1": {ID: "class-1", Name: "JSS1A"},
	}}
	return NewStudentService(repo, classes, validator.New(), zap.NewNop())
}

func TestStudentServiceCreate(t *testing.T) {
	repo := &mockStudentRepo{}
	svc := newStudentServiceForTest(repo)

	student, err := svc.Create(context.Background(), CreateStudentRequest{
		AdmissionNumber: "ADM-2025-014",
		FullName:        "Ada Obi",
		Gender:          "FEMALE",
		ClassID:         "class-1",
	})

	require.NoError(t, err)
	assert.True(t, student.Active)
	assert.Equal(t, "ADM-2025-014", student.AdmissionNumber)
	assert.Contains(t, repo.students, student.ID)
}

func TestStudentServiceCreateDuplicateAdmissionNumber(t *testing.T) {
	repo := &mockStudentRepo{admissionIndex: map[string]string{"ADM-2025-014": "other"}}
	svc := newStudentServiceForTest(repo)

	_, err := svc.Create(context.Background(), CreateStudentRequest{
		AdmissionNumber: "ADM-2025-014",
		FullName:        "Ada Obi",
		Gender:          "FEMALE",
		ClassID:         "class-1",
	})

	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestStudentServiceCreateUnknownClass(t *testing.T) {
	svc := newStudentServiceForTest(&mockStudentRepo{})

	_, err := svc.Create(context.Background(), CreateStudentRequest{
		AdmissionNumber: "ADM-2025-014",
		FullName:        "Ada Obi",
		Gender:          "FEMALE",
		ClassID:         "missing",
	})

	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestStudentServiceCreateValidation(t *testing.T) {
	svc := newStudentServiceForTest(&mockStudentRepo{})

	_, err := svc.Create(context.Background(), CreateStudentRequest{
		AdmissionNumber: "ADM-2025-014",
		FullName:        "Ada Obi",
		Gender:          "OTHER",
		ClassID:         "class-1",
	})

	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestStudentServiceUpdate(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"s1": {ID: "s1", AdmissionNumber: "ADM-2025-014", FullName: "Ada Obi", Gender: "FEMALE", ClassID: "class-1", Active: true},
		},
		admissionIndex: map[string]string{"ADM-2025-014": "s1"},
	}
	svc := newStudentServiceForTest(repo)

	updated, err := svc.Update(context.Background(), "s1", UpdateStudentRequest{
		AdmissionNumber: "ADM-2025-014",
		FullName:        "Ada Obi-Nwosu",
		Gender:          "FEMALE",
		ClassID:         "class-1",
		Active:          false,
	})

	require.NoError(t, err)
	assert.Equal(t, "Ada Obi-Nwosu", updated.FullName)
	assert.False(t, updated.Active)
	assert.Equal(t, "Ada Obi-Nwosu", repo.students["s1"].FullName)
}

func TestStudentServiceUpdateKeepsOwnAdmissionNumber(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"s1": {ID: "s1", AdmissionNumber: "ADM-2025-014", FullName: "Ada Obi", Gender: "FEMALE", ClassID: "class-1", Active: true},
		},
		admissionIndex: map[string]string{"ADM-2025-014": "s1"},
	}
	svc := newStudentServiceForTest(repo)

	_, err := svc.Update(context.Background(), "s1", UpdateStudentRequest{
		AdmissionNumber: "ADM-2025-014",
		FullName:        "Ada Obi",
		Gender:          "FEMALE",
		ClassID:         "class-1",
		Active:          true,
	})

	require.NoError(t, err)
}

func TestStudentServiceGet(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{
		"s1": {ID: "s1", AdmissionNumber: "ADM-2025-014", FullName: "Ada Obi"},
	}}
	svc := newStudentServiceForTest(repo)

	detail, err := svc.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Obi", detail.FullName)

	_, err = svc.Get(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestStudentServiceGetByUser(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"s1": {ID: "s1", AdmissionNumber: "ADM-2025-014", FullName: "Ada Obi"},
		},
		byUser: map[string]string{"user-9": "s1"},
	}
	svc := newStudentServiceForTest(repo)

	detail, err := svc.GetByUser(context.Background(), "user-9")
	require.NoError(t, err)
	assert.Equal(t, "s1", detail.ID)

	_, err = svc.GetByUser(context.Background(), "unlinked")
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestStudentServiceList(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"s1": {ID: "s1", FullName: "Ada Obi"},
			"s2": {ID: "s2", FullName: "Bola Sani"},
		},
		listTotal: 42,
	}
	svc := newStudentServiceForTest(repo)

	students, pagination, err := svc.List(context.Background(), models.StudentFilter{ClassID: "class-1", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, students, 2)
	assert.Equal(t, 42, pagination.TotalCount)
	assert.Equal(t, 2, pagination.Page)
	assert.Equal(t, "class-1", repo.lastFilter.ClassID)
}

func TestStudentServiceListDefaultsPagination(t *testing.T) {
	repo := &mockStudentRepo{listTotal: 0}
	svc := newStudentServiceForTest(repo)

	_, pagination, err := svc.List(context.Background(), models.StudentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
}

func TestStudentServiceDeactivate(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{
		"s1": {ID: "s1", Active: true},
	}}
	svc := newStudentServiceForTest(repo)

	require.NoError(t, svc.Deactivate(context.Background(), "s1"))
	assert.False(t, repo.students["s1"].Active)
	assert.Equal(t, []string{"s1"}, repo.deactivated)

	err := svc.Deactivate(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}
