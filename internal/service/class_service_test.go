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

type mockClassRepo struct {
	classes    map[string]models.Class
	nameIndex  map[string]string
	enrolled   map[string]int
	deleted    []string
	lastFilter models.ClassFilter
	listTotal  int
}

func (m *mockClassRepo) List(_ context.Context, filter models.ClassFilter) ([]models.Class, int, error) {
	m.lastFilter = filter
	out := make([]models.Class, 0, len(m.classes))
	for _, class := range m.classes {
		out = append(out, class)
	}
	return out, m.listTotal, nil
}

func (m *mockClassRepo) FindByID(_ context.Context, id string) (*models.Class, error) {
	if class, ok := m.classes[id]; ok {
		cp := class
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockClassRepo) ExistsByName(_ context.Context, name string, excludeID string) (bool, error) {
	if id, ok := m.nameIndex[name]; ok {
		if excludeID == "" || id != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockClassRepo) Create(_ context.Context, class *models.Class) error {
	if m.classes == nil {
		m.classes = make(map[string]models.Class)
	}
	if class.ID == "" {
		class.ID = "generated"
	}
	m.classes[class.ID] = *class
	if m.nameIndex == nil {
		m.nameIndex = make(map[string]string)
	}
	m.nameIndex[class.Name] = class.ID
	return nil
}

func (m *mockClassRepo) Update(_ context.Context, class *models.Class) error {
	if _, ok := m.classes[class.ID]; !ok {
		return sql.ErrNoRows
	}
	m.classes[class.ID] = *class
	return nil
}

func (m *mockClassRepo) Delete(_ context.Context, id string) error {
	if _, ok := m.classes[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.classes, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockClassRepo) CountStudents(_ context.Context, classID string) (int, error) {
	return m.enrolled[classID], nil
}

type rosterStub struct {
	byClass map[string][]models.Student
}

func (s rosterStub) ListByClass(_ context.Context, classID string) ([]models.Student, error) {
	return s.byClass[classID], nil
}

func newClassServiceForTest(repo *mockClassRepo, roster rosterStub) *ClassService {
	return NewClassService(repo, roster, validator.New(), zap.NewNop())
}

func TestClassServiceCreate(t *testing.T) {
	repo := &mockClassRepo{}
	svc := newClassServiceForTest(repo, rosterStub{})

	class, err := svc.Create(context.Background(), CreateClassRequest{Name: "JSS 2A", Level: "JSS2"})

	require.NoError(t, err)
	assert.Equal(t, "JSS 2A", class.Name)
	assert.Equal(t, "JSS2", class.Level)
	assert.Contains(t, repo.classes, class.ID)
}

func TestClassServiceCreateDuplicateName(t *testing.T) {
	repo := &mockClassRepo{nameIndex: map[string]string{"JSS 2A": "other"}}
	svc := newClassServiceForTest(repo, rosterStub{})

	_, err := svc.Create(context.Background(), CreateClassRequest{Name: "JSS 2A", Level: "JSS2"})

	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestClassServiceCreateValidation(t *testing.T) {
	svc := newClassServiceForTest(&mockClassRepo{}, rosterStub{})

	_, err := svc.Create(context.Background(), CreateClassRequest{Name: "JSS 2A"})

	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestClassServiceUpdate(t *testing.T) {
	repo := &mockClassRepo{
		classes:   map[string]models.Class{"class-1": {ID: "class-1", Name: "JSS 2A", Level: "JSS2"}},
		nameIndex: map[string]string{"JSS 2A": "class-1"},
	}
	svc := newClassServiceForTest(repo, rosterStub{})

	updated, err := svc.Update(context.Background(), "class-1", UpdateClassRequest{Name: "JSS 2B", Level: "JSS2"})
	require.NoError(t, err)
	assert.Equal(t, "JSS 2B", updated.Name)
	assert.Equal(t, "JSS 2B", repo.classes["class-1"].Name)

	// Keeping its own name is not a collision.
	_, err = svc.Update(context.Background(), "class-1", UpdateClassRequest{Name: "JSS 2A", Level: "JSS2"})
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), "missing", UpdateClassRequest{Name: "JSS 3A", Level: "JSS3"})
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestClassServiceRoster(t *testing.T) {
	repo := &mockClassRepo{classes: map[string]models.Class{"class-1": {ID: "class-1", Name: "JSS 2A", Level: "JSS2"}}}
	roster := rosterStub{byClass: map[string][]models.Student{
		"class-1": {
			{ID: "s1", FullName: "Ada Obi", ClassID: "class-1", Active: true},
			{ID: "s2", FullName: "Bola Ade", ClassID: "class-1", Active: true},
		},
	}}
	svc := newClassServiceForTest(repo, roster)

	students, err := svc.Roster(context.Background(), "class-1")
	require.NoError(t, err)
	assert.Len(t, students, 2)

	_, err = svc.Roster(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestClassServiceDelete(t *testing.T) {
	repo := &mockClassRepo{
		classes: map[string]models.Class{
			"class-1": {ID: "class-1", Name: "JSS 2A", Level: "JSS2"},
			"class-2": {ID: "class-2", Name: "JSS 2B", Level: "JSS2"},
		},
		enrolled: map[string]int{"class-1": 31},
	}
	svc := newClassServiceForTest(repo, rosterStub{})

	err := svc.Delete(context.Background(), "class-1")
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErr.Code)
	assert.Contains(t, repo.classes, "class-1")

	require.NoError(t, svc.Delete(context.Background(), "class-2"))
	assert.Equal(t, []string{"class-2"}, repo.deleted)

	err = svc.Delete(context.Background(), "missing")
	require.Error(t, err)
	appErr, ok = err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestClassServiceList(t *testing.T) {
	repo := &mockClassRepo{
		classes: map[string]models.Class{
			"class-1": {ID: "class-1", Name: "JSS 2A", Level: "JSS2"},
			"class-2": {ID: "class-2", Name: "JSS 2B", Level: "JSS2"},
		},
		listTotal: 12,
	}
	svc := newClassServiceForTest(repo, rosterStub{})

	classes, pagination, err := svc.List(context.Background(), models.ClassFilter{Level: "JSS2", Page: 3, PageSize: 5})
	require.NoError(t, err)
	assert.Len(t, classes, 2)
	assert.Equal(t, 12, pagination.TotalCount)
	assert.Equal(t, 3, pagination.Page)
	assert.Equal(t, "JSS2", repo.lastFilter.Level)

	_, pagination, err = svc.List(context.Background(), models.ClassFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
}
