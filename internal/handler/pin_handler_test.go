package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/middleware"
	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/internal/service"
)

type pinHandlerFixture struct {
	router *gin.Engine
	pins   *pinMemRepo
}

func newPinHandlerFixture(t *testing.T) *pinHandlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pins := newPinMemRepo()
	svc := service.NewPinService(pins, resultTermsStub{}, nil, 5, nil, zap.NewNop())

	h := NewPinHandler(svc)
	router := gin.New()
	authed := router.Group("/", func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
		c.Next()
	})
	authed.POST("/pins/generate", h.Generate)
	authed.GET("/pins", h.List)
	authed.POST("/pins/:id/revoke", h.Revoke)

	return &pinHandlerFixture{router: router, pins: pins}
}

func (f *pinHandlerFixture) post(path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, path, nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	f.router.ServeHTTP(rec, req)
	return rec
}

var pinCodeShape = regexp.MustCompile(`^\d{4}-\d{4}-\d{4}$`)

func TestPinHandlerGenerate(t *testing.T) {
	fixture := newPinHandlerFixture(t)

	rec := fixture.post("/pins/generate", `{"term_id":"term-1","count":3}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var envelope struct {
		Data []models.Pin `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 3)

	seen := map[string]bool{}
	for _, pin := range envelope.Data {
		assert.Regexp(t, pinCodeShape, pin.Code)
		assert.Equal(t, "term-1", pin.TermID)
		assert.Equal(t, "session-1", pin.SessionID)
		assert.Equal(t, models.PinStatusActive, pin.Status)
		assert.Nil(t, pin.StudentID)
		assert.False(t, seen[pin.Code], "codes must be unique in a batch")
		seen[pin.Code] = true
	}
	assert.Len(t, fixture.pins.byID, 3)
}

func TestPinHandlerGenerateDefaultsToCurrentTerm(t *testing.T) {
	fixture := newPinHandlerFixture(t)

	rec := fixture.post("/pins/generate", `{"count":1}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var envelope struct {
		Data []models.Pin `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, "term-1", envelope.Data[0].TermID)
}

func TestPinHandlerGenerateValidation(t *testing.T) {
	fixture := newPinHandlerFixture(t)

	rec := fixture.post("/pins/generate", `{"term_id":"term-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// The fixture caps batches at 5.
	rec = fixture.post("/pins/generate", `{"term_id":"term-1","count":9}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "count exceeds the per-batch limit of 5", envelopeError(t, rec).Message)

	assert.Empty(t, fixture.pins.byID)
}

func TestPinHandlerList(t *testing.T) {
	fixture := newPinHandlerFixture(t)
	owner := "s1"
	fixture.pins.add(models.Pin{Code: "1111-1111-1111", TermID: "term-1", SessionID: "session-1"})
	fixture.pins.add(models.Pin{Code: "2222-2222-2222", TermID: "term-1", SessionID: "session-1"})
	fixture.pins.add(models.Pin{Code: "3333-3333-3333", TermID: "term-1", SessionID: "session-1", StudentID: &owner})
	fixture.pins.add(models.Pin{Code: "4444-4444-4444", TermID: "term-1", SessionID: "session-1", Status: models.PinStatusUsed})

	rec := httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pins?termId=term-1&status=ACTIVE&bound=false", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var envelope struct {
		Data       []models.PinDetail `json:"data"`
		Pagination *models.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 2)
	require.NotNil(t, envelope.Pagination)
	assert.Equal(t, 2, envelope.Pagination.TotalCount)
	assert.Equal(t, 1, envelope.Pagination.Page)
	assert.Equal(t, 20, envelope.Pagination.PageSize)
}

func TestPinHandlerRevoke(t *testing.T) {
	fixture := newPinHandlerFixture(t)
	pin := fixture.pins.add(models.Pin{Code: "1111-1111-1111", TermID: "term-1", SessionID: "session-1"})

	rec := fixture.post("/pins/"+pin.ID+"/revoke", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, models.PinStatusUsed, fixture.pins.byID[pin.ID].Status)

	rec = fixture.post("/pins/ghost/revoke", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
