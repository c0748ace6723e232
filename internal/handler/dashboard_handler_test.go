package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/school-portal-api/internal/middleware"
	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

type fakeDashboardSrv struct {
	summary *models.DashboardSummary
	hit     bool
	err     error
}

func (f *fakeDashboardSrv) Summary(context.Context) (*models.DashboardSummary, bool, error) {
	return f.summary, f.hit, f.err
}

type dashboardEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func newDashboardRouter(service *fakeDashboardSrv) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.WithResponseMeta())
	router.GET("/dashboard", NewDashboardHandler(service).Summary)
	return router
}

func TestDashboardHandlerSummary(t *testing.T) {
	router := newDashboardRouter(&fakeDashboardSrv{
		summary: &models.DashboardSummary{
			TermID:   "term-1",
			TermName: "First Term",
			Students: 420,
		},
		hit: true,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope dashboardEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "term-1", envelope.Data["term_id"])
	assert.Equal(t, float64(420), envelope.Data["students"])
	assert.Equal(t, true, envelope.Meta["cache_hit"])
	assert.Contains(t, envelope.Meta, "processing_time_ms")
}

func TestDashboardHandlerSummaryMissReportsCacheMeta(t *testing.T) {
	router := newDashboardRouter(&fakeDashboardSrv{
		summary: &models.DashboardSummary{TermID: "term-1"},
		hit:     false,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope dashboardEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, false, envelope.Meta["cache_hit"])
}

func TestDashboardHandlerSummaryWithoutCurrentTerm(t *testing.T) {
	router := newDashboardRouter(&fakeDashboardSrv{
		err: appErrors.Clone(appErrors.ErrPreconditionFailed, "no current term configured"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	var envelope dashboardEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, envelope.Error.Code)
}

func TestDashboardHandlerSummaryServiceFailure(t *testing.T) {
	router := newDashboardRouter(&fakeDashboardSrv{
		err: appErrors.Clone(appErrors.ErrInternal, "dashboard aggregation failed"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
