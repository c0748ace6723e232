package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/internal/service"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
	"github.com/noah-isme/school-portal-api/pkg/response"
)

// PinHandler exposes PIN administration endpoints. Redemption itself
// happens inside result viewing, not here.
type PinHandler struct {
	service *service.PinService
}

// NewPinHandler constructs a PIN handler.
func NewPinHandler(svc *service.PinService) *PinHandler {
	return &PinHandler{service: svc}
}

// Generate godoc
// @Summary Mint a batch of unbound PINs
// @Tags Pins
// @Accept json
// @Produce json
// @Param payload body service.GeneratePinsRequest true "Batch payload"
// @Success 201 {object} response.Envelope
// @Router /pins/generate [post]
func (h *PinHandler) Generate(c *gin.Context) {
	var req service.GeneratePinsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid pin batch payload"))
		return
	}
	pins, err := h.service.Generate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, pins)
}

// List godoc
// @Summary List PINs
// @Tags Pins
// @Produce json
// @Param termId query string false "Filter by term"
// @Param sessionId query string false "Filter by session"
// @Param status query string false "Filter by status (ACTIVE/USED)"
// @Param bound query bool false "Filter by bound state"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /pins [get]
func (h *PinHandler) List(c *gin.Context) {
	filter := models.PinFilter{
		TermID:    c.Query("termId"),
		SessionID: c.Query("sessionId"),
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}
	if status := c.Query("status"); status != "" {
		st := models.PinStatus(status)
		filter.Status = &st
	}
	if bound := c.Query("bound"); bound != "" {
		if val, err := strconv.ParseBool(bound); err == nil {
			filter.Bound = &val
		}
	}
	filter.Page, filter.PageSize = pageParams(c)

	pins, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	response.JSON(c, http.StatusOK, pins, pagination)
}

// Revoke godoc
// @Summary Revoke a PIN
// @Description Moves the PIN to USED. A revoked PIN no longer grants
// @Description result access.
// @Tags Pins
// @Produce json
// @Param id path string true "PIN ID"
// @Success 204
// @Router /pins/{id}/revoke [post]
func (h *PinHandler) Revoke(c *gin.Context) {
	if err := h.service.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
