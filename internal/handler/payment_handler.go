package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/internal/service"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
	"github.com/noah-isme/school-portal-api/pkg/gateway"
	"github.com/noah-isme/school-portal-api/pkg/response"
)

// PaymentHandler exposes the PIN-fee payment endpoints.
type PaymentHandler struct {
	service *service.PaymentService
}

// NewPaymentHandler constructs a payment handler.
func NewPaymentHandler(svc *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: svc}
}

// Initiate godoc
// @Summary Start a gateway checkout for the PIN fee
// @Description Students pay for themselves; staff may name a student.
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body service.InitiatePaymentRequest true "Checkout payload"
// @Success 201 {object} response.Envelope
// @Router /payments/initiate [post]
func (h *PaymentHandler) Initiate(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payment payload"))
		return
	}
	checkout, err := h.service.Initiate(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, checkout)
}

// Verify godoc
// @Summary Verify a payment against the gateway
// @Description Asks the provider for the transaction status and applies
// @Description the approve/decline transition accordingly.
// @Tags Payments
// @Produce json
// @Param reference path string true "Payment reference"
// @Success 200 {object} response.Envelope
// @Router /payments/verify/{reference} [post]
func (h *PaymentHandler) Verify(c *gin.Context) {
	payment, err := h.service.Verify(c.Request.Context(), actorFromContext(c), c.Param("reference"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Webhook godoc
// @Summary Gateway notification webhook
// @Description Unauthenticated; trust comes from the payload signature.
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /payments/webhook [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	var n gateway.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid notification payload"))
		return
	}
	if err := h.service.HandleWebhook(c.Request.Context(), n); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "ok"}, nil)
}

// Manual godoc
// @Summary Record an offline payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param payload body service.ManualPaymentRequest true "Manual payment payload"
// @Success 201 {object} response.Envelope
// @Router /payments/manual [post]
func (h *PaymentHandler) Manual(c *gin.Context) {
	var req service.ManualPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payment payload"))
		return
	}
	payment, err := h.service.ManualEntry(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, payment)
}

// Approve godoc
// @Summary Approve a pending payment
// @Description Approval mints a PIN bound to the paying student.
// @Tags Payments
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Router /payments/{id}/approve [post]
func (h *PaymentHandler) Approve(c *gin.Context) {
	payment, err := h.service.Approve(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Decline godoc
// @Summary Decline a pending payment
// @Tags Payments
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Router /payments/{id}/decline [post]
func (h *PaymentHandler) Decline(c *gin.Context) {
	payment, err := h.service.Decline(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// Get godoc
// @Summary Get one payment
// @Description Students may only read their own payments.
// @Tags Payments
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Envelope
// @Router /payments/{id} [get]
func (h *PaymentHandler) Get(c *gin.Context) {
	payment, err := h.service.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payment, nil)
}

// List godoc
// @Summary List payments
// @Tags Payments
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param termId query string false "Filter by term"
// @Param status query string false "Filter by status (PENDING/APPROVED/DECLINED)"
// @Param method query string false "Filter by method (GATEWAY/MANUAL)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /payments [get]
func (h *PaymentHandler) List(c *gin.Context) {
	filter := models.PaymentFilter{
		StudentID: c.Query("studentId"),
		TermID:    c.Query("termId"),
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}
	if status := c.Query("status"); status != "" {
		st := models.PaymentStatus(status)
		filter.Status = &st
	}
	if method := c.Query("method"); method != "" {
		m := models.PaymentMethod(method)
		filter.Method = &m
	}
	filter.Page, filter.PageSize = pageParams(c)

	payments, total, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	response.JSON(c, http.StatusOK, payments, pagination)
}
