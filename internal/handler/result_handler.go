package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/internal/service"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
	"github.com/noah-isme/school-portal-api/pkg/response"
)

// ResultHandler exposes mark entry and result viewing endpoints.
type ResultHandler struct {
	results  *service.ResultService
	pins     *service.PinService
	students *service.StudentService
}

// NewResultHandler constructs a result handler.
func NewResultHandler(results *service.ResultService, pins *service.PinService, students *service.StudentService) *ResultHandler {
	return &ResultHandler{results: results, pins: pins, students: students}
}

// EnterMarks godoc
// @Summary Enter marks for one student and subject
// @Description Upserts the result row for (student, subject, term).
// @Description Component marks are clamped into range, never rejected.
// @Tags Results
// @Accept json
// @Produce json
// @Param payload body service.EnterMarksRequest true "Marks payload"
// @Success 200 {object} response.Envelope
// @Router /results [post]
func (h *ResultHandler) EnterMarks(c *gin.Context) {
	var req service.EnterMarksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid marks payload"))
		return
	}
	result, err := h.results.EnterMarks(c.Request.Context(), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// UploadMarks godoc
// @Summary Bulk upload marks from CSV
// @Description CSV columns: admission_number,subject_code,ca1,ca2,ca3,ca4,exam.
// @Description Bad rows are skipped and reported; good rows commit.
// @Tags Results
// @Accept mpfd
// @Produce json
// @Param termId query string false "Term (defaults to current)"
// @Param file formData file true "CSV file"
// @Success 200 {object} response.Envelope
// @Router /results/upload [post]
func (h *ResultHandler) UploadMarks(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "a CSV file is required"))
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "failed to open uploaded file"))
		return
	}
	defer file.Close()

	termID := c.Query("termId")
	if termID == "" {
		termID = c.PostForm("term_id")
	}
	result, err := h.results.UploadMarks(c.Request.Context(), actorFromContext(c), termID, file)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Mine godoc
// @Summary View my results for a term
// @Description PIN gate: the caller must already own a bound PIN for
// @Description the term or supply a redeemable code. Denials return 403
// @Description with the reason in the error envelope and never leak
// @Description result rows.
// @Tags Results
// @Produce json
// @Param termId query string false "Term (defaults to current)"
// @Param pin query string false "Result-checking PIN"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /results/me [get]
func (h *ResultHandler) Mine(c *gin.Context) {
	actor := actorFromContext(c)
	student, err := h.students.GetByUser(c.Request.Context(), actor.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.renderStudentResults(c, actor, student.ID, c.Query("termId"), c.Query("pin"))
}

// StudentResults godoc
// @Summary View a student's results for a term
// @Description Admin and staff bypass the PIN gate.
// @Tags Results
// @Produce json
// @Param id path string true "Student ID"
// @Param termId query string false "Term (defaults to current)"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/results [get]
func (h *ResultHandler) StudentResults(c *gin.Context) {
	h.renderStudentResults(c, actorFromContext(c), c.Param("id"), c.Query("termId"), c.Query("pin"))
}

func (h *ResultHandler) renderStudentResults(c *gin.Context, actor service.Actor, studentID, termID, pin string) {
	decision, err := h.pins.CheckAccess(c.Request.Context(), actor, studentID, termID, pin)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !decision.Allowed {
		response.Error(c, accessDenialError(decision))
		return
	}

	results, term, err := h.results.StudentResults(c.Request.Context(), studentID, termID)
	if err != nil {
		response.Error(c, err)
		return
	}
	stats, err := h.results.CohortStats(c.Request.Context(), studentID, term.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"term":    term,
		"results": results,
		"stats":   stats,
	}, nil)
}

// List godoc
// @Summary List results
// @Tags Results
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param subjectId query string false "Filter by subject"
// @Param termId query string false "Filter by term"
// @Param classId query string false "Filter by class"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /results [get]
func (h *ResultHandler) List(c *gin.Context) {
	filter := models.ResultFilter{
		StudentID: c.Query("studentId"),
		SubjectID: c.Query("subjectId"),
		TermID:    c.Query("termId"),
		ClassID:   c.Query("classId"),
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}
	filter.Page, filter.PageSize = pageParams(c)

	results, total, err := h.results.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	pagination := &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}
	response.JSON(c, http.StatusOK, results, pagination)
}

// Broadsheet godoc
// @Summary Class broadsheet for a term
// @Description Matrix of per-subject totals with aggregate and rank per
// @Description student. Teachers need an assignment in the class.
// @Tags Results
// @Produce json
// @Param termId query string true "Term ID"
// @Param classId query string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /results/broadsheet [get]
func (h *ResultHandler) Broadsheet(c *gin.Context) {
	termID := c.Query("termId")
	classID := c.Query("classId")
	if termID == "" || classID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "termId and classId are required"))
		return
	}
	if err := h.results.AuthorizeClassView(c.Request.Context(), actorFromContext(c), classID, termID); err != nil {
		response.Error(c, err)
		return
	}
	sheet, err := h.results.Broadsheet(c.Request.Context(), termID, classID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sheet, nil)
}

// accessDenialError translates an access-gate denial into the error
// envelope, keeping the gate's message.
func accessDenialError(decision *models.AccessDecision) *appErrors.Error {
	var base *appErrors.Error
	switch decision.Reason {
	case models.AccessReasonMissing:
		base = appErrors.ErrPinRequired
	case models.AccessReasonWrongTerm:
		base = appErrors.ErrPinWrongTerm
	case models.AccessReasonUsedByOther:
		base = appErrors.ErrPinUsedByOther
	default:
		base = appErrors.ErrPinInvalid
	}
	return appErrors.Clone(base, decision.Message)
}
