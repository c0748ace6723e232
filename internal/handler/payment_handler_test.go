package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/noah-isme/school-portal-api/pkg/gateway"
	"github.com/noah-isme/school-portal-api/pkg/mailer"
)

type paymentMemRepo struct {
	byID map[string]*models.Payment
	seq  int
}

func newPaymentMemRepo() *paymentMemRepo {
	return &paymentMemRepo{byID: map[string]*models.Payment{}}
}

func (r *paymentMemRepo) add(payment models.Payment) *models.Payment {
	if payment.ID == "" {
		r.seq++
		payment.ID = "payment-" + strconv.Itoa(r.seq)
	}
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}
	cp := payment
	r.byID[cp.ID] = &cp
	return &cp
}

func (r *paymentMemRepo) Create(_ context.Context, payment *models.Payment) error {
	*payment = *r.add(*payment)
	return nil
}

func (r *paymentMemRepo) FindByID(_ context.Context, id string) (*models.Payment, error) {
	if payment, ok := r.byID[id]; ok {
		cp := *payment
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (r *paymentMemRepo) FindByReference(_ context.Context, reference string) (*models.Payment, error) {
	for _, payment := range r.byID {
		if payment.Reference == reference {
			cp := *payment
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *paymentMemRepo) FindPendingByStudentTerm(_ context.Context, studentID, termID string) (*models.Payment, error) {
	for _, payment := range r.byID {
		if payment.StudentID == studentID && payment.TermID == termID && payment.Status == models.PaymentStatusPending {
			cp := *payment
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *paymentMemRepo) MarkApproved(_ context.Context, id, processedBy string, gatewayRef *string) (bool, error) {
	return r.mark(id, models.PaymentStatusApproved, processedBy, gatewayRef), nil
}

func (r *paymentMemRepo) MarkDeclined(_ context.Context, id, processedBy string, gatewayRef *string) (bool, error) {
	return r.mark(id, models.PaymentStatusDeclined, processedBy, gatewayRef), nil
}

// mark mimics the SQL conditional update: only a PENDING row moves.
func (r *paymentMemRepo) mark(id string, status models.PaymentStatus, processedBy string, gatewayRef *string) bool {
	payment, ok := r.byID[id]
	if !ok || payment.Status != models.PaymentStatusPending {
		return false
	}
	now := time.Now().UTC()
	payment.Status = status
	payment.ProcessedBy = &processedBy
	payment.ProcessedAt = &now
	if gatewayRef != nil {
		payment.GatewayRef = gatewayRef
	}
	return true
}

func (r *paymentMemRepo) LinkPin(_ context.Context, paymentID, pinID string) error {
	payment, ok := r.byID[paymentID]
	if !ok {
		return sql.ErrNoRows
	}
	payment.PinID = &pinID
	return nil
}

func (r *paymentMemRepo) List(_ context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	out := make([]models.PaymentDetail, 0)
	for _, payment := range r.byID {
		if filter.StudentID != "" && payment.StudentID != filter.StudentID {
			continue
		}
		if filter.TermID != "" && payment.TermID != filter.TermID {
			continue
		}
		if filter.Status != nil && payment.Status != *filter.Status {
			continue
		}
		if filter.Method != nil && payment.Method != *filter.Method {
			continue
		}
		out = append(out, models.PaymentDetail{Payment: *payment, TermName: "First Term"})
	}
	return out, len(out), nil
}

type checkoutGatewayMock struct {
	lastCheckout gateway.CheckoutRequest
	checkouts    int
	checkoutErr  error
	verifyResult *gateway.VerificationResult
	verifyErr    error
	validSig     bool
}

func (g *checkoutGatewayMock) CreateCheckout(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.checkouts++
	g.lastCheckout = req
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	return &gateway.CheckoutSession{
		Token:       "snap-token",
		RedirectURL: "https://app.sandbox.midtrans.com/snap/v4/redirection/snap-token",
	}, nil
}

func (g *checkoutGatewayMock) Verify(_ context.Context, reference string) (*gateway.VerificationResult, error) {
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	result := *g.verifyResult
	result.Reference = reference
	return &result, nil
}

func (g *checkoutGatewayMock) ValidNotification(gateway.Notification) bool {
	return g.validSig
}

type pinIssuerMock struct {
	minted []models.Pin
	bound  map[string]*models.Pin
	seq    int
}

func (p *pinIssuerMock) MintForStudent(_ context.Context, termID, studentID string) (*models.Pin, error) {
	p.seq++
	owner := studentID
	pin := models.Pin{
		ID:        "pin-" + strconv.Itoa(p.seq),
		Code:      "1234-5678-9012",
		TermID:    termID,
		SessionID: "session-1",
		StudentID: &owner,
		Status:    models.PinStatusActive,
	}
	p.minted = append(p.minted, pin)
	cp := pin
	return &cp, nil
}

func (p *pinIssuerMock) BoundPin(_ context.Context, studentID, termID string) (*models.Pin, error) {
	if pin, ok := p.bound[studentID+"|"+termID]; ok {
		cp := *pin
		return &cp, nil
	}
	return nil, nil
}

type paymentUserDir struct {
	users  map[string]*models.User
	audits []*models.AuditLog
}

func (d *paymentUserDir) FindByID(_ context.Context, id string) (*models.User, error) {
	if user, ok := d.users[id]; ok {
		cp := *user
		return &cp, nil
	}
	return nil, sql.ErrNoRows
}

func (d *paymentUserDir) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	d.audits = append(d.audits, log)
	return nil
}

type paymentHandlerFixture struct {
	router *gin.Engine
	repo   *paymentMemRepo
	gw     *checkoutGatewayMock
	pins   *pinIssuerMock
	users  *paymentUserDir
	claims *models.JWTClaims
}

func newPaymentHandlerFixture(t *testing.T) *paymentHandlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &paymentHandlerFixture{
		repo: newPaymentMemRepo(),
		gw:   &checkoutGatewayMock{validSig: true},
		pins: &pinIssuerMock{bound: map[string]*models.Pin{}},
		users: &paymentUserDir{users: map[string]*models.User{
			"portal-1": {ID: "portal-1", Email: "ada@school.test", FullName: "Ada Obi", Active: true},
		}},
		claims: &models.JWTClaims{UserID: "staff-1", Role: models.RoleStaff},
	}
	portal1 := "portal-1"
	students := &resultStudentDir{
		byID: map[string]*models.StudentDetail{
			"s1": {Student: models.Student{ID: "s1", AdmissionNumber: "ADM-001", FullName: "Ada Obi", ClassID: "class-1", UserID: &portal1, Active: true}},
			"s2": {Student: models.Student{ID: "s2", AdmissionNumber: "ADM-002", FullName: "Bola Ade", ClassID: "class-1", Active: true}},
		},
		byUser: map[string]string{"portal-1": "s1"},
	}

	svc := service.NewPaymentService(f.repo, f.gw, f.pins, students, resultTermsStub{}, f.users,
		mailer.NewConsole(zap.NewNop()), 1500, nil, zap.NewNop())

	h := NewPaymentHandler(svc)
	router := gin.New()
	// The webhook is public; trust comes from the signature.
	router.POST("/payments/webhook", h.Webhook)
	authed := router.Group("/", func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, f.claims)
		c.Next()
	})
	authed.POST("/payments/initiate", h.Initiate)
	authed.POST("/payments/verify/:reference", h.Verify)
	authed.POST("/payments/manual", h.Manual)
	authed.POST("/payments/:id/approve", h.Approve)
	authed.POST("/payments/:id/decline", h.Decline)
	authed.GET("/payments", h.List)
	authed.GET("/payments/:id", h.Get)
	f.router = router
	return f
}

func (f *paymentHandlerFixture) as(userID string, role models.UserRole) {
	f.claims.UserID = userID
	f.claims.Role = role
}

func (f *paymentHandlerFixture) postJSON(path, body string) *httptest.ResponseRecorder {
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

func (f *paymentHandlerFixture) seedPending(studentID, reference string) *models.Payment {
	return f.repo.add(models.Payment{
		StudentID: studentID,
		TermID:    "term-1",
		Amount:    1500,
		Method:    models.PaymentMethodGateway,
		Status:    models.PaymentStatusPending,
		Reference: reference,
	})
}

func decodePayment(t *testing.T, rec *httptest.ResponseRecorder) models.Payment {
	t.Helper()
	var envelope struct {
		Data models.Payment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestPaymentHandlerInitiateAsStudent(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	fixture.as("portal-1", models.RoleStudent)

	rec := fixture.postJSON("/payments/initiate", `{"term_id":"term-1"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var envelope struct {
		Data service.PaymentCheckout `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Data.Payment)
	assert.Equal(t, "s1", envelope.Data.Payment.StudentID)
	assert.Equal(t, models.PaymentStatusPending, envelope.Data.Payment.Status)
	assert.Equal(t, models.PaymentMethodGateway, envelope.Data.Payment.Method)
	assert.Equal(t, int64(1500), envelope.Data.Payment.Amount)
	assert.True(t, strings.HasPrefix(envelope.Data.Payment.Reference, "PAY-"))
	require.NotNil(t, envelope.Data.Checkout)
	assert.Equal(t, "snap-token", envelope.Data.Checkout.Token)

	assert.Equal(t, "Result-checking PIN (First Term)", fixture.gw.lastCheckout.Description)
	assert.Equal(t, "ada@school.test", fixture.gw.lastCheckout.CustomerEmail)

	// Initiating again reuses the open payment instead of stacking a new one.
	rec = fixture.postJSON("/payments/initiate", `{"term_id":"term-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, fixture.repo.byID, 1)
	assert.Equal(t, 2, fixture.gw.checkouts)
}

func TestPaymentHandlerInitiateGuards(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)

	fixture.as("portal-1", models.RoleStudent)
	rec := fixture.postJSON("/payments/initiate", `{"student_id":"s2","term_id":"term-1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "students pay for their own pin", envelopeError(t, rec).Message)

	fixture.as("staff-1", models.RoleStaff)
	rec = fixture.postJSON("/payments/initiate", `{"term_id":"term-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "student_id is required", envelopeError(t, rec).Message)
}

func TestPaymentHandlerInitiateConflictWhenPinned(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	owner := "s1"
	fixture.pins.bound["s1|term-1"] = &models.Pin{ID: "pin-9", TermID: "term-1", StudentID: &owner, Status: models.PinStatusActive}
	fixture.as("portal-1", models.RoleStudent)

	rec := fixture.postJSON("/payments/initiate", `{"term_id":"term-1"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "student already has a result-checking PIN for this term", envelopeError(t, rec).Message)
	assert.Zero(t, fixture.gw.checkouts)
}

func TestPaymentHandlerVerifyApproves(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	seeded := fixture.seedPending("s1", "PAY-verify-1")
	fixture.gw.verifyResult = &gateway.VerificationResult{Status: gateway.StatusSuccess, GatewayRef: "MID-9"}

	rec := fixture.postJSON("/payments/verify/PAY-verify-1", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	payment := decodePayment(t, rec)
	assert.Equal(t, seeded.ID, payment.ID)
	assert.Equal(t, models.PaymentStatusApproved, payment.Status)
	require.NotNil(t, payment.GatewayRef)
	assert.Equal(t, "MID-9", *payment.GatewayRef)
	require.NotNil(t, payment.ProcessedBy)
	assert.Equal(t, "staff-1", *payment.ProcessedBy)
	require.NotNil(t, payment.PinID)

	require.Len(t, fixture.pins.minted, 1)
	assert.Equal(t, "s1", *fixture.pins.minted[0].StudentID)
	require.Len(t, fixture.users.audits, 1)
	assert.Equal(t, models.AuditActionPaymentApprove, fixture.users.audits[0].Action)
}

func TestPaymentHandlerWebhookApproves(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	seeded := fixture.seedPending("s1", "PAY-hook-1")

	body := `{"order_id":"PAY-hook-1","transaction_status":"settlement","transaction_id":"MID-7","status_code":"200","gross_amount":"1500.00","signature_key":"sig"}`
	rec := fixture.postJSON("/payments/webhook", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored := fixture.repo.byID[seeded.ID]
	assert.Equal(t, models.PaymentStatusApproved, stored.Status)
	require.NotNil(t, stored.ProcessedBy)
	assert.Equal(t, "gateway", *stored.ProcessedBy)
	require.NotNil(t, stored.GatewayRef)
	assert.Equal(t, "MID-7", *stored.GatewayRef)

	require.Len(t, fixture.users.audits, 1)
	assert.Nil(t, fixture.users.audits[0].UserID, "webhook approvals have no acting user")

	// A replay of the settled notification is acknowledged, not re-applied.
	rec = fixture.postJSON("/payments/webhook", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fixture.pins.minted, 1)
}

func TestPaymentHandlerWebhookBadSignature(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	fixture.gw.validSig = false
	seeded := fixture.seedPending("s1", "PAY-hook-2")

	body := `{"order_id":"PAY-hook-2","transaction_status":"settlement","signature_key":"forged"}`
	rec := fixture.postJSON("/payments/webhook", body)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid webhook signature", envelopeError(t, rec).Message)
	assert.Equal(t, models.PaymentStatusPending, fixture.repo.byID[seeded.ID].Status)
	assert.Empty(t, fixture.pins.minted)
}

func TestPaymentHandlerManualApproveDecline(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)

	rec := fixture.postJSON("/payments/manual", `{"student_id":"s1","term_id":"term-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	manual := decodePayment(t, rec)
	assert.Equal(t, models.PaymentMethodManual, manual.Method)
	assert.Equal(t, models.PaymentStatusPending, manual.Status)
	assert.Equal(t, int64(1500), manual.Amount, "zero amount falls back to the configured fee")

	rec = fixture.postJSON("/payments/"+manual.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodePayment(t, rec)
	assert.Equal(t, models.PaymentStatusApproved, approved.Status)
	require.NotNil(t, approved.PinID)

	rec = fixture.postJSON("/payments/"+manual.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "payment already processed", envelopeError(t, rec).Message)

	rec = fixture.postJSON("/payments/manual", `{"student_id":"s2","amount":2000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodePayment(t, rec)
	assert.Equal(t, int64(2000), second.Amount)

	rec = fixture.postJSON("/payments/"+second.ID+"/decline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentStatusDeclined, decodePayment(t, rec).Status)
	assert.Len(t, fixture.pins.minted, 1, "declines never mint pins")
}

func TestPaymentHandlerGetOwnership(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	mine := fixture.seedPending("s1", "PAY-own-1")
	other := fixture.seedPending("s2", "PAY-own-2")

	fixture.as("portal-1", models.RoleStudent)
	rec := httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/"+mine.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/"+other.ID, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "payment belongs to another student", envelopeError(t, rec).Message)

	fixture.as("staff-1", models.RoleStaff)
	rec = httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentHandlerList(t *testing.T) {
	fixture := newPaymentHandlerFixture(t)
	fixture.seedPending("s1", "PAY-list-1")
	fixture.seedPending("s2", "PAY-list-2")
	fixture.repo.add(models.Payment{
		StudentID: "s1", TermID: "term-1", Amount: 1500,
		Method: models.PaymentMethodManual, Status: models.PaymentStatusApproved, Reference: "PAY-list-3",
	})

	rec := httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments?status=PENDING", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data       []models.PaymentDetail `json:"data"`
		Pagination *models.Pagination     `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 2)
	require.NotNil(t, envelope.Pagination)
	assert.Equal(t, 2, envelope.Pagination.TotalCount)
}
