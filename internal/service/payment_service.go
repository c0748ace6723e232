package service

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
	"github.com/noah-isme/school-portal-api/pkg/gateway"
	"github.com/noah-isme/school-portal-api/pkg/mailer"
)

type paymentRepo interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	FindByReference(ctx context.Context, reference string) (*models.Payment, error)
	FindPendingByStudentTerm(ctx context.Context, studentID, termID string) (*models.Payment, error)
	MarkApproved(ctx context.Context, id, processedBy string, gatewayRef *string) (bool, error)
	MarkDeclined(ctx context.Context, id, processedBy string, gatewayRef *string) (bool, error)
	LinkPin(ctx context.Context, paymentID, pinID string) error
	List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error)
}

type paymentGateway interface {
	CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error)
	Verify(ctx context.Context, reference string) (*gateway.VerificationResult, error)
	ValidNotification(n gateway.Notification) bool
}

type pinIssuer interface {
	MintForStudent(ctx context.Context, termID, studentID string) (*models.Pin, error)
	BoundPin(ctx context.Context, studentID, termID string) (*models.Pin, error)
}

type paymentStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
	FindByUserID(ctx context.Context, userID string) (*models.StudentDetail, error)
}

type paymentTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindCurrent(ctx context.Context) (*models.Term, error)
}

type paymentUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// InitiatePaymentRequest opens a gateway checkout for the PIN fee.
// Students pay for themselves; staff may initiate on a student's
// behalf by naming the student.
type InitiatePaymentRequest struct {
	StudentID string `json:"student_id"`
	TermID    string `json:"term_id"`
}

// ManualPaymentRequest records an offline (cash/bank) payment.
type ManualPaymentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	TermID    string `json:"term_id"`
	Amount    int64  `json:"amount" validate:"omitempty,min=1"`
}

// PaymentCheckout bundles the pending payment with the gateway session
// the client completes it through.
type PaymentCheckout struct {
	Payment  *models.Payment          `json:"payment"`
	Checkout *gateway.CheckoutSession `json:"checkout,omitempty"`
}

// PaymentService owns the result-checking fee lifecycle: checkout,
// gateway verification, webhook ingestion and the manual approval path.
// Approving a payment mints a PIN bound to the paying student.
type PaymentService struct {
	payments  paymentRepo
	gateway   paymentGateway
	pins      pinIssuer
	students  paymentStudentReader
	terms     paymentTermReader
	users     paymentUserStore
	mail      mailer.Mailer
	price     int64
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(payments paymentRepo, gw paymentGateway, pins pinIssuer, students paymentStudentReader, terms paymentTermReader, users paymentUserStore, mail mailer.Mailer, price int64, validate *validator.Validate, logger *zap.Logger) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		payments:  payments,
		gateway:   gw,
		pins:      pins,
		students:  students,
		terms:     terms,
		users:     users,
		mail:      mail,
		price:     price,
		validator: validate,
		logger:    logger,
	}
}

// Initiate opens (or re-opens) a PENDING gateway payment for the term's
// PIN fee and hands back the checkout session. A student who already
// owns a PIN for the term is turned away with a conflict.
func (s *PaymentService) Initiate(ctx context.Context, actor Actor, req InitiatePaymentRequest) (*PaymentCheckout, error) {
	student, err := s.resolveStudent(ctx, actor, req.StudentID)
	if err != nil {
		return nil, err
	}
	term, err := s.resolveTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNoPin(ctx, student.ID, term.ID); err != nil {
		return nil, err
	}

	payment, err := s.payments.FindPendingByStudentTerm(ctx, student.ID, term.ID)
	if err != nil {
		if err != sql.ErrNoRows {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up pending payment")
		}
		payment = &models.Payment{
			StudentID: student.ID,
			TermID:    term.ID,
			Amount:    s.price,
			Method:    models.PaymentMethodGateway,
			Status:    models.PaymentStatusPending,
			Reference: newPaymentReference(),
		}
		if err := s.payments.Create(ctx, payment); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create payment")
		}
	}

	checkout, err := s.gateway.CreateCheckout(ctx, gateway.CheckoutRequest{
		Reference:     payment.Reference,
		Amount:        payment.Amount,
		Description:   fmt.Sprintf("Result-checking PIN (%s)", term.Name),
		CustomerName:  student.FullName,
		CustomerEmail: s.studentEmail(ctx, &student.Student),
	})
	if err != nil {
		// The payment stays PENDING; the caller can retry or settle
		// through the manual path.
		return nil, err
	}
	return &PaymentCheckout{Payment: payment, Checkout: checkout}, nil
}

// Verify re-checks a payment against the gateway and applies the
// outcome. An already-processed payment is returned unchanged.
func (s *PaymentService) Verify(ctx context.Context, actor Actor, reference string) (*models.Payment, error) {
	payment, err := s.findByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwnPayment(ctx, actor, payment); err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return payment, nil
	}

	result, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case gateway.StatusSuccess:
		if err := s.approve(ctx, payment, actor.UserID, &actor.UserID, refOrNil(result.GatewayRef)); err != nil {
			return nil, err
		}
	case gateway.StatusFailed:
		if err := s.decline(ctx, payment, actor.UserID, &actor.UserID, refOrNil(result.GatewayRef)); err != nil {
			return nil, err
		}
	case gateway.StatusPending:
		return payment, nil
	}
	return s.reload(ctx, payment.ID)
}

// HandleWebhook ingests a gateway notification. The signature is
// checked first; settled transactions run the same approval path as
// Verify. Replays of an already-processed payment are acknowledged
// without error.
func (s *PaymentService) HandleWebhook(ctx context.Context, n gateway.Notification) error {
	if !s.gateway.ValidNotification(n) {
		return appErrors.Clone(appErrors.ErrUnauthorized, "invalid webhook signature")
	}
	payment, err := s.findByReference(ctx, n.OrderID)
	if err != nil {
		return err
	}
	result := n.Result()
	switch result.Status {
	case gateway.StatusSuccess:
		err = s.approve(ctx, payment, "gateway", nil, refOrNil(result.GatewayRef))
	case gateway.StatusFailed:
		err = s.decline(ctx, payment, "gateway", nil, refOrNil(result.GatewayRef))
	default:
		return nil
	}
	if err != nil {
		if appErr := appErrors.FromError(err); appErr != nil && appErr.Code == appErrors.ErrConflict.Code {
			s.logger.Info("webhook replay ignored", zap.String("reference", payment.Reference))
			return nil
		}
		return err
	}
	return nil
}

// ManualEntry records an offline payment as PENDING for later approval.
func (s *PaymentService) ManualEntry(ctx context.Context, actor Actor, req ManualPaymentRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	term, err := s.resolveTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureNoPin(ctx, student.ID, term.ID); err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = s.price
	}
	payment := &models.Payment{
		StudentID: student.ID,
		TermID:    term.ID,
		Amount:    amount,
		Method:    models.PaymentMethodManual,
		Status:    models.PaymentStatusPending,
		Reference: newPaymentReference(),
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create payment")
	}
	return payment, nil
}

// Approve flips a PENDING payment to APPROVED and mints the bound PIN.
// Processing an already-processed payment is a conflict.
func (s *PaymentService) Approve(ctx context.Context, actor Actor, paymentID string) (*models.Payment, error) {
	payment, err := s.findByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := s.approve(ctx, payment, actor.UserID, &actor.UserID, nil); err != nil {
		return nil, err
	}
	return s.reload(ctx, payment.ID)
}

// Decline flips a PENDING payment to DECLINED.
func (s *PaymentService) Decline(ctx context.Context, actor Actor, paymentID string) (*models.Payment, error) {
	payment, err := s.findByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := s.decline(ctx, payment, actor.UserID, &actor.UserID, nil); err != nil {
		return nil, err
	}
	return s.reload(ctx, payment.ID)
}

// Get returns one payment.
func (s *PaymentService) Get(ctx context.Context, actor Actor, id string) (*models.Payment, error) {
	payment, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureOwnPayment(ctx, actor, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// List returns payments matching the filter.
func (s *PaymentService) List(ctx context.Context, filter models.PaymentFilter) ([]models.PaymentDetail, int, error) {
	payments, total, err := s.payments.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, total, nil
}

// approve performs the conditional PENDING -> APPROVED transition, then
// mints and links the student's PIN, audits and emails the code.
func (s *PaymentService) approve(ctx context.Context, payment *models.Payment, processedBy string, actorUserID *string, gatewayRef *string) error {
	ok, err := s.payments.MarkApproved(ctx, payment.ID, processedBy, gatewayRef)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve payment")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrConflict, "payment already processed")
	}
	pin, err := s.pins.MintForStudent(ctx, payment.TermID, payment.StudentID)
	if err != nil {
		s.logger.Error("payment approved but pin minting failed",
			zap.String("payment_id", payment.ID),
			zap.String("student_id", payment.StudentID),
			zap.Error(err),
		)
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "payment approved but pin minting failed")
	}
	if err := s.payments.LinkPin(ctx, payment.ID, pin.ID); err != nil {
		s.logger.Error("pin minted but not linked to payment",
			zap.String("payment_id", payment.ID),
			zap.String("pin_id", pin.ID),
			zap.Error(err),
		)
	}
	s.audit(ctx, actorUserID, models.AuditActionPaymentApprove, payment.ID)
	s.notifyPinIssued(ctx, payment, pin)
	return nil
}

func (s *PaymentService) decline(ctx context.Context, payment *models.Payment, processedBy string, actorUserID *string, gatewayRef *string) error {
	ok, err := s.payments.MarkDeclined(ctx, payment.ID, processedBy, gatewayRef)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decline payment")
	}
	if !ok {
		return appErrors.Clone(appErrors.ErrConflict, "payment already processed")
	}
	s.audit(ctx, actorUserID, models.AuditActionPaymentDecline, payment.ID)
	return nil
}

// notifyPinIssued mails the freshly minted code to the student's portal
// account. Delivery problems are logged, never surfaced: the PIN is
// already bound and visible in the portal.
func (s *PaymentService) notifyPinIssued(ctx context.Context, payment *models.Payment, pin *models.Pin) {
	student, err := s.students.FindByID(ctx, payment.StudentID)
	if err != nil {
		s.logger.Warn("pin email skipped: student lookup failed", zap.String("student_id", payment.StudentID), zap.Error(err))
		return
	}
	email := s.studentEmail(ctx, &student.Student)
	if email == "" {
		s.logger.Info("pin email skipped: student has no portal account", zap.String("student_id", student.ID))
		return
	}
	termName := payment.TermID
	if term, err := s.terms.FindByID(ctx, payment.TermID); err == nil {
		termName = term.Name
	}
	msg := mailer.Message{
		ToName:   student.FullName,
		ToEmail:  email,
		Subject:  "Your result-checking PIN",
		TextBody: fmt.Sprintf("Hello %s,\n\nYour payment %s has been confirmed.\nYour result-checking PIN for %s is: %s\n\nKeep this code private; it is tied to your profile.", student.FullName, payment.Reference, termName, pin.Code),
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		s.logger.Warn("pin email delivery failed", zap.String("student_id", student.ID), zap.Error(err))
	}
}

func (s *PaymentService) audit(ctx context.Context, userID *string, action, paymentID string) {
	entry := &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   "payments",
		ResourceID: &paymentID,
	}
	if err := s.users.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("payment audit write failed", zap.String("payment_id", paymentID), zap.Error(err))
	}
}

func (s *PaymentService) ensureNoPin(ctx context.Context, studentID, termID string) error {
	pin, err := s.pins.BoundPin(ctx, studentID, termID)
	if err != nil {
		return err
	}
	if pin != nil {
		return appErrors.Clone(appErrors.ErrConflict, "student already has a result-checking PIN for this term")
	}
	return nil
}

// ensureOwnPayment keeps students inside their own payment records.
func (s *PaymentService) ensureOwnPayment(ctx context.Context, actor Actor, payment *models.Payment) error {
	if actor.Role != models.RoleStudent {
		return nil
	}
	student, err := s.students.FindByUserID(ctx, actor.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no student profile for this account")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.ID != payment.StudentID {
		return appErrors.Clone(appErrors.ErrForbidden, "payment belongs to another student")
	}
	return nil
}

// resolveStudent picks the paying student: students always pay for
// themselves, staff name the student explicitly.
func (s *PaymentService) resolveStudent(ctx context.Context, actor Actor, studentID string) (*models.StudentDetail, error) {
	if actor.Role == models.RoleStudent {
		student, err := s.students.FindByUserID(ctx, actor.UserID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "no student profile for this account")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
		if studentID != "" && studentID != student.ID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "students pay for their own pin")
		}
		return student, nil
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student_id is required")
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

func (s *PaymentService) studentEmail(ctx context.Context, student *models.Student) string {
	if student.UserID == nil || *student.UserID == "" {
		return ""
	}
	user, err := s.users.FindByID(ctx, *student.UserID)
	if err != nil {
		return ""
	}
	return user.Email
}

func (s *PaymentService) findByID(ctx context.Context, id string) (*models.Payment, error) {
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	return payment, nil
}

func (s *PaymentService) findByReference(ctx context.Context, reference string) (*models.Payment, error) {
	payment, err := s.payments.FindByReference(ctx, reference)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	return payment, nil
}

func (s *PaymentService) reload(ctx context.Context, id string) (*models.Payment, error) {
	return s.findByID(ctx, id)
}

func (s *PaymentService) resolveTerm(ctx context.Context, termID string) (*models.Term, error) {
	if termID == "" {
		term, err := s.terms.FindCurrent(ctx)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no current term configured")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve current term")
		}
		return term, nil
	}
	term, err := s.terms.FindByID(ctx, termID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

func newPaymentReference() string {
	return "PAY-" + uuid.NewString()
}

func refOrNil(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}
