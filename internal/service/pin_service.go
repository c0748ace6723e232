package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

const (
	pinLength        = 12
	pinCodeAttempts  = 5
	defaultPinsBatch = 500
)

type pinRepo interface {
	Create(ctx context.Context, pin *models.Pin) error
	CreateBatch(ctx context.Context, pins []models.Pin) error
	FindByCode(ctx context.Context, code string) (*models.Pin, error)
	FindByID(ctx context.Context, id string) (*models.Pin, error)
	FindBoundPin(ctx context.Context, studentID, termID string) (*models.Pin, error)
	ExistsByCode(ctx context.Context, code string) (bool, error)
	Bind(ctx context.Context, pinID, studentID string) (bool, error)
	Touch(ctx context.Context, pinID string) error
	Revoke(ctx context.Context, id string) error
	List(ctx context.Context, filter models.PinFilter) ([]models.PinDetail, int, error)
}

type pinTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindCurrent(ctx context.Context) (*models.Term, error)
}

// GeneratePinsRequest mints a batch of unbound PINs for a term.
type GeneratePinsRequest struct {
	TermID string `json:"term_id"`
	Count  int    `json:"count" validate:"required,min=1"`
}

// PinService is the access gate for result viewing: it mints, redeems
// and retires result-checking PINs and decides whether a caller may see
// a result set.
type PinService struct {
	pins      pinRepo
	terms     pinTermReader
	metrics   *MetricsService
	maxBatch  int
	validator *validator.Validate
	logger    *zap.Logger
}

// NewPinService constructs PinService.
func NewPinService(pins pinRepo, terms pinTermReader, metrics *MetricsService, maxBatch int, validate *validator.Validate, logger *zap.Logger) *PinService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBatch <= 0 {
		maxBatch = defaultPinsBatch
	}
	return &PinService{
		pins:      pins,
		terms:     terms,
		metrics:   metrics,
		maxBatch:  maxBatch,
		validator: validate,
		logger:    logger,
	}
}

// NormalizePinCode canonicalizes a result-checking code: every
// non-alphanumeric rune is stripped, letters are uppercased and the
// remaining 12 characters are regrouped as XXXX-XXXX-XXXX. It reports
// false when the cleaned input is not exactly 12 characters, which
// callers treat as an invalid-code denial rather than an error.
func NormalizePinCode(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(pinLength)
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	cleaned := b.String()
	if len(cleaned) != pinLength {
		return "", false
	}
	return cleaned[0:4] + "-" + cleaned[4:8] + "-" + cleaned[8:12], true
}

// CheckAccess decides whether the caller may view the student's results
// for the term. Admin and staff bypass the gate; a student passes on an
// already-bound PIN or by redeeming a supplied code. A denial is a
// value outcome, never an error, and never mutates any PIN.
func (s *PinService) CheckAccess(ctx context.Context, actor Actor, studentID, termID, suppliedCode string) (*models.AccessDecision, error) {
	if actor.Privileged() {
		return s.grant(nil), nil
	}

	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return nil, err
	}

	bound, err := s.pins.FindBoundPin(ctx, studentID, term.ID)
	if err == nil {
		s.touch(ctx, bound.ID)
		return s.grant(bound), nil
	}
	if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up bound pin")
	}

	if strings.TrimSpace(suppliedCode) == "" {
		return s.deny(models.AccessReasonMissing, "a result-checking PIN is required"), nil
	}

	code, ok := NormalizePinCode(suppliedCode)
	if !ok {
		return s.deny(models.AccessReasonInvalid, "the PIN entered is not valid"), nil
	}

	pin, err := s.pins.FindByCode(ctx, code)
	if err != nil {
		if err == sql.ErrNoRows {
			return s.deny(models.AccessReasonInvalid, "the PIN entered is not valid"), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up pin")
	}
	if pin.Status != models.PinStatusActive {
		return s.deny(models.AccessReasonInvalid, "the PIN entered is no longer active"), nil
	}
	if pin.TermID != term.ID {
		return s.deny(models.AccessReasonWrongTerm, s.wrongTermMessage(ctx, pin.TermID)), nil
	}
	if pin.Bound() {
		if *pin.StudentID == studentID {
			s.touch(ctx, pin.ID)
			return s.grant(pin), nil
		}
		return s.deny(models.AccessReasonUsedByOther, "the PIN entered is already in use by another student"), nil
	}

	won, err := s.pins.Bind(ctx, pin.ID, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to bind pin")
	}
	if won {
		pin.StudentID = &studentID
		pin.UsageCount++
		return s.grant(pin), nil
	}

	// Lost a concurrent bind. Re-read to learn who owns the pin now.
	fresh, err := s.pins.FindByID(ctx, pin.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to re-read pin")
	}
	if fresh.Status != models.PinStatusActive {
		return s.deny(models.AccessReasonInvalid, "the PIN entered is no longer active"), nil
	}
	if fresh.Bound() && *fresh.StudentID == studentID {
		s.touch(ctx, fresh.ID)
		return s.grant(fresh), nil
	}
	return s.deny(models.AccessReasonUsedByOther, "the PIN entered is already in use by another student"), nil
}

// Generate mints count unbound ACTIVE pins for the term. Codes come
// from crypto/rand and are retried on the rare collision.
func (s *PinService) Generate(ctx context.Context, req GeneratePinsRequest) ([]models.Pin, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid pin batch payload")
	}
	if req.Count > s.maxBatch {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("count exceeds the per-batch limit of %d", s.maxBatch))
	}
	term, err := s.resolveTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	pins := make([]models.Pin, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		code, err := s.newCode(ctx)
		if err != nil {
			return nil, err
		}
		pins = append(pins, models.Pin{
			Code:      code,
			TermID:    term.ID,
			SessionID: term.SessionID,
			Status:    models.PinStatusActive,
		})
	}
	if err := s.pins.CreateBatch(ctx, pins); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store pin batch")
	}
	return pins, nil
}

// MintForStudent creates a single PIN already bound to the student.
// Payment approval uses this so the payer owns the code from birth.
func (s *PinService) MintForStudent(ctx context.Context, termID, studentID string) (*models.Pin, error) {
	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	code, err := s.newCode(ctx)
	if err != nil {
		return nil, err
	}
	pin := &models.Pin{
		Code:      code,
		TermID:    term.ID,
		SessionID: term.SessionID,
		StudentID: &studentID,
		Status:    models.PinStatusActive,
	}
	if err := s.pins.Create(ctx, pin); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store pin")
	}
	return pin, nil
}

// BoundPin returns the ACTIVE pin bound to the student for the term,
// or nil when the student has none.
func (s *PinService) BoundPin(ctx context.Context, studentID, termID string) (*models.Pin, error) {
	pin, err := s.pins.FindBoundPin(ctx, studentID, termID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up bound pin")
	}
	return pin, nil
}

// List returns pins matching the filter.
func (s *PinService) List(ctx context.Context, filter models.PinFilter) ([]models.PinDetail, int, error) {
	pins, total, err := s.pins.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pins")
	}
	return pins, total, nil
}

// Revoke retires a pin. Revoked pins deny access with the invalid
// reason; this is the only road to the USED state.
func (s *PinService) Revoke(ctx context.Context, id string) error {
	if err := s.pins.Revoke(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "pin not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke pin")
	}
	return nil
}

func (s *PinService) grant(pin *models.Pin) *models.AccessDecision {
	s.metrics.RecordAccessCheck(true, "")
	return &models.AccessDecision{Allowed: true, Pin: pin}
}

func (s *PinService) deny(reason models.AccessReason, message string) *models.AccessDecision {
	s.metrics.RecordAccessCheck(false, string(reason))
	return &models.AccessDecision{Allowed: false, Reason: reason, Message: message}
}

// touch bumps the usage counter on a successful view. A failed bump is
// logged and swallowed: it must never turn a grant into an error.
func (s *PinService) touch(ctx context.Context, pinID string) {
	if err := s.pins.Touch(ctx, pinID); err != nil {
		s.logger.Warn("pin usage bump failed", zap.String("pin_id", pinID), zap.Error(err))
	}
}

func (s *PinService) wrongTermMessage(ctx context.Context, termID string) string {
	term, err := s.terms.FindByID(ctx, termID)
	if err != nil {
		return "the PIN entered belongs to a different term"
	}
	return fmt.Sprintf("the PIN entered belongs to %s", term.Name)
}

// newCode draws a 12-digit code from crypto/rand, grouped 4-4-4, and
// retries on code collision.
func (s *PinService) newCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < pinCodeAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000_000))
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate pin code")
		}
		digits := fmt.Sprintf("%012d", n)
		code := digits[0:4] + "-" + digits[4:8] + "-" + digits[8:12]
		exists, err := s.pins.ExistsByCode(ctx, code)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check pin code")
		}
		if !exists {
			return code, nil
		}
	}
	return "", appErrors.Clone(appErrors.ErrInternal, "could not allocate a unique pin code")
}

func (s *PinService) resolveTerm(ctx context.Context, termID string) (*models.Term, error) {
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
