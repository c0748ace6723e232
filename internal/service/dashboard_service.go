package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

type dashboardTermReader interface {
	FindCurrent(ctx context.Context) (*models.Term, error)
}

type dashboardStudentCounter interface {
	CountActive(ctx context.Context) (int, error)
}

type dashboardPinCounter interface {
	CountActiveForTerm(ctx context.Context, termID string) (int, error)
}

type dashboardPaymentReader interface {
	CountByStatusForTerm(ctx context.Context, status models.PaymentStatus, termID string) (int, error)
	Recent(ctx context.Context, limit int) ([]models.PaymentDetail, error)
}

type dashboardResultCounter interface {
	CountForTerm(ctx context.Context, termID string) (int, error)
}

// DashboardService composes the admin landing-page summary. The payload
// is cached for a short TTL because every staff login hits it.
type DashboardService struct {
	terms          dashboardTermReader
	students       dashboardStudentCounter
	pins           dashboardPinCounter
	payments       dashboardPaymentReader
	results        dashboardResultCounter
	cache          *CacheService
	ttl            time.Duration
	recentPayments int
	logger         *zap.Logger
}

// NewDashboardService wires the dashboard service.
func NewDashboardService(
	terms dashboardTermReader,
	students dashboardStudentCounter,
	pins dashboardPinCounter,
	payments dashboardPaymentReader,
	results dashboardResultCounter,
	cache *CacheService,
	ttl time.Duration,
	logger *zap.Logger,
) *DashboardService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardService{
		terms:          terms,
		students:       students,
		pins:           pins,
		payments:       payments,
		results:        results,
		cache:          cache,
		ttl:            ttl,
		recentPayments: 5,
		logger:         logger,
	}
}

// Summary returns headline counts scoped to the current term. The
// second return reports whether the summary came from cache.
func (s *DashboardService) Summary(ctx context.Context) (*models.DashboardSummary, bool, error) {
	term, err := s.terms.FindCurrent(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, appErrors.Clone(appErrors.ErrPreconditionFailed, "no current term configured")
		}
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current term")
	}

	key := dashboardCacheKey(term.ID)
	var summary models.DashboardSummary
	if s.cache.Enabled() {
		if hit, _ := s.cache.Get(ctx, key, &summary); hit {
			return &summary, true, nil
		}
	}

	students, err := s.students.CountActive(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count students")
	}
	pins, err := s.pins.CountActiveForTerm(ctx, term.ID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count pins")
	}
	pending, err := s.payments.CountByStatusForTerm(ctx, models.PaymentStatusPending, term.ID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count pending payments")
	}
	approved, err := s.payments.CountByStatusForTerm(ctx, models.PaymentStatusApproved, term.ID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count approved payments")
	}
	entered, err := s.results.CountForTerm(ctx, term.ID)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count results")
	}
	recent, err := s.payments.Recent(ctx, s.recentPayments)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recent payments")
	}

	summary = models.DashboardSummary{
		TermID:           term.ID,
		TermName:         term.Name,
		Students:         students,
		ActivePins:       pins,
		PendingPayments:  pending,
		ApprovedPayments: approved,
		ResultsEntered:   entered,
		RecentPayments:   recent,
	}

	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, key, summary, s.ttl); err != nil {
			s.logger.Warn("dashboard summary not cached", zap.Error(err))
		}
	}
	return &summary, false, nil
}

func dashboardCacheKey(termID string) string {
	return "dashboard:summary:" + termID
}
