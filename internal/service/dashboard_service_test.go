package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

type dashTermStub struct {
	term *models.Term
	err  error
}

func (s *dashTermStub) FindCurrent(context.Context) (*models.Term, error) {
	return s.term, s.err
}

type dashStudentStub struct {
	count int
	err   error
}

func (s *dashStudentStub) CountActive(context.Context) (int, error) {
	return s.count, s.err
}

type dashPinStub struct {
	count int
}

func (s *dashPinStub) CountActiveForTerm(context.Context, string) (int, error) {
	return s.count, nil
}

type dashPaymentStub struct {
	pending  int
	approved int
	recent   []models.PaymentDetail
	err      error
}

func (s *dashPaymentStub) CountByStatusForTerm(_ context.Context, status models.PaymentStatus, _ string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if status == models.PaymentStatusApproved {
		return s.approved, nil
	}
	return s.pending, nil
}

func (s *dashPaymentStub) Recent(context.Context, int) ([]models.PaymentDetail, error) {
	return s.recent, s.err
}

type dashResultStub struct {
	count int
}

func (s *dashResultStub) CountForTerm(context.Context, string) (int, error) {
	return s.count, nil
}

// memoryCacheRepo keeps serialized payloads in a map so cache hits and
// writes can be asserted without Redis.
type memoryCacheRepo struct {
	entries map[string][]byte
	sets    int
	deletes []string
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{entries: map[string][]byte{}}
}

func (m *memoryCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = raw
	m.sets++
	return nil
}

func (m *memoryCacheRepo) DeleteByPattern(_ context.Context, pattern string) error {
	m.deletes = append(m.deletes, pattern)
	delete(m.entries, pattern)
	return nil
}

func newDashboardFixture(cacheRepo CacheRepository) *DashboardService {
	enabled := cacheRepo != nil
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), enabled)
	return NewDashboardService(
		&dashTermStub{term: &models.Term{ID: "term-1", Name: "2025/2026 First Term"}},
		&dashStudentStub{count: 420},
		&dashPinStub{count: 37},
		&dashPaymentStub{pending: 4, approved: 11, recent: []models.PaymentDetail{{Payment: models.Payment{ID: "pay-1"}}}},
		&dashResultStub{count: 1260},
		cache,
		time.Minute,
		zap.NewNop(),
	)
}

func TestDashboardSummaryAggregatesCounts(t *testing.T) {
	svc := newDashboardFixture(nil)

	summary, cached, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "term-1", summary.TermID)
	assert.Equal(t, "2025/2026 First Term", summary.TermName)
	assert.Equal(t, 420, summary.Students)
	assert.Equal(t, 37, summary.ActivePins)
	assert.Equal(t, 4, summary.PendingPayments)
	assert.Equal(t, 11, summary.ApprovedPayments)
	assert.Equal(t, 1260, summary.ResultsEntered)
	require.Len(t, summary.RecentPayments, 1)
}

func TestDashboardSummaryServesSecondCallFromCache(t *testing.T) {
	repo := newMemoryCacheRepo()
	svc := newDashboardFixture(repo)

	first, cached, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, repo.sets)

	second, cached, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, first.Students, second.Students)
	assert.Equal(t, 1, repo.sets, "cache hit must not rewrite the entry")
}

func TestDashboardSummaryWithoutCurrentTerm(t *testing.T) {
	svc := NewDashboardService(
		&dashTermStub{err: sql.ErrNoRows},
		&dashStudentStub{},
		&dashPinStub{},
		&dashPaymentStub{},
		&dashResultStub{},
		NewCacheService(nil, nil, 0, zap.NewNop(), false),
		time.Minute,
		zap.NewNop(),
	)

	_, _, err := svc.Summary(context.Background())
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErr.Code)
}

func TestDashboardSummaryPropagatesCounterFailure(t *testing.T) {
	svc := NewDashboardService(
		&dashTermStub{term: &models.Term{ID: "term-1", Name: "First"}},
		&dashStudentStub{err: errors.New("boom")},
		&dashPinStub{},
		&dashPaymentStub{},
		&dashResultStub{},
		NewCacheService(nil, nil, 0, zap.NewNop(), false),
		time.Minute,
		zap.NewNop(),
	)

	_, _, err := svc.Summary(context.Background())
	require.Error(t, err)
	appErr, ok := err.(*appErrors.Error)
	require.True(t, ok)
	assert.Equal(t, appErrors.ErrInternal.Code, appErr.Code)
}
