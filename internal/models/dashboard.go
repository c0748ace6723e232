package models

import "time"

// DashboardSummary aggregates headline counts for the admin dashboard,
// scoped to the current term.
type DashboardSummary struct {
	TermID           string          `json:"term_id"`
	TermName         string          `json:"term_name"`
	Students         int             `json:"students"`
	ActivePins       int             `json:"active_pins"`
	PendingPayments  int             `json:"pending_payments"`
	ApprovedPayments int             `json:"approved_payments"`
	ResultsEntered   int             `json:"results_entered"`
	RecentPayments   []PaymentDetail `json:"recent_payments"`
}

// SystemMetrics is a lightweight operational snapshot surfaced on the
// admin metrics endpoint, aggregated outside Prometheus.
type SystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	DBQueryCount             uint64    `json:"db_query_count"`
	AverageDBQueryDurationMs float64   `json:"average_db_query_duration_ms"`
	AccessChecksGranted      uint64    `json:"access_checks_granted"`
	AccessChecksDenied       uint64    `json:"access_checks_denied"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
