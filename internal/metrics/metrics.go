package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loyalty_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	PointsPostedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_points_posted_total",
			Help: "Absolute points moved by ledger entries",
		},
		[]string{"type"},
	)

	EntriesPostedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_entries_posted_total",
			Help: "Total number of ledger entries",
		},
		[]string{"type"},
	)

	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_redemptions_total",
			Help: "Total number of issued redemptions",
		},
		[]string{"reward_type"},
	)

	ConflictRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_conflict_retries_total",
			Help: "Ledger commits retried after a version conflict or code collision",
		},
		[]string{"reason"},
	)

	LapsedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_lapsed_entries_total",
			Help: "Earn entries lapsed by the expiry sweep",
		},
	)

	ExpiredRedemptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_expired_redemptions_total",
			Help: "Redemptions moved to expired by the expiry sweep",
		},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordEntry(entryType string, amount int64) {
	if amount < 0 {
		amount = -amount
	}
	EntriesPostedTotal.WithLabelValues(entryType).Inc()
	PointsPostedTotal.WithLabelValues(entryType).Add(float64(amount))
}

func RecordRedemption(rewardType string) {
	RedemptionsTotal.WithLabelValues(rewardType).Inc()
}

func RecordRetry(reason string) {
	ConflictRetriesTotal.WithLabelValues(reason).Inc()
}

func RecordSweep(lapsed int, expiredRedemptions int64) {
	LapsedEntriesTotal.Add(float64(lapsed))
	ExpiredRedemptionsTotal.Add(float64(expiredRedemptions))
}
