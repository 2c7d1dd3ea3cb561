// Package zmetrics holds the reconciliation core's Prometheus metrics. It
// defines only the retry/backoff metrics recorded by resilience.WithRetry;
// the rate-limit gate, loop-prevention tracker and sync executor record no
// metrics here.
//
// Metric names follow zoho_airtable_sync_<subsystem>_<name>_<unit>.
package zmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RetryMetrics tracks resilience.WithRetry outcomes.
type RetryMetrics struct {
	AttemptsTotal      *prometheus.CounterVec
	DurationSeconds    *prometheus.HistogramVec
	BackoffSeconds     *prometheus.HistogramVec
	FinalAttemptsTotal *prometheus.HistogramVec
}

var (
	retryMetricsOnce sync.Once
	retryMetrics     *RetryMetrics
)

// NewRetryMetrics returns the process-wide retry metrics, registering them
// with the default Prometheus registry on first call.
func NewRetryMetrics() *RetryMetrics {
	retryMetricsOnce.Do(func() {
		retryMetrics = &RetryMetrics{
			AttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "zoho_airtable_sync",
					Subsystem: "retry",
					Name:      "attempts_total",
					Help:      "Total retry attempts by operation, outcome, and error kind.",
				},
				[]string{"operation", "outcome", "error_kind"},
			),
			DurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "zoho_airtable_sync",
					Subsystem: "retry",
					Name:      "duration_seconds",
					Help:      "Duration of one retry attempt.",
					Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
				},
				[]string{"operation", "outcome"},
			),
			BackoffSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "zoho_airtable_sync",
					Subsystem: "retry",
					Name:      "backoff_seconds",
					Help:      "Backoff delay before a retry attempt.",
					Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
				},
				[]string{"operation"},
			),
			FinalAttemptsTotal: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "zoho_airtable_sync",
					Subsystem: "retry",
					Name:      "final_attempts_total",
					Help:      "Number of attempts made until success or exhaustion.",
					Buckets:   []float64{1, 2, 3, 4, 5},
				},
				[]string{"operation", "outcome"},
			),
		}
	})
	return retryMetrics
}

// RecordAttempt records one attempt's outcome and duration.
func (m *RetryMetrics) RecordAttempt(operation, outcome, errorKind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(operation, outcome, errorKind).Inc()
	m.DurationSeconds.WithLabelValues(operation, outcome).Observe(durationSeconds)
}

// RecordBackoff records the delay inserted before a retry.
func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	if m == nil {
		return
	}
	m.BackoffSeconds.WithLabelValues(operation).Observe(delaySeconds)
}

// RecordFinalAttempt records the attempt count when an operation reaches a
// terminal outcome.
func (m *RetryMetrics) RecordFinalAttempt(operation, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.FinalAttemptsTotal.WithLabelValues(operation, outcome).Observe(float64(attempts))
}
