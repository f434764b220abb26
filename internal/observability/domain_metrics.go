package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	QueryOutcomeSucceeded   = "succeeded"
	QueryOutcomeFailed      = "failed"
	QueryOutcomeTimeout     = "timeout"
	QueryOutcomeRemoteError = "remote_error"
	QueryOutcomeCanceled    = "canceled"
)

var (
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "athenaq_query_executions_total",
			Help: "Total number of query executions by outcome.",
		},
		[]string{"outcome"},
	)
	queryPollAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "athenaq_query_poll_attempts",
			Help:    "Status polls spent per query execution.",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 60, 120, 240},
		},
	)
	queryRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "athenaq_query_records_total",
			Help: "Total number of records returned to callers.",
		},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "athenaq_query_duration_seconds",
			Help:    "Wall time from submission to the final outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	emulatorExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "athenaq_emulator_executions_total",
			Help: "Total number of executions run by the local emulator by final state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		queryExecutionsTotal,
		queryPollAttempts,
		queryRecordsTotal,
		queryDurationSeconds,
		emulatorExecutionsTotal,
	)
}

func ObserveQueryExecution(outcome string, attempts, records int, elapsed time.Duration) {
	queryExecutionsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		queryPollAttempts.Observe(float64(attempts))
	}
	if records > 0 {
		queryRecordsTotal.Add(float64(records))
	}
	queryDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func IncrementEmulatorExecution(state string) {
	emulatorExecutionsTotal.WithLabelValues(state).Inc()
}
