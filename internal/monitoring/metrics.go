package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "operations",
		Name:      "total",
		Help:      "Ledger operations by category and outcome (attempt, success, failure)",
	}, []string{"category", "outcome"})

	operationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "operations",
		Name:      "failures_by_code_total",
		Help:      "Failed ledger operations by category and error code",
	}, []string{"category", "code"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "operations",
		Name:      "duration_seconds",
		Help:      "Ledger operation duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"category"})

	stalePendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "recovery",
		Name:      "stale_pending_records",
		Help:      "Pending records older than the pending age threshold",
	})

	failureRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "operations",
		Name:      "failure_rate",
		Help:      "Failure rate per category since process start",
	}, []string{"category"})
)
