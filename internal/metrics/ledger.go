// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ipmarket"

var (
	ledgerSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "submissions_total",
		Help:      "Ledger submissions by call and outcome.",
	}, []string{"call", "outcome"})
	ledgerSubmitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "submit_duration_seconds",
		Help:      "Time from submission to observed outcome.",
		Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 15, 30, 60, 120},
	}, []string{"call", "outcome"})
	lockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "lock_contention_total",
		Help:      "Submissions refused because another operation held the entity lock.",
	}, []string{"scope"})
)

// ObserveSubmission records one ledger submission. Outcome is the tx status,
// or "error" when the call never left the process.
func ObserveSubmission(call, outcome string, started time.Time) {
	ledgerSubmissionsTotal.WithLabelValues(call, outcome).Inc()
	ledgerSubmitDuration.WithLabelValues(call, outcome).Observe(time.Since(started).Seconds())
}

// ObserveLockContention counts a fail-fast lock refusal for scope ("asset"
// or "claim").
func ObserveLockContention(scope string) {
	lockContentionTotal.WithLabelValues(scope).Inc()
}
