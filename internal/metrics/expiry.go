package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepAssetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expiry",
		Name:      "sweep_assets_total",
		Help:      "Assets handled by expiry sweeps by action (refreshed, enforced, failed).",
	}, []string{"action"})
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expiry",
		Name:      "sweep_runs_total",
		Help:      "Completed expiry sweeps.",
	})
	reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "resolved_total",
		Help:      "Pending transactions resolved by final status.",
	}, []string{"outcome"})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "pending_transactions",
		Help:      "Journaled transactions whose outcome is still unknown.",
	})
)

// ObserveSweep records the totals of one sweep.
func ObserveSweep(refreshed, enforced, failed int) {
	sweepRunsTotal.Inc()
	sweepAssetsTotal.WithLabelValues("refreshed").Add(float64(refreshed))
	sweepAssetsTotal.WithLabelValues("enforced").Add(float64(enforced))
	sweepAssetsTotal.WithLabelValues("failed").Add(float64(failed))
}

// ObserveReconciled counts a journaled transaction resolved to outcome.
func ObserveReconciled(outcome string) {
	reconciledTotal.WithLabelValues(outcome).Inc()
}

// SetPending reports the size of the pending-transaction journal.
func SetPending(n int) {
	pendingGauge.Set(float64(n))
}
