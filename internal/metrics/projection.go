package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	projectionLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "lookups_total",
		Help:      "Projection reads by entity and result (hit, miss, stale).",
	}, []string{"entity", "result"})
	projectionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "refreshes_total",
		Help:      "Projection refreshes from the ledger by entity and status.",
	}, []string{"entity", "status"})
	projectionRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of projection refreshes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"entity"})
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Duration of read-side queries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query", "status"})
)

// ObserveLookup records a projection read. Result is hit, miss or stale.
func ObserveLookup(entity, result string) {
	projectionLookupsTotal.WithLabelValues(entity, result).Inc()
}

// ObserveRefresh records one refresh of entity ("asset" or "claim").
func ObserveRefresh(entity string, err error, started time.Time) {
	projectionRefreshTotal.WithLabelValues(entity, status(err)).Inc()
	projectionRefreshDuration.WithLabelValues(entity).Observe(time.Since(started).Seconds())
}

// ObserveQuery records a read-side query such as search or pending claims.
func ObserveQuery(query string, err error, started time.Time) {
	queryDuration.WithLabelValues(query, status(err)).Observe(time.Since(started).Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
