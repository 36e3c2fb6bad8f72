// Package metrics exposes rolloutd's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared across the orchestrator.
type Metrics struct {
	ActiveExecutors      prometheus.Gauge
	ItemsDispatched      prometheus.Counter
	ItemsCompleted       prometheus.Counter
	ItemsFailed          prometheus.Counter
	ConflictsResolved    prometheus.Counter
	TrafficPercent       *prometheus.GaugeVec
	ValidationConfidence prometheus.Gauge
	RollbacksTotal       prometheus.Counter
}

// New registers rolloutd collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveExecutors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rolloutd_active_executors",
			Help: "Number of executors currently holding a concurrency slot.",
		}),
		ItemsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "rolloutd_items_dispatched_total",
			Help: "Work items dispatched to executors.",
		}),
		ItemsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rolloutd_items_completed_total",
			Help: "Work items that completed and merged successfully.",
		}),
		ItemsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rolloutd_items_failed_total",
			Help: "Work items that ended in failure, including timeouts.",
		}),
		ConflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "rolloutd_merge_conflicts_resolved_total",
			Help: "Merge conflicts resolved deterministically during result integration.",
		}),
		TrafficPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rolloutd_traffic_percent",
			Help: "Traffic percentage currently routed to the new implementation.",
		}, []string{"component"}),
		ValidationConfidence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rolloutd_validation_confidence",
			Help: "Most recent pooled validation confidence score.",
		}),
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rolloutd_rollbacks_total",
			Help: "Emergency rollbacks performed.",
		}),
	}
}

// NewNop returns metrics bound to a throwaway registry. Useful in tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
