// Package metrics exposes the sync service's Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all addrsync metrics.
type Registry struct {
	// Pass metrics
	SyncRuns     *prometheus.CounterVec
	SyncDuration prometheus.Histogram

	// Extraction
	ExtractionFailures *prometheus.CounterVec
	DesiredObjects     *prometheus.GaugeVec
	MergeConflicts     *prometheus.CounterVec

	// Firewall mutations
	Mutations      *prometheus.CounterVec
	DeletesSkipped *prometheus.CounterVec
	InventoryAbort *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "addrsync_sync_runs_total",
		Help: "Integration unit passes by final status",
	}, []string{"status"})

	r.SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "addrsync_sync_duration_seconds",
		Help:    "Duration of one integration unit pass",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	r.ExtractionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "addrsync_extraction_failures_total",
		Help: "Inventory sub-queries that failed and were treated as empty",
	}, []string{"manager", "step"})

	r.DesiredObjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "addrsync_desired_objects",
		Help: "Objects in the aggregated desired state",
	}, []string{"unit", "namespace", "kind"})

	r.MergeConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "addrsync_merge_conflicts_total",
		Help: "Divergent address records under one name across managers",
	}, []string{"unit"})

	r.Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "addrsync_mutations_total",
		Help: "Firewall mutations by operation and result",
	}, []string{"op", "namespace", "result"})

	r.DeletesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "addrsync_deletes_skipped_total",
		Help: "Orphan deletes skipped because the address is still referenced",
	}, []string{"namespace"})

	r.InventoryAbort = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "addrsync_namespace_aborts_total",
		Help: "Namespaces skipped because firewall inventory could not be read",
	}, []string{"target", "namespace"})

	return r
}
