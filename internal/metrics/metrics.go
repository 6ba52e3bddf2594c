package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Index and scheduler Prometheus metrics.
var (
	IndexOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pimsearch",
			Name:      "index_operations_total",
			Help:      "Index writes by document type and operation",
		},
		[]string{"type", "op"},
	)

	CommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pimsearch",
			Name:      "index_commit_duration_seconds",
			Help:      "Batch commit duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"type"},
	)

	ExpandCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pimsearch",
			Name:      "expand_cache_total",
			Help:      "Prefix expansion cache hits and misses",
		},
		[]string{"type", "result"}, // "hit" / "miss"
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pimsearch",
			Name:      "reconcile_jobs_total",
			Help:      "Finished reconciliation jobs",
		},
		[]string{"domain", "mode", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pimsearch",
			Name:      "reconcile_job_duration_seconds",
			Help:      "Reconciliation job duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"domain", "mode"},
	)

	DirtyCollections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pimsearch",
			Name:      "dirty_collections",
			Help:      "Collections waiting for a full sync",
		},
		[]string{"domain"},
	)

	QueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pimsearch",
			Name:      "collection_queue_length",
			Help:      "Collections queued for reconciliation",
		},
		[]string{"domain"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pimsearch",
			Name:      "search_duration_seconds",
			Help:      "Query execution duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Register registers the index and scheduler metrics. Must be called once from main.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(IndexOpsTotal)
		prometheus.MustRegister(CommitDuration)
		prometheus.MustRegister(ExpandCacheTotal)
		prometheus.MustRegister(JobsTotal)
		prometheus.MustRegister(JobDuration)
		prometheus.MustRegister(DirtyCollections)
		prometheus.MustRegister(QueueLength)
		prometheus.MustRegister(SearchDuration)
	})
}
