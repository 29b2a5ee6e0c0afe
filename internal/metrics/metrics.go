// Package metrics provides Prometheus metrics for the memory subsystem.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rcliao/tiered-memory/internal/model"
)

const namespace = "tiermem"

var (
	// StoreOps counts store mutations by operation, kind and result.
	StoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Store mutations by operation, record kind and result",
		},
		[]string{"op", "kind", "result"},
	)

	// SnapshotsCreated counts snapshots and meta-snapshots written.
	SnapshotsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_created_total",
			Help:      "Snapshots created by tier",
		},
		[]string{"kind"},
	)

	// SnapshotsSkipped counts snapshot creations skipped after a generation failure.
	SnapshotsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_skipped_total",
			Help:      "Snapshot creations skipped because generation failed",
		},
		[]string{"kind"},
	)

	// CategoryMismatches counts meta-snapshots whose snapshots disagree on category.
	CategoryMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meta_category_mismatches_total",
			Help:      "Meta-snapshots created over snapshots of a different category",
		},
	)

	// RetrievalDuration observes retrieve latency.
	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Latency of retrieve calls",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RetrievalResults observes how many memories a retrieve call returned.
	RetrievalResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_results",
			Help:      "Number of memories returned per retrieve call",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	// MemoriesEvicted counts base memories removed by retention cleanup.
	MemoriesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_evicted_total",
			Help:      "Base memories deleted by retention cleanup",
		},
	)

	// LLMRequests counts collaborator calls by provider, call type and result.
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Language model calls by provider, call and result",
		},
		[]string{"provider", "call", "result"},
	)

	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// ObserveStoreOp records one store mutation.
func ObserveStoreOp(op, kind string, err error) {
	StoreOps.WithLabelValues(op, kind, Result(err)).Inc()
}

// ObserveRetrieval records latency and result size of one retrieve call.
func ObserveRetrieval(start time.Time, n int) {
	RetrievalDuration.Observe(time.Since(start).Seconds())
	RetrievalResults.Observe(float64(n))
}

// Result classifies err into a low-cardinality label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrReferentialIntegrity):
		return "referential"
	case errors.Is(err, model.ErrGeneration):
		return "generation"
	case errors.Is(err, model.ErrStorageIO):
		return "storage"
	}
	return "error"
}
