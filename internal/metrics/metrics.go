// Package metrics provides Prometheus instrumentation for storage, index and search.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tansaku"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Operations counts engine and storage operations.
	// Labels: op, result (success, error)
	Operations *prometheus.CounterVec

	// OperationDuration tracks operation latency in seconds. Labels: op
	OperationDuration *prometheus.HistogramVec

	// ChecksumFailures counts records that failed integrity verification on read.
	ChecksumFailures prometheus.Counter

	// CompressionRatio observes the ratio of each stored embedding.
	CompressionRatio prometheus.Histogram

	// IndexBuilds counts completed index builds.
	IndexBuilds prometheus.Counter

	// IndexBuildDuration tracks index build time in seconds.
	IndexBuildDuration prometheus.Histogram

	// IndexedDocuments is the number of documents in the current index.
	IndexedDocuments prometheus.Gauge

	// SearchCandidates observes how many ids the index returned per search.
	SearchCandidates prometheus.Histogram
}

// New registers all collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operations by name and result",
			},
			[]string{"op", "result"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		ChecksumFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "checksum_failures_total",
				Help:      "Total number of records that failed checksum verification",
			},
		),
		CompressionRatio: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "compression_ratio",
				Help:      "Compression ratio of stored embeddings",
				Buckets:   []float64{1, 1.5, 2, 3, 4, 6, 8, 12, 16},
			},
		),
		IndexBuilds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "builds_total",
				Help:      "Total number of completed index builds",
			},
		),
		IndexBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "build_duration_seconds",
				Help:      "Duration of index builds in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		IndexedDocuments: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "documents",
				Help:      "Number of documents in the current index",
			},
		),
		SearchCandidates: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "search",
				Name:      "candidates",
				Help:      "Number of index candidates per search",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
}

// ObserveOperation records the outcome and latency of op started at start.
func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RecordChecksumFailure counts one integrity failure.
func (m *Metrics) RecordChecksumFailure() {
	if m == nil {
		return
	}
	m.ChecksumFailures.Inc()
}

// RecordCompression observes one stored embedding's compression ratio.
func (m *Metrics) RecordCompression(ratio float64) {
	if m == nil {
		return
	}
	m.CompressionRatio.Observe(ratio)
}

// RecordIndexBuild records a completed build over size documents.
func (m *Metrics) RecordIndexBuild(size int, d time.Duration) {
	if m == nil {
		return
	}
	m.IndexBuilds.Inc()
	m.IndexBuildDuration.Observe(d.Seconds())
	m.IndexedDocuments.Set(float64(size))
}

// RecordCandidates observes the candidate count of one search.
func (m *Metrics) RecordCandidates(n int) {
	if m == nil {
		return
	}
	m.SearchCandidates.Observe(float64(n))
}
