package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/askrag/internal/core/domain"
)

// EmbeddingMetrics satisfies embedding.Observer.
type EmbeddingMetrics struct {
	batchTotal    *prometheus.CounterVec
	batchDuration prometheus.Histogram
	batchAttempts prometheus.Histogram
	cacheTotal    *prometheus.CounterVec
}

func NewEmbeddingMetrics(reg prometheus.Registerer) *EmbeddingMetrics {
	batchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batches_total",
			Help:      "Embedding backend batches by status.",
		},
		[]string{"status"},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batch_duration_seconds",
			Help:      "Embedding batch duration including retries.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	batchAttempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "batch_attempts",
			Help:      "Backend attempts per embedding batch.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)
	cacheTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "cache_lookups_total",
			Help:      "Embedding cache lookups by result.",
		},
		[]string{"result"},
	)
	reg.MustRegister(batchTotal, batchDuration, batchAttempts, cacheTotal)
	return &EmbeddingMetrics{
		batchTotal:    batchTotal,
		batchDuration: batchDuration,
		batchAttempts: batchAttempts,
		cacheTotal:    cacheTotal,
	}
}

func (m *EmbeddingMetrics) ObserveBatch(_ int, attempts int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.batchTotal.WithLabelValues(status).Inc()
	m.batchDuration.Observe(duration.Seconds())
	if attempts > 0 {
		m.batchAttempts.Observe(float64(attempts))
	}
}

func (m *EmbeddingMetrics) ObserveCache(hits, misses int) {
	if hits > 0 {
		m.cacheTotal.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		m.cacheTotal.WithLabelValues("miss").Add(float64(misses))
	}
}

type IndexMetrics struct {
	compactions *prometheus.CounterVec
	persists    *prometheus.CounterVec
}

// NewIndexMetrics exports live entry and tombstone counts read from stats on
// every scrape.
func NewIndexMetrics(reg prometheus.Registerer, stats func() domain.IndexStats) *IndexMetrics {
	entries := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "entries",
			Help:      "Live vectors in the local index.",
		},
		func() float64 { return float64(stats().Entries) },
	)
	tombstones := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "tombstones",
			Help:      "Deleted vectors awaiting compaction.",
		},
		func() float64 { return float64(stats().Tombstones) },
	)
	compactions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "compactions_total",
			Help:      "Index compactions by status.",
		},
		[]string{"status"},
	)
	persists := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "persists_total",
			Help:      "Index snapshots written to disk by status.",
		},
		[]string{"status"},
	)
	reg.MustRegister(entries, tombstones, compactions, persists)
	return &IndexMetrics{compactions: compactions, persists: persists}
}

func (m *IndexMetrics) RecordCompaction(err error) {
	m.compactions.WithLabelValues(statusOf(err)).Inc()
}

func (m *IndexMetrics) RecordPersist(err error) {
	m.persists.WithLabelValues(statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func attemptsLabel(attempts int) string {
	if attempts > 3 {
		return "4+"
	}
	return strconv.Itoa(attempts)
}
