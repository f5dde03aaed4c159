package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type IngestMetrics struct {
	processTotal    *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	processInFlight prometheus.Gauge
	chunksPerDoc    prometheus.Histogram
	queueLag        prometheus.Histogram
}

func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total ingested documents by mode and status.",
		},
		[]string{"mode", "status"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Document ingestion duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode", "status"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "in_flight",
			Help:      "Number of documents being ingested.",
		},
	)
	chunksPerDoc := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_per_document",
			Help:      "Chunks produced per successfully indexed document.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 250, 500},
		},
	)
	queueLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_lag_seconds",
			Help:      "Delay between document submission and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	reg.MustRegister(processTotal, processDuration, processInFlight, chunksPerDoc, queueLag)

	return &IngestMetrics{
		processTotal:    processTotal,
		processDuration: processDuration,
		processInFlight: processInFlight,
		chunksPerDoc:    chunksPerDoc,
		queueLag:        queueLag,
	}
}

func (m *IngestMetrics) StartDocument() {
	m.processInFlight.Inc()
}

func (m *IngestMetrics) FinishDocument(mode string, chunks int, duration time.Duration, err error) {
	m.processInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.chunksPerDoc.Observe(float64(chunks))
	}

	m.processTotal.WithLabelValues(mode, status).Inc()
	m.processDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

func (m *IngestMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.Observe(lag.Seconds())
}
