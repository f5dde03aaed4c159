package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	askTotal           *prometheus.CounterVec
	askRetrievedChunks prometheus.Histogram
	askCitedSources    prometheus.Histogram
	askDuration        prometheus.Histogram
	generationAttempts *prometheus.CounterVec
	llmTokensTotal     *prometheus.CounterVec
}

func NewHTTPServerMetrics(reg prometheus.Registerer) *HTTPServerMetrics {
	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "path", "code"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
		},
	)
	askTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "ask_total",
			Help:      "Total ask requests by outcome.",
		},
		[]string{"status"},
	)
	askRetrievedChunks := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrieved_chunks",
			Help:      "Distribution of chunks retrieved as context per question.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)
	askCitedSources := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "cited_sources",
			Help:      "Distribution of cited sources per answered request.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)
	askDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "ask_duration_seconds",
			Help:      "Ask execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	generationAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "generations_total",
			Help:      "Answer generations by attempts used.",
		},
		[]string{"attempts"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Approximate token usage by direction.",
		},
		[]string{"direction"},
	)

	reg.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		askTotal,
		askRetrievedChunks,
		askCitedSources,
		askDuration,
		generationAttempts,
		llmTokensTotal,
	)

	return &HTTPServerMetrics{
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		askTotal:           askTotal,
		askRetrievedChunks: askRetrievedChunks,
		askCitedSources:    askCitedSources,
		askDuration:        askDuration,
		generationAttempts: generationAttempts,
		llmTokensTotal:     llmTokensTotal,
	}
}

// Middleware instruments next with promhttp, partitioned by route template
// so document and session ids never become label values.
func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	inFlight := promhttp.InstrumentHandlerInFlight(m.requestInFlight, next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := prometheus.Labels{"path": normalizePath(r.URL.Path)}
		h := promhttp.InstrumentHandlerCounter(m.requestTotal.MustCurryWith(route),
			promhttp.InstrumentHandlerDuration(m.requestDuration.MustCurryWith(route), inFlight))
		h.ServeHTTP(w, r)
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/documents/"):
		return "/v1/documents/{document_id}"
	case strings.HasPrefix(path, "/v1/sessions/"):
		return "/v1/sessions/{session_id}/messages"
	default:
		return path
	}
}

// RecordAsk records one ask outcome: "answered", "no_context", "replayed",
// "generation_failed" or "model_unavailable".
func (m *HTTPServerMetrics) RecordAsk(status string, sourceCount, attempts int, duration time.Duration) {
	m.askTotal.WithLabelValues(status).Inc()
	m.askDuration.Observe(duration.Seconds())
	if status == "answered" {
		m.askCitedSources.Observe(float64(sourceCount))
	}
	if attempts > 0 {
		m.generationAttempts.WithLabelValues(attemptsLabel(attempts)).Inc()
	}
}

// RecordRetrieval records how many chunks retrieval handed to synthesis.
func (m *HTTPServerMetrics) RecordRetrieval(chunks int) {
	m.askRetrievedChunks.Observe(float64(chunks))
}

func (m *HTTPServerMetrics) RecordTokenUsage(promptTokens, completionTokens int) {
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues("in").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues("out").Add(float64(completionTokens))
	}
}
