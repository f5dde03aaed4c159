package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/askrag/internal/core/domain"
)

func TestHTTPMiddlewareCountsNormalizedPaths(t *testing.T) {
	reg := NewRegistry()
	m := NewHTTPServerMetrics(reg)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/documents/abc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/documents/def", nil))

	// promhttp reports standard methods in lower case.
	got := testutil.ToFloat64(m.requestTotal.WithLabelValues("get", "/v1/documents/{document_id}", "404"))
	if got != 2 {
		t.Fatalf("requests_total = %v, want 2", got)
	}
}

func TestRecordAskAndMetricsEndpoint(t *testing.T) {
	reg := NewRegistry()
	m := NewHTTPServerMetrics(reg)
	m.RecordAsk("answered", 2, 1, 150*time.Millisecond)
	m.RecordAsk("error", 0, 5, time.Second)
	m.RecordRetrieval(4)
	m.RecordRetrieval(0)

	if got := testutil.ToFloat64(m.generationAttempts.WithLabelValues("4+")); got != 1 {
		t.Fatalf("generations_total{attempts=4+} = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "askrag_rag_ask_total") {
		t.Fatalf("metrics output misses ask counter")
	}
	for _, name := range []string{"askrag_rag_retrieved_chunks_count 2", "askrag_rag_cited_sources_count 1"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Fatalf("metrics output misses %q", name)
		}
	}
}

func TestIngestAndIndexMetrics(t *testing.T) {
	reg := NewRegistry()
	ingest := NewIngestMetrics(reg)
	ingest.StartDocument()
	ingest.FinishDocument("sync", 3, time.Second, nil)
	ingest.StartDocument()
	ingest.FinishDocument("async", 0, time.Second, errors.New("boom"))

	if got := testutil.ToFloat64(ingest.processTotal.WithLabelValues("async", "error")); got != 1 {
		t.Fatalf("documents_total{async,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ingest.processInFlight); got != 0 {
		t.Fatalf("in_flight = %v, want 0", got)
	}

	idx := NewIndexMetrics(reg, func() domain.IndexStats { return domain.IndexStats{Entries: 7, Tombstones: 2} })
	idx.RecordCompaction(nil)
	if got := testutil.ToFloat64(idx.compactions.WithLabelValues("success")); got != 1 {
		t.Fatalf("compactions_total = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg, "askrag_index_entries"); err != nil || n != 1 {
		t.Fatalf("GatherAndCount() = %d, %v", n, err)
	}
}
