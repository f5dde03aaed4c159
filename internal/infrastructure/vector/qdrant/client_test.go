package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

func noRetry() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    1,
		RetryInitialBackoff: time.Millisecond,
		BreakerEnabled:      false,
	})
}

func TestInsertEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var upserted map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/points":
			_ = json.NewDecoder(r.Body).Decode(&upserted)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "docs", DistanceCosine, noRetry())
	entry := domain.IndexEntry{ChunkID: "chunk-1", DocumentID: "doc-1", Vector: []float32{0.1, 0.2}}

	if _, err := client.Insert(context.Background(), entry); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}
	if _, err := client.Insert(context.Background(), entry); err != nil {
		t.Fatalf("second Insert() error = %v", err)
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	points, _ := upserted["points"].([]any)
	point, _ := points[0].(map[string]any)
	if point["id"] != PointID("chunk-1").String() {
		t.Fatalf("unexpected point id %v", point["id"])
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/docs" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, "docs", DistanceCosine, noRetry())
	_, err := client.Insert(context.Background(), domain.IndexEntry{ChunkID: "a", Vector: []float32{0.1, 0.2}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 5xx to be temporary, got %v", err)
	}
}

func TestSearchSendsDocumentFilterAndConvertsEuclid(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs/points/search" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"result":[
			{"id":"x","score":1,"payload":{"chunk_id":"c2","document_id":"d1"}},
			{"id":"y","score":0,"payload":{"chunk_id":"c1","document_id":"d1"}}
		]}`))
	}))
	defer server.Close()

	client := New(server.URL, "docs", DistanceEuclid, noRetry())
	hits, err := client.Search(context.Background(), []float32{1, 0}, 2, domain.IndexFilter{DocumentIDs: []string{"d1"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[0].ChunkID != "c1" || hits[0].Score != 1 || hits[1].Score != 0.5 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	filter, _ := captured["filter"].(map[string]any)
	if filter == nil {
		t.Fatalf("expected filter in request, got %v", captured)
	}
}

func TestDeleteSendsDerivedPointIDs(t *testing.T) {
	var captured struct {
		Points []string `json:"points"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs/points/delete" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := New(server.URL, "docs", DistanceCosine, noRetry())
	if err := client.Delete(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(captured.Points) != 2 || captured.Points[1] != PointID("b").String() {
		t.Fatalf("unexpected delete payload %+v", captured)
	}
}
