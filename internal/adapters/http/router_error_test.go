package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/askrag/internal/config"
	"github.com/kirillkom/askrag/internal/core/domain"
)

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", domain.WrapError(domain.ErrInvalidInput, "op", errors.New("x")), http.StatusBadRequest},
		{"document not found", domain.WrapError(domain.ErrDocumentNotFound, "op", errors.New("x")), http.StatusNotFound},
		{"unsupported format", domain.WrapError(domain.ErrUnsupportedFormat, "op", errors.New("x")), http.StatusUnsupportedMediaType},
		{"extraction failed", domain.WrapError(domain.ErrExtractionFailed, "op", errors.New("x")), http.StatusUnprocessableEntity},
		{"session conflict", domain.WrapError(domain.ErrSessionConflict, "op", errors.New("x")), http.StatusConflict},
		{"retrieval timeout", domain.WrapError(domain.ErrRetrievalTimeout, "op", errors.New("x")), http.StatusGatewayTimeout},
		{"generation failed", &domain.GenerationError{Attempts: 3, Err: errors.New("x")}, http.StatusBadGateway},
		{"embedding failed", &domain.EmbeddingFailedError{DocumentID: "d", Err: errors.New("x")}, http.StatusBadGateway},
		{"temporary", domain.WrapError(domain.ErrTemporary, "op", errors.New("x")), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
				t.Fatalf("mapErrorToHTTPStatus() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestAskMapsInvalidInputTo400(t *testing.T) {
	ask := &askFake{err: domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("bad query"))}
	handler := NewRouter(config.Config{RAGTopK: 5}, &ingestFake{}, docsFake{}, ask).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/ask", `{"query":"test"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestAskGenerationFailureReportsAttempts(t *testing.T) {
	ask := &askFake{err: &domain.GenerationError{Attempts: 3, Err: errors.New("llm down")}}
	handler := NewRouter(config.Config{}, &ingestFake{}, docsFake{}, ask).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/ask", `{"query":"what is it?","session_id":"s-1"}`)
	if res.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.Code)
	}

	var body struct {
		Error     string          `json:"error"`
		Attempts  int             `json:"attempts"`
		Sources   []domain.Source `json:"sources"`
		RequestID string          `json:"request_id"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", body.Attempts)
	}
	if body.Sources == nil || len(body.Sources) != 0 {
		t.Fatalf("expected empty sources array, got %#v", body.Sources)
	}
	if body.RequestID == "" {
		t.Fatalf("expected request id in error body")
	}
}

func TestAskRejectsSchemaViolations(t *testing.T) {
	ask := &askFake{}
	handler := NewRouter(config.Config{}, &ingestFake{}, docsFake{}, ask).Handler()

	for _, body := range []string{
		`{}`,
		`{"query":""}`,
		`{"query":"q","top_k":0}`,
		`{"query":"q","unknown":true}`,
	} {
		res := doJSON(t, handler, http.MethodPost, "/v1/ask", body)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, res.Code)
		}
	}
	if len(ask.requests) != 0 {
		t.Fatalf("invalid requests must not reach the ask service, got %d", len(ask.requests))
	}
}

func TestGetDocumentByIDReturns404ForNotFound(t *testing.T) {
	handler := NewRouter(
		config.Config{RAGTopK: 5},
		&ingestFake{},
		docsFake{err: domain.WrapError(domain.ErrDocumentNotFound, "get", errors.New("id=missing"))},
		&askFake{},
	).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestIngestUnsupportedFormatReturns415(t *testing.T) {
	ingest := &ingestFake{err: domain.WrapError(domain.ErrUnsupportedFormat, "ingest", errors.New("image/png"))}
	handler := NewRouter(config.Config{}, ingest, docsFake{}, &askFake{}).Handler()

	res := doJSON(t, handler, http.MethodPost, "/v1/documents", `{"content":"iVBORw0KGgo=","source":"a.png"}`)
	if res.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "unsupported format") {
		t.Fatalf("expected error text, got %s", res.Body.String())
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}
