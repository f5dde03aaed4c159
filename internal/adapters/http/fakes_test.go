package httpadapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kirillkom/askrag/internal/config"
	"github.com/kirillkom/askrag/internal/core/domain"
)

type ingestFake struct {
	mu        sync.Mutex
	err       error
	ingested  []domain.IngestRequest
	submitted []domain.IngestRequest
	deleted   []string
}

func (f *ingestFake) Ingest(_ context.Context, req domain.IngestRequest) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.ingested = append(f.ingested, req)
	return fakeDocument(req, domain.StatusIndexed), nil
}

func (f *ingestFake) Submit(_ context.Context, req domain.IngestRequest) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.submitted = append(f.submitted, req)
	return fakeDocument(req, domain.StatusPending), nil
}

func (f *ingestFake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func fakeDocument(req domain.IngestRequest, status domain.DocumentStatus) *domain.Document {
	now := time.Now().UTC()
	id := req.DocumentID
	if id == "" {
		id = "doc-1"
	}
	return &domain.Document{
		ID:        id,
		Source:    req.Source,
		MimeType:  "text/plain",
		Tags:      req.Tags,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type docsFake struct {
	err error
}

func (f docsFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: id, Source: "a.txt", MimeType: "text/plain", Status: domain.StatusIndexed}, nil
}

type askFake struct {
	mu       sync.Mutex
	err      error
	result   *domain.AskResult
	requests []domain.AskRequest
	history  []domain.Message
	limits   []domain.HistoryLimit
}

func (f *askFake) Ask(_ context.Context, req domain.AskRequest) (*domain.AskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.AskResult{
		SessionID: "s-1",
		MessageID: "m-1",
		Status:    domain.AskStatusAnswered,
		Answer:    "ok [S1]",
		Sources:   []domain.Source{{DocumentID: "doc-1", ChunkID: "c-1", Ordinal: 0}},
		Attempts:  1,
	}, nil
}

func (f *askFake) History(_ context.Context, _ string, limit domain.HistoryLimit) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return f.history, nil
}

func newTestHandler(cfg config.Config) http.Handler {
	return NewRouter(cfg, &ingestFake{}, docsFake{}, &askFake{}).Handler()
}
