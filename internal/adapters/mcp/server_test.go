package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/askrag/internal/core/domain"
)

type ingestFake struct {
	requests []domain.IngestRequest
	err      error
}

func (f *ingestFake) Ingest(_ context.Context, req domain.IngestRequest) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &domain.Document{ID: req.DocumentID, Source: req.Source, Status: domain.StatusIndexed}, nil
}

func (f *ingestFake) Submit(context.Context, domain.IngestRequest) (*domain.Document, error) {
	return nil, errors.New("not used")
}

func (f *ingestFake) Delete(context.Context, string) error { return nil }

type askFake struct {
	requests []domain.AskRequest
	limits   []domain.HistoryLimit
	err      error
}

func (f *askFake) Ask(_ context.Context, req domain.AskRequest) (*domain.AskResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.AskResult{
		SessionID: "s-1",
		MessageID: "m-1",
		Status:    domain.AskStatusAnswered,
		Answer:    "Cats sleep a lot [S1]",
		Sources:   []domain.Source{{DocumentID: "pets", ChunkID: "c-1"}},
	}, nil
}

func (f *askFake) History(_ context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error) {
	f.limits = append(f.limits, limit)
	return []domain.Message{{ID: "m-1", SessionID: sessionID, Role: domain.RoleUser, Text: "hi"}}, nil
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestAskToolForwardsFilter(t *testing.T) {
	ask := &askFake{}
	srv := NewServer(&ingestFake{}, ask)

	res, err := srv.handleAsk(context.Background(), callRequest("ask", map[string]any{
		"query":      "do cats sleep?",
		"session_id": "s-1",
		"tags":       "pets, animals",
		"top_k":      float64(3),
	}))
	if err != nil {
		t.Fatalf("handleAsk() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}

	var result domain.AskResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != domain.AskStatusAnswered || len(result.Sources) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got := ask.requests[0]
	if got.TopK != 3 || got.SessionID != "s-1" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Filter.Tags) != 2 || got.Filter.Tags[1] != "animals" {
		t.Fatalf("unexpected tags: %v", got.Filter.Tags)
	}
}

func TestAskToolMissingQueryIsToolError(t *testing.T) {
	ask := &askFake{}
	srv := NewServer(&ingestFake{}, ask)

	res, err := srv.handleAsk(context.Background(), callRequest("ask", map[string]any{}))
	if err != nil {
		t.Fatalf("handleAsk() error = %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error for missing query")
	}
	if len(ask.requests) != 0 {
		t.Fatalf("ask must not be called")
	}
}

func TestAskToolReportsDomainErrors(t *testing.T) {
	srv := NewServer(&ingestFake{}, &askFake{err: &domain.GenerationError{Attempts: 3, Err: errors.New("down")}})

	res, err := srv.handleAsk(context.Background(), callRequest("ask", map[string]any{"query": "q"}))
	if err != nil {
		t.Fatalf("handleAsk() error = %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error")
	}
}

func TestIngestTextTool(t *testing.T) {
	ingest := &ingestFake{}
	srv := NewServer(ingest, &askFake{})

	res, err := srv.handleIngestText(context.Background(), callRequest("ingest_text", map[string]any{
		"text":        "Cats sleep sixteen hours a day.",
		"document_id": "pets",
		"tags":        "pets",
	}))
	if err != nil {
		t.Fatalf("handleIngestText() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if len(ingest.requests) != 1 {
		t.Fatalf("expected one ingest, got %d", len(ingest.requests))
	}
	got := ingest.requests[0]
	if got.DocumentID != "pets" || got.MimeType != "text/plain" || len(got.Tags) != 1 {
		t.Fatalf("unexpected ingest request: %+v", got)
	}
}

func TestSessionHistoryTool(t *testing.T) {
	ask := &askFake{}
	srv := NewServer(&ingestFake{}, ask)

	res, err := srv.handleSessionHistory(context.Background(), callRequest("session_history", map[string]any{
		"session_id":   "s-1",
		"max_messages": float64(10),
	}))
	if err != nil {
		t.Fatalf("handleSessionHistory() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if ask.limits[0].MaxMessages != 10 {
		t.Fatalf("unexpected limit: %+v", ask.limits[0])
	}
}

func TestMCPServerBuilds(t *testing.T) {
	if NewServer(&ingestFake{}, &askFake{}).MCPServer("askrag", "test") == nil {
		t.Fatalf("expected server")
	}
}
