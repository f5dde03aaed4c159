// Package mcpadapter exposes the question answering service as MCP tools.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

type Server struct {
	ingest ports.DocumentIngestor
	ask    ports.AskService
}

func NewServer(ingest ports.DocumentIngestor, ask ports.AskService) *Server {
	return &Server{ingest: ingest, ask: ask}
}

// MCPServer builds an MCP server with the ask, ingest_text and session_history tools.
func (s *Server) MCPServer(name, version string) *server.MCPServer {
	srv := server.NewMCPServer(name, version, server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Answers a question from the indexed documents and records it in a session."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question to answer.")),
		mcp.WithString("session_id", mcp.Description("Conversation session id. A new session is created when empty.")),
		mcp.WithString("message_id", mcp.Description("Client message id used for idempotent retries.")),
		mcp.WithString("tags", mcp.Description("Comma separated tags every cited document must carry.")),
		mcp.WithString("document_ids", mcp.Description("Comma separated document ids to restrict retrieval to.")),
		mcp.WithNumber("top_k", mcp.Description("Maximum number of context chunks.")),
	), s.handleAsk)

	srv.AddTool(mcp.NewTool("ingest_text",
		mcp.WithDescription("Indexes a plain text document so it can be used as answer context."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Document text.")),
		mcp.WithString("document_id", mcp.Description("Stable document id. Re-ingesting the same id replaces its chunks.")),
		mcp.WithString("source", mcp.Description("Human readable origin shown in citations.")),
		mcp.WithString("tags", mcp.Description("Comma separated tags.")),
	), s.handleIngestText)

	srv.AddTool(mcp.NewTool("session_history",
		mcp.WithDescription("Returns the messages of a session, oldest first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id.")),
		mcp.WithNumber("max_messages", mcp.Description("Keep at most this many trailing messages.")),
		mcp.WithNumber("max_tokens", mcp.Description("Keep trailing messages within this token budget.")),
	), s.handleSessionHistory)

	return srv
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.ask.Ask(ctx, domain.AskRequest{
		Query:     query,
		SessionID: req.GetString("session_id", ""),
		MessageID: req.GetString("message_id", ""),
		TopK:      int(req.GetFloat("top_k", 0)),
		Filter: domain.SearchFilter{
			Tags:        splitList(req.GetString("tags", "")),
			DocumentIDs: splitList(req.GetString("document_ids", "")),
		},
	})
	if err != nil {
		return toolError("ask", err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleIngestText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	doc, err := s.ingest.Ingest(ctx, domain.IngestRequest{
		DocumentID: req.GetString("document_id", ""),
		Source:     req.GetString("source", ""),
		MimeType:   "text/plain",
		Text:       text,
		Tags:       splitList(req.GetString("tags", "")),
	})
	if err != nil {
		return toolError("ingest_text", err), nil
	}
	return jsonResult(doc)
}

func (s *Server) handleSessionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	messages, err := s.ask.History(ctx, sessionID, domain.HistoryLimit{
		MaxMessages: int(req.GetFloat("max_messages", 0)),
		MaxTokens:   int(req.GetFloat("max_tokens", 0)),
	})
	if err != nil {
		return toolError("session_history", err), nil
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return jsonResult(map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func toolError(tool string, err error) *mcp.CallToolResult {
	slog.Warn("mcp_tool_failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
