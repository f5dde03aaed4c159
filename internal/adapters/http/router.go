package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/askrag/internal/config"
	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

type Router struct {
	cfg    config.Config
	ingest ports.DocumentIngestor
	docs   ports.DocumentReader
	ask    ports.AskService

	metricsMiddleware func(http.Handler) http.Handler
	metricsHandler    http.Handler
}

type RouterOption func(*Router)

// WithMetrics instruments every request with mw and exposes handler on GET /metrics.
func WithMetrics(mw func(http.Handler) http.Handler, handler http.Handler) RouterOption {
	return func(rt *Router) {
		rt.metricsMiddleware = mw
		rt.metricsHandler = handler
	}
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	docs ports.DocumentReader,
	ask ports.AskService,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:    cfg,
		ingest: ingest,
		docs:   docs,
		ask:    ask,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metricsHandler != nil {
		mux.Handle("GET /metrics", rt.metricsHandler)
	}
	mux.HandleFunc("POST /v1/documents", rt.ingestDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/ask", rt.askQuestion)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", rt.sessionHistory)

	var handler http.Handler = mux
	validator, err := newRequestValidator()
	if err != nil {
		slog.Error("openapi_validator_disabled", "error", err)
	} else {
		handler = validator.middleware(handler)
	}
	if rt.cfg.APIMaxBodyBytes > 0 {
		handler = maxBodyMiddleware(handler, rt.cfg.APIMaxBodyBytes)
	}
	if rt.cfg.APIMaxInFlight > 0 {
		handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait)
	}
	if rt.cfg.APIRateLimitRPS > 0 {
		handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	}
	if rt.metricsMiddleware != nil {
		handler = rt.metricsMiddleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ingestDocumentRequest struct {
	DocumentID string   `json:"document_id"`
	Source     string   `json:"source"`
	MimeType   string   `json:"mime_type"`
	Text       string   `json:"text"`
	Content    []byte   `json:"content"`
	Tags       []string `json:"tags"`
	Async      *bool    `json:"async"`
}

func (rt *Router) ingestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	async := rt.cfg.IngestMode == config.IngestModeAsync
	if req.Async != nil {
		async = *req.Async
	}

	in := domain.IngestRequest{
		DocumentID: req.DocumentID,
		Source:     req.Source,
		MimeType:   req.MimeType,
		Text:       req.Text,
		Content:    req.Content,
		Tags:       req.Tags,
	}

	if async {
		doc, err := rt.ingest.Submit(r.Context(), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, doc)
		return
	}

	doc, err := rt.ingest.Ingest(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.docs.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.ingest.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) askQuestion(w http.ResponseWriter, r *http.Request) {
	var req domain.AskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeErrorMessage(w, r, http.StatusBadRequest, "query is required")
		return
	}

	result, err := rt.ask.Ask(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) sessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	limit, err := parseHistoryLimit(r)
	if err != nil {
		writeErrorMessage(w, r, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := rt.ask.History(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func parseHistoryLimit(r *http.Request) (domain.HistoryLimit, error) {
	var limit domain.HistoryLimit
	query := r.URL.Query()
	if raw := query.Get("max_messages"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return limit, fmt.Errorf("max_messages must be a positive integer")
		}
		limit.MaxMessages = n
	}
	if raw := query.Get("max_tokens"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return limit, fmt.Errorf("max_tokens must be a positive integer")
		}
		limit.MaxTokens = n
	}
	return limit, nil
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeErrorMessage(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
		return
	}
	writeErrorMessage(w, r, http.StatusBadRequest, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
