package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

type IngestDocumentUseCase struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	queue     ports.MessageQueue
	extractor ports.TextExtractor
	processor *ProcessDocumentUseCase
}

// NewIngestDocumentUseCase builds the ingestion entry point. storage and
// queue may be nil, in which case Submit is unavailable.
func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
	extractor ports.TextExtractor,
	processor *ProcessDocumentUseCase,
) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		repo:      repo,
		storage:   storage,
		queue:     queue,
		extractor: extractor,
		processor: processor,
	}
}

// Ingest runs the pipeline inline and returns the final document state.
func (uc *IngestDocumentUseCase) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.Document, error) {
	doc, req, err := uc.prepare(req)
	if err != nil {
		return nil, err
	}

	unlock := uc.processor.locks.lock(doc.ID)
	defer unlock()

	if err := uc.createPending(ctx, doc); err != nil {
		return nil, err
	}
	if err := uc.processor.run(ctx, doc, req, modeSync); err != nil {
		return nil, err
	}

	indexed, err := uc.repo.GetByID(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch indexed document: %w", err)
	}
	return indexed, nil
}

// Submit stages the request and publishes an ingestion event. The returned
// document is pending; workers move it to indexed or failed.
func (uc *IngestDocumentUseCase) Submit(ctx context.Context, req domain.IngestRequest) (*domain.Document, error) {
	if uc.storage == nil || uc.queue == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit document", errors.New("async ingestion is not configured"))
	}
	doc, req, err := uc.prepare(req)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode staged payload: %w", err)
	}
	if err := uc.storage.Save(ctx, stagingKey(doc.ID), bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	if err := uc.createPending(ctx, doc); err != nil {
		return nil, err
	}

	if err := uc.queue.PublishDocumentIngested(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("publish ingestion event: %w", err)
	}
	return doc, nil
}

// Delete removes a document, its chunks, and their index entries.
func (uc *IngestDocumentUseCase) Delete(ctx context.Context, documentID string) error {
	unlock := uc.processor.locks.lock(documentID)
	defer unlock()

	if _, err := uc.repo.GetByID(ctx, documentID); err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}

	chunks, err := uc.processor.chunks.ListChunks(ctx, documentID)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	if err := uc.processor.removeChunks(ctx, ids); err != nil {
		return err
	}

	if err := uc.repo.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if uc.storage != nil {
		if err := uc.storage.Remove(ctx, stagingKey(documentID)); err != nil {
			slog.Warn("staged_payload_remove_failed", "document_id", documentID, "error", err)
		}
	}
	slog.Info("document_deleted", "document_id", documentID, "chunks", len(ids))
	return nil
}

func (uc *IngestDocumentUseCase) GetByID(ctx context.Context, documentID string) (*domain.Document, error) {
	return uc.repo.GetByID(ctx, documentID)
}

func (uc *IngestDocumentUseCase) createPending(ctx context.Context, doc *domain.Document) error {
	existing, err := uc.repo.GetByID(ctx, doc.ID)
	switch {
	case err == nil:
		doc.CreatedAt = existing.CreatedAt
	case !domain.IsKind(err, domain.ErrDocumentNotFound):
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		return fmt.Errorf("create document metadata: %w", err)
	}
	return nil
}

// prepare validates req and resolves its mime type. Unsupported formats are
// rejected before anything is written.
func (uc *IngestDocumentUseCase) prepare(req domain.IngestRequest) (*domain.Document, domain.IngestRequest, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Content) == 0 {
		return nil, req, domain.WrapError(domain.ErrInvalidInput, "ingest document", errors.New("text or content is required"))
	}
	if req.DocumentID == "" {
		req.DocumentID = uuid.NewString()
	}
	if !documentIDPattern.MatchString(req.DocumentID) {
		return nil, req, domain.WrapError(domain.ErrInvalidInput, "ingest document", fmt.Errorf("invalid document id %q", req.DocumentID))
	}

	if len(req.Content) == 0 && strings.TrimSpace(req.MimeType) == "" {
		req.MimeType = "text/plain"
	}
	req.MimeType = uc.resolveMimeType(req.MimeType, req.Content)
	if !uc.extractor.Supports(req.MimeType) {
		return nil, req, domain.WrapError(domain.ErrUnsupportedFormat, "ingest document", fmt.Errorf("mime type %q", req.MimeType))
	}

	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		req.Source = req.DocumentID
	}
	req.Tags = normalizeTags(req.Tags)

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:        req.DocumentID,
		Source:    req.Source,
		MimeType:  req.MimeType,
		Tags:      req.Tags,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return doc, req, nil
}

func (uc *IngestDocumentUseCase) resolveMimeType(declared string, raw []byte) string {
	if resolver, ok := uc.extractor.(ports.MimeTypeResolver); ok {
		return resolver.ResolveMimeType(declared, raw)
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mediaType
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
