package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

const (
	modeSync  = "sync"
	modeAsync = "async"
)

// IngestObserver receives per-document pipeline outcomes.
type IngestObserver interface {
	StartDocument()
	FinishDocument(mode string, chunks int, duration time.Duration, err error)
}

type ProcessDocumentUseCase struct {
	repo      ports.DocumentRepository
	chunks    ports.ChunkStore
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	chunker   ports.Chunker
	embedder  ports.Embedder
	index     ports.VectorIndex
	observer  IngestObserver

	locks documentLocks
	now   func() time.Time
}

func NewProcessDocumentUseCase(
	repo ports.DocumentRepository,
	chunks ports.ChunkStore,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	embedder ports.Embedder,
	index ports.VectorIndex,
	observer IngestObserver,
) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		repo:      repo,
		chunks:    chunks,
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		observer:  observer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessByID runs the pipeline for a document staged by Submit. Deliveries
// for documents that are already indexed or no longer exist are acknowledged
// without work.
func (uc *ProcessDocumentUseCase) ProcessByID(ctx context.Context, documentID string) error {
	unlock := uc.locks.lock(documentID)
	defer unlock()

	doc, err := uc.repo.GetByID(ctx, documentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			slog.Warn("ingest_event_unknown_document", "document_id", documentID)
			return nil
		}
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if uc.storage == nil {
		return domain.WrapError(domain.ErrInvalidInput, "process document", errors.New("staging storage is not configured"))
	}

	req, err := uc.loadStaged(ctx, documentID)
	if err != nil {
		if doc.Status == domain.StatusIndexed {
			return nil
		}
		if failErr := uc.markFailed(ctx, documentID, err); failErr != nil {
			return fmt.Errorf("%w; mark failed status: %v", err, failErr)
		}
		return err
	}

	if err := uc.run(ctx, doc, req, modeAsync); err != nil {
		return err
	}

	if err := uc.storage.Remove(ctx, stagingKey(documentID)); err != nil {
		slog.Warn("staged_payload_remove_failed", "document_id", documentID, "error", err)
	}
	return nil
}

func (uc *ProcessDocumentUseCase) loadStaged(ctx context.Context, documentID string) (domain.IngestRequest, error) {
	rc, err := uc.storage.Open(ctx, stagingKey(documentID))
	if err != nil {
		return domain.IngestRequest{}, fmt.Errorf("open staged payload: %w", err)
	}
	defer rc.Close()

	var req domain.IngestRequest
	if err := json.NewDecoder(rc).Decode(&req); err != nil {
		return domain.IngestRequest{}, domain.WrapError(domain.ErrExtractionFailed, "decode staged payload", err)
	}
	return req, nil
}

// run executes extract, chunk, embed, and index for doc. On failure every
// chunk written by this run is removed and the document is marked failed.
func (uc *ProcessDocumentUseCase) run(ctx context.Context, doc *domain.Document, req domain.IngestRequest, mode string) error {
	start := time.Now()
	if uc.observer != nil {
		uc.observer.StartDocument()
	}

	count, err := uc.pipeline(ctx, doc, req)
	if err != nil {
		if failErr := uc.markFailed(ctx, doc.ID, err); failErr != nil {
			err = fmt.Errorf("%w; mark failed status: %v", err, failErr)
		}
	}

	if uc.observer != nil {
		uc.observer.FinishDocument(mode, count, time.Since(start), err)
	}
	if err != nil {
		slog.Error("document_ingest_failed", "document_id", doc.ID, "mode", mode, "error", err)
		return err
	}
	slog.Info("document_indexed", "document_id", doc.ID, "mode", mode, "chunks", count,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0)
	return nil
}

func (uc *ProcessDocumentUseCase) pipeline(ctx context.Context, doc *domain.Document, req domain.IngestRequest) (int, error) {
	text, err := uc.extractText(ctx, doc.MimeType, req)
	if err != nil {
		return 0, err
	}

	chunks, err := uc.chunk(doc.ID, text)
	if err != nil {
		return 0, err
	}
	if err := uc.markStatus(ctx, doc.ID, domain.StatusChunked, ""); err != nil {
		return 0, fmt.Errorf("set status=chunked: %w", err)
	}

	if err := uc.embed(ctx, doc.ID, chunks); err != nil {
		return 0, err
	}

	previous, err := uc.chunks.ListChunks(ctx, doc.ID)
	if err != nil {
		return 0, fmt.Errorf("list previous chunks: %w", err)
	}

	if err := uc.indexChunks(ctx, chunks); err != nil {
		return 0, err
	}

	if stale := staleChunkIDs(previous, chunks); len(stale) > 0 {
		if err := uc.removeChunks(ctx, stale); err != nil {
			uc.rollback(ctx, chunks)
			return 0, fmt.Errorf("remove previous chunks: %w", err)
		}
	}

	if err := uc.repo.MarkIndexed(ctx, doc.ID, len(chunks)); err != nil {
		uc.rollback(ctx, chunks)
		return 0, fmt.Errorf("set status=indexed: %w", err)
	}
	return len(chunks), nil
}

func (uc *ProcessDocumentUseCase) extractText(ctx context.Context, mimeType string, req domain.IngestRequest) (string, error) {
	text := req.Text
	if len(req.Content) > 0 {
		extracted, err := uc.extractor.Extract(ctx, mimeType, req.Content)
		if err != nil {
			if domain.IsKind(err, domain.ErrUnsupportedFormat) || domain.IsKind(err, domain.ErrExtractionFailed) {
				return "", fmt.Errorf("extract text: %w", err)
			}
			return "", domain.WrapError(domain.ErrExtractionFailed, "extract text", err)
		}
		text = extracted
	}
	if strings.TrimSpace(text) == "" {
		return "", domain.WrapError(domain.ErrExtractionFailed, "extract text", errors.New("document has no text"))
	}
	return text, nil
}

func (uc *ProcessDocumentUseCase) chunk(documentID, text string) ([]domain.Chunk, error) {
	spans := uc.chunker.Split(text)
	if len(spans) == 0 {
		return nil, domain.WrapError(domain.ErrExtractionFailed, "chunk document", errors.New("chunking produced zero chunks"))
	}

	now := uc.now()
	chunks := make([]domain.Chunk, 0, len(spans))
	for i, span := range spans {
		chunks = append(chunks, domain.Chunk{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			Ordinal:    i,
			Text:       span.Text,
			TokenCount: span.TokenCount,
			Offset:     span.Offset,
			CreatedAt:  now,
		})
	}
	return chunks, nil
}

func (uc *ProcessDocumentUseCase) embed(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}

	vectors, err := uc.embedder.Embed(ctx, texts)
	if err != nil {
		failed := make([]string, 0, len(chunks))
		var batchErr *domain.EmbeddingBatchError
		if errors.As(err, &batchErr) {
			for _, idx := range batchErr.Indexes {
				if idx >= 0 && idx < len(chunks) {
					failed = append(failed, chunks[idx].ID)
				}
			}
		} else {
			for i := range chunks {
				failed = append(failed, chunks[i].ID)
			}
		}
		return &domain.EmbeddingFailedError{DocumentID: documentID, ChunkIDs: failed, Err: err}
	}
	if len(vectors) != len(chunks) {
		return &domain.EmbeddingFailedError{
			DocumentID: documentID,
			Err:        fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(chunks)),
		}
	}

	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return nil
}

func (uc *ProcessDocumentUseCase) indexChunks(ctx context.Context, chunks []domain.Chunk) error {
	if err := uc.chunks.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("save chunks: %w", err)
	}

	for i := range chunks {
		if err := ctx.Err(); err != nil {
			uc.rollback(ctx, chunks)
			return fmt.Errorf("index chunks: %w", err)
		}
		_, err := uc.index.Insert(ctx, domain.IndexEntry{
			ChunkID:    chunks[i].ID,
			DocumentID: chunks[i].DocumentID,
			Vector:     chunks[i].Embedding,
		})
		if err != nil {
			uc.rollback(ctx, chunks)
			return fmt.Errorf("insert chunk %d into index: %w", chunks[i].Ordinal, err)
		}
	}
	return nil
}

// rollback removes chunks written by a failed run. It ignores cancellation of
// ctx so a cancelled ingest still leaves no partial state.
func (uc *ProcessDocumentUseCase) rollback(ctx context.Context, chunks []domain.Chunk) {
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := uc.removeChunks(cleanupCtx, ids); err != nil {
		slog.Error("ingest_rollback_failed", "document_id", chunks[0].DocumentID, "chunks", len(ids), "error", err)
	}
}

func (uc *ProcessDocumentUseCase) removeChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := uc.index.Delete(ctx, ids); err != nil {
		return fmt.Errorf("delete from index: %w", err)
	}
	if err := uc.chunks.DeleteChunks(ctx, ids); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (uc *ProcessDocumentUseCase) markStatus(ctx context.Context, documentID string, status domain.DocumentStatus, errMessage string) error {
	return uc.repo.UpdateStatus(ctx, documentID, status, errMessage)
}

func (uc *ProcessDocumentUseCase) markFailed(ctx context.Context, documentID string, processErr error) error {
	if processErr == nil {
		return nil
	}
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return uc.markStatus(statusCtx, documentID, domain.StatusFailed, processErr.Error())
}

func staleChunkIDs(previous, current []domain.Chunk) []string {
	keep := make(map[string]struct{}, len(current))
	for _, c := range current {
		keep[c.ID] = struct{}{}
	}
	out := make([]string, 0, len(previous))
	for _, c := range previous {
		if _, ok := keep[c.ID]; !ok {
			out = append(out, c.ID)
		}
	}
	return out
}

func stagingKey(documentID string) string {
	return "ingest-" + documentID + ".json"
}

// documentLocks serializes pipeline runs per document id.
type documentLocks struct {
	mu    sync.Mutex
	items map[string]*documentLock
}

type documentLock struct {
	mu   sync.Mutex
	refs int
}

func (l *documentLocks) lock(id string) func() {
	l.mu.Lock()
	if l.items == nil {
		l.items = make(map[string]*documentLock)
	}
	entry, ok := l.items[id]
	if !ok {
		entry = &documentLock{}
		l.items[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.items, id)
		}
		l.mu.Unlock()
	}
}
