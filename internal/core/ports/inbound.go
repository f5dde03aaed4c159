package ports

import (
	"context"

	"github.com/kirillkom/askrag/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document ingestion.
type DocumentIngestor interface {
	// Ingest runs the full pipeline synchronously and returns the indexed document.
	Ingest(ctx context.Context, req domain.IngestRequest) (*domain.Document, error)
	// Submit stages the request and hands it to background workers.
	Submit(ctx context.Context, req domain.IngestRequest) (*domain.Document, error)
	Delete(ctx context.Context, documentID string) error
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentProcessor is the inbound contract for asynchronous document processing.
type DocumentProcessor interface {
	ProcessByID(ctx context.Context, documentID string) error
}

// AskService answers questions over the indexed corpus within a session.
type AskService interface {
	Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResult, error)
	History(ctx context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error)
}
