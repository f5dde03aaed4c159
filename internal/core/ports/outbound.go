package ports

import (
	"context"
	"io"

	"github.com/kirillkom/askrag/internal/core/domain"
)

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error
	MarkIndexed(ctx context.Context, id string, chunkCount int) error
	ListByStatus(ctx context.Context, status domain.DocumentStatus) ([]domain.Document, error)
	Delete(ctx context.Context, id string) error
}

// ChunkStore keeps chunk text and vectors so the index can be rebuilt and
// search hits can be resolved.
type ChunkStore interface {
	SaveChunks(ctx context.Context, chunks []domain.Chunk) error
	GetChunks(ctx context.Context, ids []string) (map[string]domain.Chunk, error)
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
	ListAllChunks(ctx context.Context, fn func(domain.Chunk) error) error
	DeleteChunks(ctx context.Context, ids []string) error
}

// ObjectStorage stores staged ingestion payloads.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// MessageQueue publishes/consumes ingestion events.
type MessageQueue interface {
	PublishDocumentIngested(ctx context.Context, documentID string) error
	SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error
}

// TextExtractor turns raw bytes of a supported mime type into plain text.
type TextExtractor interface {
	Supports(mimeType string) bool
	Extract(ctx context.Context, mimeType string, raw []byte) (string, error)
}

// Embedder builds vectors for chunks and query text. Embed returns vectors in
// input order; inputs that could not be embedded are reported through
// *domain.EmbeddingBatchError.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Chunker splits text into overlapping token windows.
type Chunker interface {
	Split(text string) []domain.TextSpan
}

// VectorIndex stores chunk vectors and answers nearest-neighbour queries.
type VectorIndex interface {
	Insert(ctx context.Context, entry domain.IndexEntry) (int64, error)
	Search(ctx context.Context, query []float32, k int, filter domain.IndexFilter) ([]domain.ScoredChunk, error)
	Delete(ctx context.Context, chunkIDs []string) error
}

// MaintainableIndex is implemented by indexes that own their storage.
type MaintainableIndex interface {
	VectorIndex
	Stats() domain.IndexStats
	Compact(ctx context.Context) error
	Persist(ctx context.Context) error
	Load(ctx context.Context) error
	Reset()
}

// LanguageModel completes a prompt.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string, opts domain.GenerationOptions) (string, error)
}

// SessionStore persists conversation history. Append reports false when a
// message with the same id is already stored in that session.
type SessionStore interface {
	EnsureSession(ctx context.Context, sessionID, owner string) (*domain.Session, error)
	Append(ctx context.Context, sessionID string, msg domain.Message) (bool, error)
	History(ctx context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error)
	Message(ctx context.Context, sessionID, messageID string) (*domain.Message, error)
}

// MimeTypeResolver is implemented by extractors that can normalize and sniff
// mime types.
type MimeTypeResolver interface {
	ResolveMimeType(declared string, raw []byte) string
}
