package domain

// SearchFilter restricts retrieval to documents matching every set field.
type SearchFilter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// IndexFilter is the subset of SearchFilter a VectorIndex evaluates itself.
type IndexFilter struct {
	DocumentIDs []string
}

// IndexEntry maps an index-local vector id to a chunk.
type IndexEntry struct {
	VectorID   int64
	ChunkID    string
	DocumentID string
	Vector     []float32
}

// ScoredChunk is one QueryResult row.
type ScoredChunk struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

type IndexStats struct {
	Entries    int `json:"entries"`
	Tombstones int `json:"tombstones"`
	Dimension  int `json:"dimension"`
}

type RetrievalQuery struct {
	Text             string
	TopK             int
	MaxContextTokens int
	// MinScore overrides the configured threshold when set; hits scoring
	// below it are dropped.
	MinScore *float64
	Filter   SearchFilter
}

type RetrievedChunk struct {
	Chunk     Chunk   `json:"chunk"`
	Score     float64 `json:"score"`
	Source    string  `json:"source"`
	IndexedAt int64   `json:"-"`
}

// Source points an answer back to the chunk that supported it.
type Source struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Ordinal    int    `json:"ordinal"`
}

func SourceOf(c RetrievedChunk) Source {
	return Source{
		DocumentID: c.Chunk.DocumentID,
		ChunkID:    c.Chunk.ID,
		Ordinal:    c.Chunk.Ordinal,
	}
}

type GenerationOptions struct {
	MaxTokens   int
	Temperature float64
}

type Synthesis struct {
	Answer           string   `json:"answer"`
	Citations        []string `json:"citations"`
	Attempts         int      `json:"attempts"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
}

type AskStatus string

const (
	AskStatusAnswered  AskStatus = "answered"
	AskStatusNoContext AskStatus = "no_context"
)

type AskRequest struct {
	Query            string       `json:"query"`
	SessionID        string       `json:"session_id,omitempty"`
	MessageID        string       `json:"message_id,omitempty"`
	Owner            string       `json:"owner,omitempty"`
	TopK             int          `json:"top_k,omitempty"`
	MaxContextTokens int          `json:"max_context_tokens,omitempty"`
	MinScore         *float64     `json:"min_score,omitempty"`
	Filter           SearchFilter `json:"filter"`
}

type AskResult struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Status    AskStatus `json:"status"`
	Answer    string    `json:"answer_text"`
	Sources   []Source  `json:"sources"`
	Attempts  int       `json:"attempts,omitempty"`
	Replayed  bool      `json:"replayed,omitempty"`
}
