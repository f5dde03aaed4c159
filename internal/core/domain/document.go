package domain

import "time"

type DocumentStatus string

const (
	StatusPending DocumentStatus = "pending"
	StatusChunked DocumentStatus = "chunked"
	StatusIndexed DocumentStatus = "indexed"
	StatusFailed  DocumentStatus = "failed"
)

type Document struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	MimeType   string         `json:"mime_type"`
	Tags       []string       `json:"tags,omitempty"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	IndexedAt  *time.Time     `json:"indexed_at,omitempty"`
}

// HasTags reports whether the document carries every tag in want.
func (d *Document) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range d.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SourceOffset is a byte range in the extracted document text.
type SourceOffset struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TextSpan is one chunk window produced by a Chunker, before ids are assigned.
type TextSpan struct {
	Text       string
	Offset     SourceOffset
	TokenCount int
}

type Chunk struct {
	ID         string       `json:"id"`
	DocumentID string       `json:"document_id"`
	Ordinal    int          `json:"ordinal"`
	Text       string       `json:"text"`
	TokenCount int          `json:"token_count"`
	Offset     SourceOffset `json:"source_offset"`
	Embedding  []float32    `json:"embedding,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// IngestRequest is validated at the boundary. Either Text (already extracted)
// or Content (raw bytes of MimeType) must be set.
type IngestRequest struct {
	DocumentID string   `json:"document_id,omitempty"`
	Source     string   `json:"source"`
	MimeType   string   `json:"mime_type"`
	Text       string   `json:"text,omitempty"`
	Content    []byte   `json:"content,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}
