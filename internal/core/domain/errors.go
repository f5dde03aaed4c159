package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrEmbeddingFailed   = errors.New("embedding failed")
	ErrIndexCorruption   = errors.New("index corruption")
	ErrRetrievalTimeout  = errors.New("retrieval timeout")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrSessionConflict   = errors.New("session conflict")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// EmbeddingBatchError reports which input positions of an Embed call have no vector.
type EmbeddingBatchError struct {
	Indexes []int
	Err     error
}

func (e *EmbeddingBatchError) Error() string {
	return fmt.Sprintf("embedding failed for %d input(s): %v", len(e.Indexes), e.Err)
}

func (e *EmbeddingBatchError) Unwrap() []error {
	return []error{ErrEmbeddingFailed, e.Err}
}

// EmbeddingFailedError names the chunks of a document that could not be embedded.
type EmbeddingFailedError struct {
	DocumentID string
	ChunkIDs   []string
	Err        error
}

func (e *EmbeddingFailedError) Error() string {
	return fmt.Sprintf("embedding failed for document %s chunks [%s]: %v",
		e.DocumentID, strings.Join(e.ChunkIDs, ","), e.Err)
}

func (e *EmbeddingFailedError) Unwrap() []error {
	return []error{ErrEmbeddingFailed, e.Err}
}

// GenerationError is returned instead of an answer when the language model
// keeps failing.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Err}
}
