package chunking

import (
	"strings"

	"github.com/kirillkom/askrag/internal/core/domain"
)

const (
	DefaultChunkSize = 512
	DefaultOverlap   = 64
)

// Splitter cuts text into windows of ChunkSize tokens. Every chunk after the
// first starts with the last Overlap tokens of the previous chunk, so chunk i
// covers tokens [i*ChunkSize-Overlap, (i+1)*ChunkSize).
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

func (s *Splitter) Split(text string) []domain.TextSpan {
	tokens := domain.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	n := len(tokens)
	out := make([]domain.TextSpan, 0, n/s.ChunkSize+1)
	for i := 0; i*s.ChunkSize < n; i++ {
		first := i*s.ChunkSize - s.Overlap
		if i == 0 || first < 0 {
			first = i * s.ChunkSize
		}
		last := (i + 1) * s.ChunkSize
		if last > n {
			last = n
		}
		start, end := tokens[first].Start, tokens[last-1].End
		out = append(out, domain.TextSpan{
			Text:       text[start:end],
			Offset:     domain.SourceOffset{Start: start, End: end},
			TokenCount: last - first,
		})
	}
	return out
}

// Reconstruct joins chunk texts produced with the given overlap back into the
// original text.
func Reconstruct(chunks []string, overlap int) string {
	var b strings.Builder
	for i, chunk := range chunks {
		if i == 0 || overlap == 0 {
			b.WriteString(chunk)
			continue
		}
		tokens := domain.Tokenize(chunk)
		if len(tokens) <= overlap {
			continue
		}
		b.WriteString(chunk[tokens[overlap].Start:])
	}
	return b.String()
}
