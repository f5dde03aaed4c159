package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

const maxSearchRounds = 3

type RetrievalConfig struct {
	TopK             int
	Oversample       int
	MaxContextTokens int
	MinScore         float64
	Timeout          time.Duration
}

func (c RetrievalConfig) normalize() RetrievalConfig {
	out := c
	if out.TopK <= 0 {
		out.TopK = 5
	}
	if out.Oversample <= 0 {
		out.Oversample = 4
	}
	return out
}

// RetrievalEngine turns a question into the chunks an answer may cite.
type RetrievalEngine struct {
	embedder ports.Embedder
	index    ports.VectorIndex
	chunks   ports.ChunkStore
	docs     ports.DocumentRepository
	cfg      RetrievalConfig
}

func NewRetrievalEngine(
	embedder ports.Embedder,
	index ports.VectorIndex,
	chunks ports.ChunkStore,
	docs ports.DocumentRepository,
	cfg RetrievalConfig,
) *RetrievalEngine {
	return &RetrievalEngine{
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		docs:     docs,
		cfg:      cfg.normalize(),
	}
}

// Retrieve returns at most TopK chunks of indexed documents ordered by score
// descending, then ordinal, then newest document, then chunk id. The total
// token count stays within MaxContextTokens; selection stops at the first
// chunk that would exceed it. No match yields an empty slice.
func (e *RetrievalEngine) Retrieve(ctx context.Context, q domain.RetrievalQuery) ([]domain.RetrievedChunk, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query text is empty"))
	}
	topK := q.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	budget := q.MaxContextTokens
	if budget <= 0 {
		budget = e.cfg.MaxContextTokens
	}
	minScore := e.cfg.MinScore
	if q.MinScore != nil {
		minScore = *q.MinScore
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	candidates, err := e.candidates(ctx, q, topK, minScore)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.WrapError(domain.ErrRetrievalTimeout, "retrieve", err)
		}
		return nil, err
	}

	sortRetrieved(candidates)
	return selectWithinBudget(candidates, topK, budget), nil
}

func (e *RetrievalEngine) candidates(ctx context.Context, q domain.RetrievalQuery, topK int, minScore float64) ([]domain.RetrievedChunk, error) {
	vector, err := e.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	k := topK * e.cfg.Oversample
	var out []domain.RetrievedChunk
	for round := 0; round < maxSearchRounds; round++ {
		hits, err := e.index.Search(ctx, vector, k, domain.IndexFilter{DocumentIDs: q.Filter.DocumentIDs})
		if err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		out, err = e.resolve(ctx, hits, q.Filter, minScore)
		if err != nil {
			return nil, err
		}
		// Fewer hits than requested means the index has nothing more to offer.
		if len(out) >= topK || len(hits) < k {
			break
		}
		k *= 2
	}
	return out, nil
}

// resolve loads chunk text and document state for hits and drops anything that
// is not visible to this query.
func (e *RetrievalEngine) resolve(ctx context.Context, hits []domain.ScoredChunk, filter domain.SearchFilter, minScore float64) ([]domain.RetrievedChunk, error) {
	if len(hits) == 0 {
		return []domain.RetrievedChunk{}, nil
	}

	chunkIDs := make([]string, 0, len(hits))
	docSet := make(map[string]struct{})
	docIDs := make([]string, 0)
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		chunkIDs = append(chunkIDs, hit.ChunkID)
		if _, ok := docSet[hit.DocumentID]; !ok {
			docSet[hit.DocumentID] = struct{}{}
			docIDs = append(docIDs, hit.DocumentID)
		}
	}
	if len(chunkIDs) == 0 {
		return []domain.RetrievedChunk{}, nil
	}

	chunks, err := e.chunks.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	docs, err := e.docs.GetByIDs(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	allowed := make(map[string]struct{}, len(filter.DocumentIDs))
	for _, id := range filter.DocumentIDs {
		allowed[id] = struct{}{}
	}

	out := make([]domain.RetrievedChunk, 0, len(chunkIDs))
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		chunk, ok := chunks[hit.ChunkID]
		if !ok {
			continue
		}
		doc, ok := docs[chunk.DocumentID]
		if !ok || doc.Status != domain.StatusIndexed || !doc.HasTags(filter.Tags) {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[chunk.DocumentID]; !ok {
				continue
			}
		}
		var indexedAt int64
		if doc.IndexedAt != nil {
			indexedAt = doc.IndexedAt.UnixNano()
		}
		chunk.Embedding = nil
		out = append(out, domain.RetrievedChunk{
			Chunk:     chunk,
			Score:     hit.Score,
			Source:    doc.Source,
			IndexedAt: indexedAt,
		})
	}
	return out, nil
}

func sortRetrieved(items []domain.RetrievedChunk) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Ordinal != b.Chunk.Ordinal {
			return a.Chunk.Ordinal < b.Chunk.Ordinal
		}
		if a.IndexedAt != b.IndexedAt {
			return a.IndexedAt > b.IndexedAt
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

func selectWithinBudget(sorted []domain.RetrievedChunk, topK, budget int) []domain.RetrievedChunk {
	out := make([]domain.RetrievedChunk, 0, min(topK, len(sorted)))
	used := 0
	for _, item := range sorted {
		if len(out) == topK {
			break
		}
		if budget > 0 && used+item.Chunk.TokenCount > budget {
			break
		}
		used += item.Chunk.TokenCount
		out = append(out, item)
	}
	return out
}
