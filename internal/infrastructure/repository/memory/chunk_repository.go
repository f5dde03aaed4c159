package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kirillkom/askrag/internal/core/domain"
)

type ChunkRepository struct {
	mu     sync.RWMutex
	chunks map[string]domain.Chunk
	byDoc  map[string]map[string]struct{}
	docs   *DocumentRepository
}

// NewChunkRepository creates a chunk store. docs is consulted by
// ListAllChunks to skip chunks of documents that are not indexed; it may be nil.
func NewChunkRepository(docs *DocumentRepository) *ChunkRepository {
	return &ChunkRepository{
		chunks: make(map[string]domain.Chunk),
		byDoc:  make(map[string]map[string]struct{}),
		docs:   docs,
	}
}

func (r *ChunkRepository) SaveChunks(_ context.Context, chunks []domain.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		r.chunks[c.ID] = c
		ids, ok := r.byDoc[c.DocumentID]
		if !ok {
			ids = make(map[string]struct{})
			r.byDoc[c.DocumentID] = ids
		}
		ids[c.ID] = struct{}{}
	}
	return nil
}

func (r *ChunkRepository) GetChunks(_ context.Context, ids []string) (map[string]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := r.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (r *ChunkRepository) ListChunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(documentID), nil
}

func (r *ChunkRepository) ListAllChunks(ctx context.Context, fn func(domain.Chunk) error) error {
	r.mu.RLock()
	docIDs := make([]string, 0, len(r.byDoc))
	for id := range r.byDoc {
		docIDs = append(docIDs, id)
	}
	r.mu.RUnlock()
	sort.Strings(docIDs)

	for _, docID := range docIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.docs != nil {
			doc, err := r.docs.GetByID(ctx, docID)
			if err != nil || doc.Status != domain.StatusIndexed {
				continue
			}
		}
		r.mu.RLock()
		chunks := r.listLocked(docID)
		r.mu.RUnlock()
		for _, c := range chunks {
			if err := fn(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *ChunkRepository) DeleteChunks(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		c, ok := r.chunks[id]
		if !ok {
			continue
		}
		delete(r.chunks, id)
		if set := r.byDoc[c.DocumentID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byDoc, c.DocumentID)
			}
		}
	}
	return nil
}

func (r *ChunkRepository) listLocked(documentID string) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(r.byDoc[documentID]))
	for id := range r.byDoc[documentID] {
		out = append(out, r.chunks[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}
