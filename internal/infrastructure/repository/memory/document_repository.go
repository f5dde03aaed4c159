// Package memory keeps repositories in process memory for single-node
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
)

type DocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{docs: make(map[string]domain.Document)}
}

func (r *DocumentRepository) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = cloneDocument(*doc)
	return nil
}

func (r *DocumentRepository) GetByID(_ context.Context, id string) (*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	out := cloneDocument(doc)
	return &out, nil
}

func (r *DocumentRepository) GetByIDs(_ context.Context, ids []string) (map[string]*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*domain.Document, len(ids))
	for _, id := range ids {
		if doc, ok := r.docs[id]; ok {
			c := cloneDocument(doc)
			out[id] = &c
		}
	}
	return out, nil
}

func (r *DocumentRepository) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	return r.update(id, "update document status", func(doc *domain.Document) {
		doc.Status = status
		doc.Error = errMessage
	})
}

func (r *DocumentRepository) MarkIndexed(_ context.Context, id string, chunkCount int) error {
	return r.update(id, "mark document indexed", func(doc *domain.Document) {
		now := time.Now().UTC()
		doc.Status = domain.StatusIndexed
		doc.Error = ""
		doc.ChunkCount = chunkCount
		doc.IndexedAt = &now
	})
}

func (r *DocumentRepository) ListByStatus(_ context.Context, status domain.DocumentStatus) ([]domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Document, 0)
	for _, doc := range r.docs {
		if doc.Status == status {
			out = append(out, cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *DocumentRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	delete(r.docs, id)
	return nil
}

func (r *DocumentRepository) update(id, operation string, fn func(*domain.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, operation, fmt.Errorf("id=%s", id))
	}
	fn(&doc)
	doc.UpdatedAt = time.Now().UTC()
	r.docs[id] = doc
	return nil
}

func cloneDocument(doc domain.Document) domain.Document {
	doc.Tags = append([]string(nil), doc.Tags...)
	if doc.IndexedAt != nil {
		t := *doc.IndexedAt
		doc.IndexedAt = &t
	}
	return doc
}
