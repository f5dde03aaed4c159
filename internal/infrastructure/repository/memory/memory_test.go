package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
)

func TestDocumentRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository()
	now := time.Now().UTC()

	if err := repo.Create(ctx, &domain.Document{ID: "d1", Source: "a.txt", Status: domain.StatusPending, CreatedAt: now}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.MarkIndexed(ctx, "d1", 3); err != nil {
		t.Fatalf("MarkIndexed() error = %v", err)
	}
	doc, err := repo.GetByID(ctx, "d1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Status != domain.StatusIndexed || doc.ChunkCount != 3 || doc.IndexedAt == nil {
		t.Fatalf("unexpected document %+v", doc)
	}
	indexed, _ := repo.ListByStatus(ctx, domain.StatusIndexed)
	if len(indexed) != 1 {
		t.Fatalf("expected 1 indexed document, got %d", len(indexed))
	}
	if err := repo.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, "d1"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := repo.UpdateStatus(ctx, "d1", domain.StatusFailed, "x"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestChunkRepositoryListsOnlyIndexedDocuments(t *testing.T) {
	ctx := context.Background()
	docs := NewDocumentRepository()
	chunks := NewChunkRepository(docs)

	_ = docs.Create(ctx, &domain.Document{ID: "ready", Status: domain.StatusIndexed})
	_ = docs.Create(ctx, &domain.Document{ID: "pending", Status: domain.StatusChunked})
	_ = chunks.SaveChunks(ctx, []domain.Chunk{
		{ID: "r1", DocumentID: "ready", Ordinal: 1},
		{ID: "r0", DocumentID: "ready", Ordinal: 0},
		{ID: "p0", DocumentID: "pending", Ordinal: 0},
	})

	var seen []string
	if err := chunks.ListAllChunks(ctx, func(c domain.Chunk) error {
		seen = append(seen, c.ID)
		return nil
	}); err != nil {
		t.Fatalf("ListAllChunks() error = %v", err)
	}
	if len(seen) != 2 || seen[0] != "r0" || seen[1] != "r1" {
		t.Fatalf("unexpected chunks %v", seen)
	}

	_ = chunks.DeleteChunks(ctx, []string{"r0"})
	left, _ := chunks.ListChunks(ctx, "ready")
	if len(left) != 1 || left[0].ID != "r1" {
		t.Fatalf("unexpected chunks after delete %v", left)
	}
}

func TestSessionStoreAppendIsIdempotentPerMessageID(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()

	stored, err := store.Append(ctx, "s1", domain.Message{ID: "m1", Role: domain.RoleUser, Text: "hello"})
	if err != nil || !stored {
		t.Fatalf("Append() = %v, %v", stored, err)
	}
	stored, err = store.Append(ctx, "s1", domain.Message{ID: "m1", Role: domain.RoleUser, Text: "hello"})
	if err != nil || stored {
		t.Fatalf("duplicate Append() = %v, %v", stored, err)
	}
	if _, err := store.Append(ctx, "s2", domain.Message{ID: "m1"}); !domain.IsKind(err, domain.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
	if _, err := store.Message(ctx, "s1", "missing"); !domain.IsKind(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestSessionStoreConcurrentAppendsKeepTimestampsOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()
	base := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.Append(ctx, "s", domain.Message{
				ID:        fmt.Sprintf("m%d", i),
				Role:      domain.RoleUser,
				Text:      "q",
				CreatedAt: base.Add(time.Duration(20-i) * time.Millisecond),
			})
		}(i)
	}
	wg.Wait()

	history, _ := store.History(ctx, "s", domain.HistoryLimit{})
	if len(history) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Fatalf("timestamps go backwards at %d", i)
		}
	}
}
