package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/chunking"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/askrag/internal/infrastructure/storage/localfs"
)

func TestIngestIndexesDocument(t *testing.T) {
	s := newTestStack(t)
	doc := s.mustIngest(t, "pets", petsText, "animals")

	if doc.Status != domain.StatusIndexed {
		t.Fatalf("expected status indexed, got %s", doc.Status)
	}
	if doc.ChunkCount < 2 {
		t.Fatalf("expected several chunks, got %d", doc.ChunkCount)
	}
	if doc.IndexedAt == nil {
		t.Fatalf("expected indexed_at to be set")
	}
	if stats := s.index.Stats(); stats.Entries != doc.ChunkCount {
		t.Fatalf("expected %d index entries, got %+v", doc.ChunkCount, stats)
	}

	chunks, err := s.chunks.ListChunks(context.Background(), "pets")
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Fatalf("chunk %d has ordinal %d", i, c.Ordinal)
		}
		if len(c.Embedding) != bagDimension {
			t.Fatalf("chunk %d has embedding of length %d", i, len(c.Embedding))
		}
	}
}

func TestIngestRejectsUnsupportedFormatBeforeWriting(t *testing.T) {
	s := newTestStack(t)

	_, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{
		DocumentID: "bin",
		MimeType:   "application/x-unknown",
		Content:    []byte{0x00, 0x01, 0x02},
	})
	if !domain.IsKind(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := s.docs.GetByID(context.Background(), "bin"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected no document record, got %v", err)
	}
}

func TestIngestRejectsUnsupportedFormatForExtractedText(t *testing.T) {
	s := newTestStack(t)

	_, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{
		DocumentID: "img",
		MimeType:   "image/png",
		Text:       "Cats eat fish and sleep in the sun.",
	})
	if !domain.IsKind(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := s.docs.GetByID(context.Background(), "img"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected no document record, got %v", err)
	}

	doc, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{
		DocumentID: "note",
		MimeType:   "Text/Plain; charset=utf-8",
		Text:       "Cats eat fish and sleep in the sun.",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if doc.MimeType != "text/plain" {
		t.Fatalf("mime type = %q, want text/plain", doc.MimeType)
	}
}

func TestIngestRequiresTextOrContent(t *testing.T) {
	s := newTestStack(t)

	_, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{DocumentID: "empty", Text: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	_, err = s.ingest.Ingest(context.Background(), domain.IngestRequest{DocumentID: "../etc", Text: "text"})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad id, got %v", err)
	}
}

func TestIngestBlankContentFailsExtraction(t *testing.T) {
	s := newTestStack(t)

	_, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{
		DocumentID: "blank",
		MimeType:   "text/plain",
		Content:    []byte("  \n\t "),
	})
	if !domain.IsKind(err, domain.ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
	doc, getErr := s.docs.GetByID(context.Background(), "blank")
	if getErr != nil {
		t.Fatalf("GetByID() error = %v", getErr)
	}
	if doc.Status != domain.StatusFailed || doc.Error == "" {
		t.Fatalf("expected failed status with error, got %+v", doc)
	}
}

func TestIngestEmbeddingFailureNamesChunksAndCleansUp(t *testing.T) {
	s := newTestStack(t)
	s.embedder.failIndexes = []int{1}

	_, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{DocumentID: "pets", Text: petsText})

	var embedErr *domain.EmbeddingFailedError
	if !errors.As(err, &embedErr) {
		t.Fatalf("expected EmbeddingFailedError, got %v", err)
	}
	if embedErr.DocumentID != "pets" || len(embedErr.ChunkIDs) != 1 {
		t.Fatalf("unexpected error details: %+v", embedErr)
	}
	if !domain.IsKind(err, domain.ErrEmbeddingFailed) {
		t.Fatalf("expected ErrEmbeddingFailed kind")
	}

	assertNoChunks(t, s, "pets")
	doc, _ := s.docs.GetByID(context.Background(), "pets")
	if doc.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", doc.Status)
	}
}

func TestIngestIndexFailureRollsBackInsertedChunks(t *testing.T) {
	s := newTestStack(t)
	idx := &failingIndex{Index: s.index, failAt: 2}
	processor := NewProcessDocumentUseCase(
		s.docs, s.chunks, nil,
		extractor.NewRegistry(plaintext.NewExtractor()),
		chunking.NewSplitter(16, 4),
		s.embedder, idx, nil,
	)
	ingest := NewIngestDocumentUseCase(s.docs, nil, nil, extractor.NewRegistry(plaintext.NewExtractor()), processor)

	if _, err := ingest.Ingest(context.Background(), domain.IngestRequest{DocumentID: "pets", Text: petsText}); err == nil {
		t.Fatalf("expected index failure")
	}
	assertNoChunks(t, s, "pets")
	if stats := s.index.Stats(); stats.Entries != 0 {
		t.Fatalf("expected no live index entries, got %+v", stats)
	}
}

func TestReingestReplacesPreviousChunks(t *testing.T) {
	s := newTestStack(t)
	s.mustIngest(t, "doc", petsText)
	second := s.mustIngest(t, "doc", spaceText)

	chunks, _ := s.chunks.ListChunks(context.Background(), "doc")
	if len(chunks) != second.ChunkCount {
		t.Fatalf("expected %d chunks after re-ingest, got %d", second.ChunkCount, len(chunks))
	}
	if stats := s.index.Stats(); stats.Entries != second.ChunkCount {
		t.Fatalf("expected %d live entries, got %+v", second.ChunkCount, stats)
	}

	got, err := s.retriever.Retrieve(context.Background(), domain.RetrievalQuery{Text: "what do cats eat"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected replaced text to be gone, got %+v", got)
	}
}

func TestSubmitStagesAndProcessByIDIndexes(t *testing.T) {
	s := newTestStack(t)
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	queue := &queueFake{}
	processor := NewProcessDocumentUseCase(
		s.docs, s.chunks, storage,
		extractor.NewRegistry(plaintext.NewExtractor()),
		chunking.NewSplitter(16, 4),
		s.embedder, s.index, nil,
	)
	ingest := NewIngestDocumentUseCase(s.docs, storage, queue, extractor.NewRegistry(plaintext.NewExtractor()), processor)

	doc, err := ingest.Submit(context.Background(), domain.IngestRequest{
		DocumentID: "pets",
		MimeType:   "text/plain; charset=utf-8",
		Content:    []byte(petsText),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if doc.Status != domain.StatusPending || doc.MimeType != "text/plain" {
		t.Fatalf("unexpected submitted document %+v", doc)
	}
	if len(queue.published) != 1 || queue.published[0] != "pets" {
		t.Fatalf("unexpected published events %v", queue.published)
	}

	if err := processor.ProcessByID(context.Background(), "pets"); err != nil {
		t.Fatalf("ProcessByID() error = %v", err)
	}
	indexed, _ := s.docs.GetByID(context.Background(), "pets")
	if indexed.Status != domain.StatusIndexed {
		t.Fatalf("expected indexed, got %s", indexed.Status)
	}
	if _, err := storage.Open(context.Background(), stagingKey("pets")); err == nil {
		t.Fatalf("expected staged payload to be removed")
	}

	// A redelivered event for an indexed document is acknowledged.
	if err := processor.ProcessByID(context.Background(), "pets"); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if err := processor.ProcessByID(context.Background(), "unknown"); err != nil {
		t.Fatalf("unknown document error = %v", err)
	}
}

func TestSubmitWithoutQueueIsRejected(t *testing.T) {
	s := newTestStack(t)
	_, err := s.ingest.Submit(context.Background(), domain.IngestRequest{Text: petsText})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDeleteRemovesChunksAndIndexEntries(t *testing.T) {
	s := newTestStack(t)
	s.mustIngest(t, "pets", petsText)
	s.mustIngest(t, "space", spaceText)

	if err := s.ingest.Delete(context.Background(), "pets"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	assertNoChunks(t, s, "pets")
	if _, err := s.docs.GetByID(context.Background(), "pets"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	space, _ := s.docs.GetByID(context.Background(), "space")
	if stats := s.index.Stats(); stats.Entries != space.ChunkCount {
		t.Fatalf("expected only space entries, got %+v", stats)
	}
	if err := s.ingest.Delete(context.Background(), "pets"); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound on second delete, got %v", err)
	}
}

func TestConcurrentIngestOfDistinctDocuments(t *testing.T) {
	s := newTestStack(t)
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{
				DocumentID: id,
				Text:       "document " + id + " " + petsText,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	total := 0
	for _, id := range ids {
		doc, _ := s.docs.GetByID(context.Background(), id)
		total += doc.ChunkCount
	}
	if stats := s.index.Stats(); stats.Entries != total {
		t.Fatalf("expected %d entries, got %+v", total, stats)
	}
}

func assertNoChunks(t *testing.T, s *testStack, documentID string) {
	t.Helper()
	chunks, err := s.chunks.ListChunks(context.Background(), documentID)
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for %s, got %d", documentID, len(chunks))
	}
}
