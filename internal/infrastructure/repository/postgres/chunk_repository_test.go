package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/vector/codec"
)

func TestSaveChunksWritesEmbeddingsInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	repo := NewChunkRepository(db)

	now := time.Now().UTC()
	chunks := []domain.Chunk{
		{ID: "c1", DocumentID: "d1", Ordinal: 0, Text: "alpha", TokenCount: 1, Offset: domain.SourceOffset{Start: 0, End: 5}, Embedding: []float32{1, 2}, CreatedAt: now},
		{ID: "c2", DocumentID: "d1", Ordinal: 1, Text: "beta", TokenCount: 1, Offset: domain.SourceOffset{Start: 6, End: 10}, CreatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("c1", "d1", 0, "alpha", 1, 0, 5, codec.Encode([]float32{1, 2}), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("c2", "d1", 1, "beta", 1, 6, 10, sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.SaveChunks(context.Background(), chunks); err != nil {
		t.Fatalf("SaveChunks() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetChunksDecodesEmbedding(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	repo := NewChunkRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM chunks WHERE id IN \(\$1\)`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "document_id", "ordinal", "text", "token_count", "start_offset", "end_offset", "embedding", "created_at",
		}).AddRow("c1", "d1", 2, "gamma", 1, 10, 15, codec.Encode([]float32{0.5, 0.25}), now))

	got, err := repo.GetChunks(context.Background(), []string{"c1"})
	if err != nil {
		t.Fatalf("GetChunks() error = %v", err)
	}
	c := got["c1"]
	if c.Ordinal != 2 || len(c.Embedding) != 2 || c.Embedding[1] != 0.25 || c.Offset.End != 15 {
		t.Fatalf("unexpected chunk %+v", c)
	}
}
