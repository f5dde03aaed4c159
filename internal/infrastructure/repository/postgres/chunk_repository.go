package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/vector/codec"
)

// ChunkRepository stores chunk text together with its embedding, which is
// what an index rebuild reads back.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, document_id, ordinal, text, token_count, start_offset, end_offset, embedding, created_at`

func (r *ChunkRepository) SaveChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunks tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, c := range chunks {
		var embedding []byte
		if len(c.Embedding) > 0 {
			embedding = codec.Encode(c.Embedding)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO chunks (`+chunkColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding
`, c.ID, c.DocumentID, c.Ordinal, c.Text, c.TokenCount, c.Offset.Start, c.Offset.End, embedding, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) GetChunks(ctx context.Context, ids []string) (map[string]domain.Chunk, error) {
	out := make(map[string]domain.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+inPlaceholders(1, len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = $1 ORDER BY ordinal ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Chunk, 0)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

// ListAllChunks streams chunks of indexed documents in insertion-friendly order.
func (r *ChunkRepository) ListAllChunks(ctx context.Context, fn func(domain.Chunk) error) error {
	rows, err := r.db.QueryContext(ctx, `
SELECT c.id, c.document_id, c.ordinal, c.text, c.token_count, c.start_offset, c.end_offset, c.embedding, c.created_at
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE d.status = $1
ORDER BY d.indexed_at ASC, c.document_id ASC, c.ordinal ASC
`, string(domain.StatusIndexed))
	if err != nil {
		return fmt.Errorf("list all chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chunks: %w", err)
	}
	return nil
}

func (r *ChunkRepository) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE id IN (`+inPlaceholders(1, len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func scanChunk(row rowScanner) (domain.Chunk, error) {
	var (
		c         domain.Chunk
		embedding []byte
	)
	if err := row.Scan(
		&c.ID, &c.DocumentID, &c.Ordinal, &c.Text, &c.TokenCount,
		&c.Offset.Start, &c.Offset.End, &embedding, &c.CreatedAt,
	); err != nil {
		return domain.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if len(embedding) > 0 {
		vector, err := codec.Decode(embedding)
		if err != nil {
			return domain.Chunk{}, fmt.Errorf("decode chunk %s embedding: %w", c.ID, err)
		}
		c.Embedding = vector
	}
	return c, nil
}
