package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) EnsureSession(ctx context.Context, sessionID, owner string) (*domain.Session, error) {
	if err := r.ensureSession(ctx, r.db, sessionID, owner); err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, `
SELECT id, owner, created_at
FROM sessions
WHERE id = $1
`, sessionID)

	var s domain.Session
	if err := row.Scan(&s.ID, &s.Owner, &s.CreatedAt); err != nil {
		return nil, fmt.Errorf("ensure session select: %w", err)
	}
	return &s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SessionRepository) ensureSession(ctx context.Context, db execer, sessionID, owner string) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO sessions (id, owner, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING
`, sessionID, owner, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure session insert: %w", err)
	}
	return nil
}

// Append stores msg unless a message with the same id exists. A duplicate id
// in another session is reported as domain.ErrSessionConflict.
func (r *SessionRepository) Append(ctx context.Context, sessionID string, msg domain.Message) (bool, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	sourcesJSON, err := json.Marshal(nonNilSources(msg.Sources))
	if err != nil {
		return false, fmt.Errorf("marshal sources: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := r.ensureSession(ctx, tx, sessionID, ""); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `
INSERT INTO session_messages (id, session_id, role, text, sources, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING
`, msg.ID, sessionID, string(msg.Role), msg.Text, sourcesJSON, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append message rows affected: %w", err)
	}
	if affected == 0 {
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT session_id FROM session_messages WHERE id = $1`, msg.ID).Scan(&owner); err != nil {
			return false, fmt.Errorf("lookup duplicate message: %w", err)
		}
		if owner != sessionID {
			return false, domain.WrapError(domain.ErrSessionConflict, "append message",
				fmt.Errorf("message %s belongs to session %s", msg.ID, owner))
		}
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit append tx: %w", err)
	}
	return true, nil
}

func (r *SessionRepository) History(ctx context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error) {
	query := `
SELECT id, session_id, role, text, sources, created_at
FROM session_messages
WHERE session_id = $1
ORDER BY seq DESC`
	args := []any{sessionID}
	if limit.MaxMessages > 0 {
		query += ` LIMIT $2`
		args = append(args, limit.MaxMessages)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session messages: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return domain.TrimHistory(out, limit), nil
}

func (r *SessionRepository) Message(ctx context.Context, sessionID, messageID string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, session_id, role, text, sources, created_at
FROM session_messages
WHERE session_id = $1 AND id = $2
`, sessionID, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrMessageNotFound, "get message", fmt.Errorf("id=%s", messageID))
		}
		return nil, err
	}
	return &msg, nil
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		msg        domain.Message
		role       string
		sourcesRaw []byte
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Text, &sourcesRaw, &msg.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, err
		}
		return domain.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = domain.Role(role)
	msg.Sources = []domain.Source{}
	if len(sourcesRaw) > 0 {
		if err := json.Unmarshal(sourcesRaw, &msg.Sources); err != nil {
			return domain.Message{}, fmt.Errorf("unmarshal sources: %w", err)
		}
	}
	return msg, nil
}

func nonNilSources(sources []domain.Source) []domain.Source {
	if sources == nil {
		return []domain.Source{}
	}
	return sources
}
