// Package sessionlog persists sessions as append-only JSON Lines files, one
// file per session, with an in-memory mirror for reads.
package sessionlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/repository/memory"
)

const fileSuffix = ".jsonl"

type record struct {
	Kind    string          `json:"kind"`
	Session *domain.Session `json:"session,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
}

type Store struct {
	dir    string
	mirror *memory.SessionStore

	mu    sync.Mutex
	files map[string]*os.File
}

// Open loads every session log under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		mirror: memory.NewSessionStore(),
		files:  make(map[string]*os.File),
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list session logs: %w", err)
	}
	for _, path := range paths {
		sess, keep, err := readLog(path)
		if err != nil {
			return nil, err
		}
		if keep >= 0 {
			if err := os.Truncate(path, keep); err != nil {
				return nil, fmt.Errorf("truncate torn session log: %w", err)
			}
		}
		if sess != nil {
			s.mirror.Restore(*sess)
		}
	}
	return s, nil
}

func (s *Store) EnsureSession(ctx context.Context, sessionID, owner string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file(sessionID, owner); err != nil {
		return nil, err
	}
	return s.mirror.EnsureSession(ctx, sessionID, owner)
}

func (s *Store) Append(ctx context.Context, sessionID string, msg domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored, err := s.mirror.Append(ctx, sessionID, msg)
	if err != nil || !stored {
		return stored, err
	}
	saved, err := s.mirror.Message(ctx, sessionID, msg.ID)
	if err != nil {
		return false, err
	}

	if err := s.write(sessionID, record{Kind: "message", Message: saved}); err != nil {
		s.mirror.Forget(sessionID, msg.ID)
		return false, err
	}
	return true, nil
}

func (s *Store) History(ctx context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error) {
	return s.mirror.History(ctx, sessionID, limit)
}

func (s *Store) Message(ctx context.Context, sessionID, messageID string) (*domain.Message, error) {
	return s.mirror.Message(ctx, sessionID, messageID)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}

func (s *Store) write(sessionID string, rec record) error {
	f, err := s.file(sessionID, "")
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session log: %w", err)
	}
	return nil
}

// file returns the open log of a session, creating it with a header record
// on first use. Callers hold s.mu.
func (s *Store) file(sessionID, owner string) (*os.File, error) {
	if f, ok := s.files[sessionID]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, fileName(sessionID))
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	s.files[sessionID] = f

	if os.IsNotExist(statErr) {
		sess, err := s.mirror.EnsureSession(context.Background(), sessionID, owner)
		if err != nil {
			return nil, err
		}
		if err := s.write(sessionID, record{Kind: "session", Session: sess}); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func fileName(sessionID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID)) + fileSuffix
}

// readLog rebuilds a session from its log. Every record ends with a newline,
// so bytes after the last one are a torn write left by a crash and are
// ignored; damage anywhere else is an error. keep is the length to truncate
// the file to before appending, or -1 when the log ends cleanly.
func readLog(path string) (_ *domain.Session, keep int64, _ error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, -1, fmt.Errorf("read session log: %w", err)
	}
	keep = -1
	if end := bytes.LastIndexByte(raw, '\n') + 1; end < len(raw) {
		raw = raw[:end]
		keep = int64(end)
	}

	var sess *domain.Session
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, -1, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), lineNo, err)
		}
		switch {
		case rec.Kind == "session" && rec.Session != nil:
			cp := *rec.Session
			cp.Messages = nil
			sess = &cp
		case rec.Kind == "message" && rec.Message != nil:
			if sess == nil {
				sess = &domain.Session{ID: rec.Message.SessionID, CreatedAt: rec.Message.CreatedAt}
			}
			sess.Messages = append(sess.Messages, *rec.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, -1, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return sess, keep, nil
}
