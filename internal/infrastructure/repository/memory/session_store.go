package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
)

// SessionStore keeps sessions in memory. Messages of one session are
// serialized by the store lock, so timestamps never go backwards.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*domain.Session
	messageAt map[string]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*domain.Session),
		messageAt: make(map[string]string),
	}
}

func (s *SessionStore) EnsureSession(_ context.Context, sessionID, owner string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureLocked(sessionID, owner)
	return &domain.Session{ID: sess.ID, Owner: sess.Owner, CreatedAt: sess.CreatedAt}, nil
}

func (s *SessionStore) Append(_ context.Context, sessionID string, msg domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.messageAt[msg.ID]; ok {
		if owner != sessionID {
			return false, domain.WrapError(domain.ErrSessionConflict, "append message",
				fmt.Errorf("message %s belongs to session %s", msg.ID, owner))
		}
		return false, nil
	}

	sess := s.ensureLocked(sessionID, "")
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if n := len(sess.Messages); n > 0 && msg.CreatedAt.Before(sess.Messages[n-1].CreatedAt) {
		msg.CreatedAt = sess.Messages[n-1].CreatedAt
	}
	msg.Sources = append([]domain.Source{}, msg.Sources...)
	sess.Messages = append(sess.Messages, msg)
	s.messageAt[msg.ID] = sessionID
	return true, nil
}

// Forget removes a message appended earlier. It lets durable stores built on
// top of SessionStore undo an append whose write failed.
func (s *SessionStore) Forget(sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageAt[messageID] != sessionID {
		return
	}
	delete(s.messageAt, messageID)
	sess := s.sessions[sessionID]
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			return
		}
	}
}

// Restore loads a session verbatim, bypassing duplicate checks.
func (s *SessionStore) Restore(sess domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	cp.Messages = append([]domain.Message(nil), sess.Messages...)
	s.sessions[sess.ID] = &cp
	for _, m := range cp.Messages {
		s.messageAt[m.ID] = sess.ID
	}
}

func (s *SessionStore) History(_ context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return []domain.Message{}, nil
	}
	return domain.TrimHistory(sess.Messages, limit), nil
}

func (s *SessionStore) Message(_ context.Context, sessionID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[sessionID]; ok {
		for i := range sess.Messages {
			if sess.Messages[i].ID == messageID {
				msg := sess.Messages[i]
				return &msg, nil
			}
		}
	}
	return nil, domain.WrapError(domain.ErrMessageNotFound, "get message", fmt.Errorf("id=%s", messageID))
}

func (s *SessionStore) ensureLocked(sessionID, owner string) *domain.Session {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &domain.Session{ID: sessionID, Owner: owner, CreatedAt: time.Now().UTC()}
		s.sessions[sessionID] = sess
	}
	if sess.Owner == "" && owner != "" {
		sess.Owner = owner
	}
	return sess
}
