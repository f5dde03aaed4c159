package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

// NoContextAnswer is returned when retrieval finds nothing to ground an answer on.
const NoContextAnswer = "I could not find anything in the indexed documents that answers this question."

// AskObserver receives per-question outcomes.
type AskObserver interface {
	RecordAsk(status string, sources, attempts int, duration time.Duration)
	RecordRetrieval(chunks int)
	RecordTokenUsage(promptTokens, completionTokens int)
}

type AskConfig struct {
	History       domain.HistoryLimit
	AppendTimeout time.Duration
}

type AskUseCase struct {
	retriever   *RetrievalEngine
	synthesizer *AnswerSynthesizer
	sessions    ports.SessionStore
	cfg         AskConfig
	observer    AskObserver
	now         func() time.Time
}

func NewAskUseCase(
	retriever *RetrievalEngine,
	synthesizer *AnswerSynthesizer,
	sessions ports.SessionStore,
	cfg AskConfig,
	observer AskObserver,
) *AskUseCase {
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 10 * time.Second
	}
	return &AskUseCase{
		retriever:   retriever,
		synthesizer: synthesizer,
		sessions:    sessions,
		cfg:         cfg,
		observer:    observer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ask answers req.Query within a session. Repeating a message id that already
// has an answer returns the stored answer without calling the model again. A
// failed generation stores nothing.
func (uc *AskUseCase) Ask(ctx context.Context, req domain.AskRequest) (*domain.AskResult, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Query)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("query is empty"))
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	if _, err := uc.sessions.EnsureSession(ctx, req.SessionID, req.Owner); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	replay, err := uc.replay(ctx, req)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		if uc.observer != nil {
			uc.observer.RecordAsk("replayed", len(replay.Sources), 0, time.Since(start))
		}
		return replay, nil
	}

	history, err := uc.sessions.History(ctx, req.SessionID, uc.cfg.History)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history = withoutMessage(history, req.MessageID)

	chunks, err := uc.retriever.Retrieve(ctx, domain.RetrievalQuery{
		Text:             question,
		TopK:             req.TopK,
		MaxContextTokens: req.MaxContextTokens,
		MinScore:         req.MinScore,
		Filter:           req.Filter,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	if uc.observer != nil {
		uc.observer.RecordRetrieval(len(chunks))
	}

	userMsg := domain.Message{
		ID:        req.MessageID,
		SessionID: req.SessionID,
		Role:      domain.RoleUser,
		Text:      question,
		CreatedAt: uc.now(),
	}

	if len(chunks) == 0 {
		if err := uc.persist(ctx, userMsg); err != nil {
			return nil, err
		}
		result := &domain.AskResult{
			SessionID: req.SessionID,
			MessageID: req.MessageID,
			Status:    domain.AskStatusNoContext,
			Answer:    NoContextAnswer,
			Sources:   []domain.Source{},
		}
		uc.record(result, start)
		return result, nil
	}

	synthesis, err := uc.synthesizer.Synthesize(ctx, question, history, chunks)
	if err != nil {
		var genErr *domain.GenerationError
		switch {
		case uc.observer == nil:
		case errors.As(err, &genErr):
			uc.observer.RecordAsk("generation_failed", 0, genErr.Attempts, time.Since(start))
		case domain.IsKind(err, domain.ErrTemporary):
			uc.observer.RecordAsk("model_unavailable", 0, 0, time.Since(start))
		}
		return nil, err
	}

	if uc.observer != nil {
		uc.observer.RecordTokenUsage(synthesis.PromptTokens, synthesis.CompletionTokens)
	}

	sources := citedSources(synthesis.Citations, chunks)
	reply := domain.Message{
		ID:        replyMessageID(req.SessionID, req.MessageID),
		SessionID: req.SessionID,
		Role:      domain.RoleAssistant,
		Text:      synthesis.Answer,
		CreatedAt: uc.now(),
		Sources:   sources,
	}
	if err := uc.persist(ctx, userMsg, reply); err != nil {
		return nil, err
	}

	result := &domain.AskResult{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		Status:    domain.AskStatusAnswered,
		Answer:    synthesis.Answer,
		Sources:   sources,
		Attempts:  synthesis.Attempts,
	}
	uc.record(result, start)
	return result, nil
}

func (uc *AskUseCase) History(ctx context.Context, sessionID string, limit domain.HistoryLimit) ([]domain.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "history", errors.New("session id is empty"))
	}
	return uc.sessions.History(ctx, sessionID, limit)
}

func (uc *AskUseCase) replay(ctx context.Context, req domain.AskRequest) (*domain.AskResult, error) {
	if _, err := uc.sessions.Message(ctx, req.SessionID, req.MessageID); err != nil {
		if domain.IsKind(err, domain.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup message: %w", err)
	}

	reply, err := uc.sessions.Message(ctx, req.SessionID, replyMessageID(req.SessionID, req.MessageID))
	if err != nil {
		if domain.IsKind(err, domain.ErrMessageNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup reply: %w", err)
	}

	sources := reply.Sources
	if sources == nil {
		sources = []domain.Source{}
	}
	slog.Info("ask_replayed", "session_id", req.SessionID, "message_id", req.MessageID)
	return &domain.AskResult{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		Status:    domain.AskStatusAnswered,
		Answer:    reply.Text,
		Sources:   sources,
		Replayed:  true,
	}, nil
}

// persist appends msgs in order. It outlives cancellation of ctx so a
// finished answer is not lost to a disconnected client.
func (uc *AskUseCase) persist(ctx context.Context, msgs ...domain.Message) error {
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.AppendTimeout)
	defer cancel()
	for _, msg := range msgs {
		if _, err := uc.sessions.Append(appendCtx, msg.SessionID, msg); err != nil {
			return fmt.Errorf("append %s message: %w", msg.Role, err)
		}
	}
	return nil
}

func (uc *AskUseCase) record(result *domain.AskResult, start time.Time) {
	if uc.observer == nil {
		return
	}
	uc.observer.RecordAsk(string(result.Status), len(result.Sources), result.Attempts, time.Since(start))
}

// replyMessageID derives the assistant message id from the question id, so a
// retried question maps to the same stored reply.
func replyMessageID(sessionID, messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID+"/"+messageID+"/reply")).String()
}

func citedSources(citations []string, chunks []domain.RetrievedChunk) []domain.Source {
	byID := make(map[string]domain.RetrievedChunk, len(chunks))
	for _, c := range chunks {
		byID[c.Chunk.ID] = c
	}
	out := make([]domain.Source, 0, len(citations))
	for _, id := range citations {
		if c, ok := byID[id]; ok {
			out = append(out, domain.SourceOf(c))
		}
	}
	return out
}

func withoutMessage(history []domain.Message, messageID string) []domain.Message {
	out := history[:0:0]
	for _, msg := range history {
		if msg.ID != messageID {
			out = append(out, msg)
		}
	}
	return out
}
