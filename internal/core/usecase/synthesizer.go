package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

var errEmptyAnswer = errors.New("language model returned an empty answer")

type SynthesisConfig struct {
	AttemptTimeout   time.Duration
	MaxTokens        int
	Temperature      float64
	History          domain.HistoryLimit
	MinSnippetTokens int
}

// AnswerSynthesizer asks the language model for an answer grounded in the
// retrieved chunks and extracts the chunks it cites.
type AnswerSynthesizer struct {
	llm      ports.LanguageModel
	executor *resilience.Executor
	cfg      SynthesisConfig
}

// NewAnswerSynthesizer uses executor for the retry budget of each Synthesize
// call. Each attempt is bounded by cfg.AttemptTimeout.
func NewAnswerSynthesizer(llm ports.LanguageModel, executor *resilience.Executor, cfg SynthesisConfig) *AnswerSynthesizer {
	if executor == nil {
		executor = resilience.NewExecutor(resilience.Config{})
	}
	return &AnswerSynthesizer{llm: llm, executor: executor, cfg: cfg}
}

// Synthesize returns a *domain.GenerationError when no attempt produced an
// answer. While the model's breaker is open no attempt is made and the error
// is domain.ErrTemporary instead.
func (s *AnswerSynthesizer) Synthesize(
	ctx context.Context,
	question string,
	history []domain.Message,
	chunks []domain.RetrievedChunk,
) (*domain.Synthesis, error) {
	prompt := BuildPrompt(question, domain.TrimHistory(history, s.cfg.History), chunks)
	opts := domain.GenerationOptions{MaxTokens: s.cfg.MaxTokens, Temperature: s.cfg.Temperature}

	var answer string
	attempts, err := s.executor.ExecuteCounted(ctx, "llm.complete", func(ctx context.Context) error {
		attemptCtx := ctx
		if s.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
			defer cancel()
		}
		out, err := s.llm.Complete(attemptCtx, prompt, opts)
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return errEmptyAnswer
		}
		answer = strings.TrimSpace(out)
		return nil
	}, classifyGenerationError)
	if err != nil {
		if attempts == 0 && resilience.IsCircuitOpen(err) {
			return nil, domain.WrapError(domain.ErrTemporary, "generate answer", fmt.Errorf("language model unavailable: %w", err))
		}
		return nil, &domain.GenerationError{Attempts: attempts, Err: fmt.Errorf("complete: %w", err)}
	}

	return &domain.Synthesis{
		Answer:    answer,
		Citations: ExtractCitations(answer, chunks, s.cfg.MinSnippetTokens),
		Attempts:  attempts,

		PromptTokens:     domain.CountTokens(prompt),
		CompletionTokens: domain.CountTokens(answer),
	}, nil
}

// classifyGenerationError retries per-attempt timeouts, transient model
// errors, and empty answers. The executor stops once the caller's context is
// done and keeps such calls out of the breaker counts.
func classifyGenerationError(err error) resilience.ErrorClassification {
	switch {
	case errors.Is(err, context.Canceled), resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errEmptyAnswer),
		domain.IsKind(err, domain.ErrTemporary):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}
