package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

func retrieved(id, docID, text string) domain.RetrievedChunk {
	return domain.RetrievedChunk{
		Chunk:  domain.Chunk{ID: id, DocumentID: docID, Text: text, TokenCount: domain.CountTokens(text)},
		Score:  0.9,
		Source: docID + ".txt",
	}
}

func fastRetries(attempts int) *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
}

func TestExtractCitationsFromMarkers(t *testing.T) {
	chunks := []domain.RetrievedChunk{
		retrieved("c1", "d", "alpha"),
		retrieved("c2", "d", "beta"),
		retrieved("c3", "d", "gamma"),
	}
	answer := "Gamma first [S3]. Then both [S1, S3] and [S2,S1]. Unknown [S9] and [S0] are ignored."

	got := ExtractCitations(answer, chunks, 0)
	assertIDs(t, got, []string{"c3", "c1", "c2"})
}

func TestExtractCitationsFromVerbatimSnippet(t *testing.T) {
	chunks := []domain.RetrievedChunk{
		retrieved("c1", "d", "The warranty covers parts and labour for two full years after purchase."),
		retrieved("c2", "d", "Returns are accepted within thirty days with the original receipt."),
	}
	answer := "According to the policy: the warranty covers parts and labour for two full years. Also see [S2]."

	got := ExtractCitations(answer, chunks, 8)
	assertIDs(t, got, []string{"c1", "c2"})
}

func TestExtractCitationsIgnoresAmbiguousOrShortSnippets(t *testing.T) {
	shared := "the same sentence appears in both of these chunks verbatim"
	chunks := []domain.RetrievedChunk{
		retrieved("c1", "d", shared+" first"),
		retrieved("c2", "d", shared+" second"),
	}

	if got := ExtractCitations(shared+".", chunks, 5); len(got) != 0 {
		t.Fatalf("expected no citation for ambiguous snippet, got %v", got)
	}
	if got := ExtractCitations("verbatim first.", chunks, 5); len(got) != 0 {
		t.Fatalf("expected no citation for short snippet, got %v", got)
	}
}

func TestBuildPromptTagsSourcesInOrder(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleUser, Text: "hello"},
		{Role: domain.RoleAssistant, Text: "hi there"},
	}
	chunks := []domain.RetrievedChunk{retrieved("c1", "a", "alpha text"), retrieved("c2", "b", "beta text")}

	prompt := BuildPrompt("which letter?", history, chunks)

	for _, want := range []string{"User: hello", "Assistant: hi there", "[S1] (a.txt, part 1)\nalpha text", "[S2] (b.txt, part 1)\nbeta text", "Question: which letter?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt is missing %q:\n%s", want, prompt)
		}
	}
	if strings.Index(prompt, "[S1]") > strings.Index(prompt, "[S2]") {
		t.Fatalf("sources are out of order")
	}
}

func TestSynthesizeReturnsAnswerWithCitations(t *testing.T) {
	llm := &llmFake{reply: "  Alpha is first [S1].  "}
	s := NewAnswerSynthesizer(llm, fastRetries(3), SynthesisConfig{})

	got, err := s.Synthesize(context.Background(), "q", nil, []domain.RetrievedChunk{retrieved("c1", "d", "alpha")})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got.Answer != "Alpha is first [S1]." || got.Attempts != 1 {
		t.Fatalf("unexpected synthesis %+v", got)
	}
	assertIDs(t, got.Citations, []string{"c1"})
	if got.PromptTokens == 0 || got.CompletionTokens == 0 {
		t.Fatalf("expected token counts, got %+v", got)
	}
}

func TestSynthesizeRetriesAttemptTimeout(t *testing.T) {
	llm := &llmFake{complete: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := NewAnswerSynthesizer(llm, fastRetries(3), SynthesisConfig{AttemptTimeout: 10 * time.Millisecond})

	_, err := s.Synthesize(context.Background(), "q", nil, []domain.RetrievedChunk{retrieved("c1", "d", "alpha")})

	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if genErr.Attempts < 2 || llm.calls.Load() != int32(genErr.Attempts) {
		t.Fatalf("expected retried attempts, got attempts=%d calls=%d", genErr.Attempts, llm.calls.Load())
	}
	if !domain.IsKind(err, domain.ErrGenerationFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error chain: %v", err)
	}
}

func TestSynthesizeRetriesEmptyAnswer(t *testing.T) {
	llm := &llmFake{}
	llm.complete = func(context.Context, string) (string, error) {
		if llm.calls.Load() == 1 {
			return "   ", nil
		}
		return "second try [S1]", nil
	}
	s := NewAnswerSynthesizer(llm, fastRetries(3), SynthesisConfig{})

	got, err := s.Synthesize(context.Background(), "q", nil, []domain.RetrievedChunk{retrieved("c1", "d", "alpha")})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestSynthesizeDoesNotRetryPermanentError(t *testing.T) {
	llm := &llmFake{complete: func(context.Context, string) (string, error) {
		return "", errors.New("model not found")
	}}
	s := NewAnswerSynthesizer(llm, fastRetries(3), SynthesisConfig{})

	_, err := s.Synthesize(context.Background(), "q", nil, nil)
	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) || genErr.Attempts != 1 {
		t.Fatalf("expected one attempt, got %v", err)
	}
}

func TestSynthesizeReportsUnavailableWhileBreakerOpen(t *testing.T) {
	calls := 0
	llm := &llmFake{complete: func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("model not found")
	}}
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         time.Millisecond,
		BreakerEnabled:          true,
		BreakerMinRequests:      1,
		BreakerFailureRatio:     1,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	})
	s := NewAnswerSynthesizer(llm, exec, SynthesisConfig{})

	_, err := s.Synthesize(context.Background(), "q", nil, nil)
	var genErr *domain.GenerationError
	if !errors.As(err, &genErr) || genErr.Attempts != 1 {
		t.Fatalf("expected GenerationError after one attempt, got %v", err)
	}

	_, err = s.Synthesize(context.Background(), "q", nil, nil)
	if errors.As(err, &genErr) {
		t.Fatalf("open breaker must not report a GenerationError, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) || !resilience.IsCircuitOpen(err) {
		t.Fatalf("expected temporary circuit-open error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("model called %d times, want 1", calls)
	}
}

func TestClassifyGenerationError(t *testing.T) {
	if !classifyGenerationError(context.DeadlineExceeded).Retryable {
		t.Fatalf("attempt timeouts must be retried")
	}
	if class := classifyGenerationError(context.Canceled); class.Retryable || class.RecordFailure {
		t.Fatalf("cancellation must neither retry nor count: %+v", class)
	}
	if class := classifyGenerationError(errors.New("bad model")); class.Retryable || !class.RecordFailure {
		t.Fatalf("permanent errors count without retry: %+v", class)
	}
}
