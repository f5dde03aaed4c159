package usecase

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/chunking"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/askrag/internal/infrastructure/repository/memory"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
	"github.com/kirillkom/askrag/internal/infrastructure/vector/local"
)

const bagDimension = 4096

// bagEmbedder hashes lowercase words into a fixed number of buckets, so texts
// sharing words have a positive cosine similarity.
type bagEmbedder struct {
	failIndexes []int
	failAll     error
	calls       atomic.Int32
}

func (e *bagEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.failAll != nil {
		return nil, e.failAll
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = bagOfWords(text)
	}
	if len(e.failIndexes) > 0 {
		for _, idx := range e.failIndexes {
			out[idx] = nil
		}
		return out, &domain.EmbeddingBatchError{Indexes: e.failIndexes, Err: errors.New("backend rejected input")}
	}
	return out, nil
}

func (e *bagEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return bagOfWords(text), nil
}

func (e *bagEmbedder) Dimension() int { return bagDimension }

func bagOfWords(text string) []float32 {
	v := make([]float32, bagDimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%bagDimension]++
	}
	return v
}

// llmFake answers with reply, or runs complete when set.
type llmFake struct {
	reply    string
	complete func(ctx context.Context, prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
	calls   atomic.Int32
}

func (f *llmFake) Complete(ctx context.Context, prompt string, _ domain.GenerationOptions) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.complete != nil {
		return f.complete(ctx, prompt)
	}
	return f.reply, nil
}

func (f *llmFake) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// failingIndex wraps the local index and fails the n-th insert.
type failingIndex struct {
	*local.Index
	failAt  int32
	inserts atomic.Int32
}

func (f *failingIndex) Insert(ctx context.Context, e domain.IndexEntry) (int64, error) {
	if f.inserts.Add(1) == f.failAt {
		return 0, errors.New("disk full")
	}
	return f.Index.Insert(ctx, e)
}

type queueFake struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (q *queueFake) PublishDocumentIngested(_ context.Context, documentID string) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, documentID)
	return nil
}

func (q *queueFake) SubscribeDocumentIngested(context.Context, func(context.Context, string) error) error {
	return nil
}

type testStack struct {
	docs      *memory.DocumentRepository
	chunks    *memory.ChunkRepository
	sessions  *memory.SessionStore
	index     *local.Index
	embedder  *bagEmbedder
	llm       *llmFake
	processor *ProcessDocumentUseCase
	ingest    *IngestDocumentUseCase
	retriever *RetrievalEngine
	ask       *AskUseCase
}

type stackOption func(*stackConfig)

type stackConfig struct {
	chunkSize, overlap int
	retrieval          RetrievalConfig
	synthesis          SynthesisConfig
	retry              resilience.Config
}

func newTestStack(t *testing.T, opts ...stackOption) *testStack {
	t.Helper()
	cfg := stackConfig{
		chunkSize: 16,
		overlap:   4,
		retrieval: RetrievalConfig{TopK: 3, Oversample: 4, MinScore: 0.2},
		retry: resilience.Config{
			RetryMaxAttempts:    3,
			RetryInitialBackoff: 1,
			RetryMaxBackoff:     1,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	docs := memory.NewDocumentRepository()
	chunks := memory.NewChunkRepository(docs)
	sessions := memory.NewSessionStore()
	index := local.New(local.MetricCosine, "")
	embedder := &bagEmbedder{}
	llm := &llmFake{reply: "Nothing to add [S1]."}

	processor := NewProcessDocumentUseCase(
		docs, chunks, nil,
		extractor.NewRegistry(plaintext.NewExtractor()),
		chunking.NewSplitter(cfg.chunkSize, cfg.overlap),
		embedder, index, nil,
	)
	ingest := NewIngestDocumentUseCase(docs, nil, nil, extractor.NewRegistry(plaintext.NewExtractor()), processor)
	retriever := NewRetrievalEngine(embedder, index, chunks, docs, cfg.retrieval)
	synthesizer := NewAnswerSynthesizer(llm, resilience.NewExecutor(cfg.retry), cfg.synthesis)
	ask := NewAskUseCase(retriever, synthesizer, sessions, AskConfig{History: domain.HistoryLimit{MaxMessages: 20}}, nil)

	return &testStack{
		docs:      docs,
		chunks:    chunks,
		sessions:  sessions,
		index:     index,
		embedder:  embedder,
		llm:       llm,
		processor: processor,
		ingest:    ingest,
		retriever: retriever,
		ask:       ask,
	}
}

func withRetrieval(rc RetrievalConfig) stackOption {
	return func(c *stackConfig) { c.retrieval = rc }
}

func withSynthesis(sc SynthesisConfig) stackOption {
	return func(c *stackConfig) { c.synthesis = sc }
}

func (s *testStack) mustIngest(t *testing.T, id, text string, tags ...string) *domain.Document {
	t.Helper()
	doc, err := s.ingest.Ingest(context.Background(), domain.IngestRequest{
		DocumentID: id,
		Source:     id + ".txt",
		Text:       text,
		Tags:       tags,
	})
	if err != nil {
		t.Fatalf("Ingest(%s) error = %v", id, err)
	}
	return doc
}

const (
	petsText  = "Cats eat fish and chicken. Cats sleep most of the day in warm places. Dogs eat meat and love long walks in the park."
	spaceText = "Rockets launch satellites into orbit. Orbit insertion requires precise timing and enough fuel for the burn."
)
