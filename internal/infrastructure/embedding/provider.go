package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

// Backend produces raw vectors, one per input, in input order.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache stores vectors by content key.
type Cache interface {
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	SetMany(ctx context.Context, values map[string][]float32) error
}

// Observer receives per-batch and cache statistics.
type Observer interface {
	ObserveBatch(size int, attempts int, duration time.Duration, err error)
	ObserveCache(hits, misses int)
}

type Config struct {
	Model          string
	BatchSize      int
	Concurrency    int
	RateLimitRPS   float64
	AttemptTimeout time.Duration
	// Dimension pins the expected vector size. Zero learns it from the first response.
	Dimension int
}

var errDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider implements ports.Embedder on top of a Backend, adding content
// caching, batching, bounded concurrency, rate limiting and retries.
type Provider struct {
	backend  Backend
	cache    Cache
	executor *resilience.Executor
	limiter  *rate.Limiter
	observer Observer
	cfg      Config
	dim      atomic.Int64
}

func NewProvider(backend Backend, cache Cache, executor *resilience.Executor, cfg Config, observer Observer) *Provider {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.Config{BreakerEnabled: false})
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.Concurrency)
	}

	p := &Provider{
		backend:  backend,
		cache:    cache,
		executor: executor,
		limiter:  limiter,
		observer: observer,
		cfg:      cfg,
	}
	p.dim.Store(int64(cfg.Dimension))
	return p
}

// Dimension returns the vector size, or zero before the first successful call.
func (p *Provider) Dimension() int {
	return int(p.dim.Load())
}

func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Embed returns one vector per input. When some inputs fail the partial
// result is returned together with *domain.EmbeddingBatchError.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	normalized := make([]string, len(texts))
	keys := make([]string, len(texts))
	for i, text := range texts {
		normalized[i] = Normalize(text)
		keys[i] = p.key(normalized[i])
	}

	cached := p.cacheGet(ctx, keys)
	missSlot := make(map[string]int)
	var missKeys, missTexts []string
	hits := 0
	for i, key := range keys {
		if v, ok := cached[key]; ok && p.acceptDimension(v) == nil {
			out[i] = v
			hits++
			continue
		}
		if _, seen := missSlot[key]; !seen {
			missSlot[key] = len(missTexts)
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, normalized[i])
		}
	}
	if p.observer != nil {
		p.observer.ObserveCache(hits, len(texts)-hits)
	}

	var embedErr error
	if len(missTexts) > 0 {
		var vectors [][]float32
		vectors, embedErr = p.embedMisses(ctx, missTexts)

		fresh := make(map[string][]float32, len(vectors))
		for j, v := range vectors {
			if v != nil {
				fresh[missKeys[j]] = v
			}
		}
		p.cacheSet(ctx, fresh)

		for i, key := range keys {
			if out[i] == nil {
				out[i] = vectors[missSlot[key]]
			}
		}
	}

	var failed []int
	for i, v := range out {
		if v == nil {
			failed = append(failed, i)
		}
	}
	if len(failed) > 0 {
		if embedErr == nil {
			embedErr = errors.New("no vector returned")
		}
		return out, &domain.EmbeddingBatchError{Indexes: failed, Err: embedErr}
	}
	return out, nil
}

func (p *Provider) embedMisses(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	var (
		mu       sync.Mutex
		firstErr error
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(texts))
		g.Go(func() error {
			batch, err := p.embedBatch(ctx, texts[start:end])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	_ = g.Wait()
	return vectors, firstErr
}

func (p *Provider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	started := time.Now()
	var result [][]float32
	attempts, err := p.executor.ExecuteCounted(ctx, "embedding.batch", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()

		vectors, err := p.backend.Embed(attemptCtx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("backend returned %d vectors for %d inputs", len(vectors), len(texts))
		}
		for _, v := range vectors {
			if err := p.acceptDimension(v); err != nil {
				return err
			}
		}
		result = vectors
		return nil
	}, classifyEmbedError)
	if p.observer != nil {
		p.observer.ObserveBatch(len(texts), attempts, time.Since(started), err)
	}
	if err != nil {
		slog.Warn("embedding_batch_failed", "size", len(texts), "attempts", attempts, "error", err)
		return nil, err
	}
	return result, nil
}

func classifyEmbedError(err error) resilience.ErrorClassification {
	switch {
	case errors.Is(err, context.Canceled):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case domain.IsKind(err, domain.ErrTemporary), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.Is(err, errDimensionMismatch):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	default:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
}

func (p *Provider) acceptDimension(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", errDimensionMismatch)
	}
	want := p.dim.Load()
	if want == 0 && p.dim.CompareAndSwap(0, int64(len(v))) {
		return nil
	}
	if want = p.dim.Load(); int64(len(v)) != want {
		return fmt.Errorf("%w: got %d, want %d", errDimensionMismatch, len(v), want)
	}
	return nil
}

func (p *Provider) cacheGet(ctx context.Context, keys []string) map[string][]float32 {
	if p.cache == nil {
		return nil
	}
	values, err := p.cache.GetMany(ctx, keys)
	if err != nil {
		slog.Warn("embedding_cache_get_failed", "error", err)
		return nil
	}
	return values
}

func (p *Provider) cacheSet(ctx context.Context, values map[string][]float32) {
	if p.cache == nil || len(values) == 0 {
		return
	}
	if err := p.cache.SetMany(ctx, values); err != nil {
		slog.Warn("embedding_cache_set_failed", "error", err)
	}
}

func (p *Provider) key(normalized string) string {
	sum := sha256.Sum256([]byte(p.cfg.Model + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Normalize collapses whitespace runs so texts differing only in spacing
// share one cache entry.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
