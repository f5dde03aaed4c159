package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/askrag/internal/config"
	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
	"github.com/kirillkom/askrag/internal/core/usecase"
	"github.com/kirillkom/askrag/internal/infrastructure/chunking"
	"github.com/kirillkom/askrag/internal/infrastructure/embedding"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor/html"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/askrag/internal/infrastructure/extractor/spreadsheet"
	"github.com/kirillkom/askrag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/askrag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/askrag/internal/infrastructure/repository/memory"
	"github.com/kirillkom/askrag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/askrag/internal/infrastructure/repository/sessionlog"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
	"github.com/kirillkom/askrag/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/askrag/internal/infrastructure/vector/local"
	"github.com/kirillkom/askrag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/askrag/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Registry      *prometheus.Registry
	HTTPMetrics   *metrics.HTTPServerMetrics
	IngestMetrics *metrics.IngestMetrics

	Queue     ports.MessageQueue
	Docs      ports.DocumentReader
	IngestUC  *usecase.IngestDocumentUseCase
	ProcessUC ports.DocumentProcessor
	AskUC     *usecase.AskUseCase

	// Maintenance is nil when the vector index lives outside the process.
	Maintenance *usecase.IndexMaintenanceUseCase

	closers []func()
}

func New(ctx context.Context, cfg config.Config) (app *App, err error) {
	app = &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Registry = metrics.NewRegistry()
	app.HTTPMetrics = metrics.NewHTTPServerMetrics(app.Registry)
	app.IngestMetrics = metrics.NewIngestMetrics(app.Registry)
	embeddingMetrics := metrics.NewEmbeddingMetrics(app.Registry)

	stores, err := app.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	policy := resiliencePolicy(cfg)
	executor := resilience.NewExecutor(policy)
	llmExecutor := resilience.NewExecutor(policy.WithMaxAttempts(cfg.LLMMaxAttempts))

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel)
	if version, err := pingOllama(ctx, ollamaClient); err != nil {
		slog.Warn("ollama_unreachable", "url", cfg.OllamaURL, "error", err)
	} else {
		slog.Info("ollama_ready", "url", cfg.OllamaURL, "version", version)
	}
	ollamaEmbedder := ollama.NewEmbedder(ollamaClient)
	generator := ollama.NewGenerator(ollamaClient)

	cache, err := app.openEmbeddingCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	embedder := embedding.NewProvider(ollamaEmbedder, cache, executor, embedding.Config{
		Model:          ollamaEmbedder.Model(),
		BatchSize:      cfg.EmbedBatchSize,
		Concurrency:    cfg.EmbedConcurrency,
		RateLimitRPS:   cfg.EmbedRateLimitRPS,
		AttemptTimeout: cfg.EmbedTimeout,
	}, embeddingMetrics)

	index, err := app.openVectorIndex(ctx, cfg, executor, stores.chunks)
	if err != nil {
		return nil, err
	}

	var (
		storage ports.ObjectStorage
		queue   ports.MessageQueue
	)
	if cfg.IngestMode == config.IngestModeAsync {
		objectStore, err := localfs.New(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		storage = objectStore

		natsQueue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			HandlerTimeout:     cfg.WorkerHandlerTimeout,
			OnDelivery:         app.IngestMetrics.ObserveQueueLag,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.closers = append(app.closers, natsQueue.Close)
		queue = natsQueue
	}

	extractors := extractor.NewRegistry(
		plaintext.NewExtractor(),
		html.NewExtractor(),
		pdf.NewExtractor(),
		spreadsheet.NewExtractor(),
	)
	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)

	processUC := usecase.NewProcessDocumentUseCase(
		stores.docs, stores.chunks, storage, extractors, chunker, embedder, index, app.IngestMetrics,
	)
	ingestUC := usecase.NewIngestDocumentUseCase(stores.docs, storage, queue, extractors, processUC)

	retriever := usecase.NewRetrievalEngine(embedder, index, stores.chunks, stores.docs, usecase.RetrievalConfig{
		TopK:             cfg.RAGTopK,
		Oversample:       cfg.RAGOversample,
		MaxContextTokens: cfg.RAGMaxContextTokens,
		MinScore:         cfg.RAGMinScore,
		Timeout:          cfg.RetrievalTimeout,
	})
	history := historyLimit(cfg)
	synthesizer := usecase.NewAnswerSynthesizer(generator, llmExecutor, usecase.SynthesisConfig{
		AttemptTimeout: cfg.LLMTimeout,
		MaxTokens:      cfg.LLMMaxTokens,
		Temperature:    cfg.LLMTemperature,
		History:        history,
	})
	askUC := usecase.NewAskUseCase(retriever, synthesizer, stores.sessions, usecase.AskConfig{
		History: history,
	}, app.HTTPMetrics)

	app.Queue = queue
	app.Docs = ingestUC
	app.IngestUC = ingestUC
	app.ProcessUC = processUC
	app.AskUC = askUC
	return app, nil
}

// MetricsHandler serves the process registry.
func (a *App) MetricsHandler() http.Handler {
	return metrics.Handler(a.Registry)
}

// RunMaintenance blocks until ctx is done. It returns immediately when the
// index is not owned by this process.
func (a *App) RunMaintenance(ctx context.Context) {
	if a.Maintenance == nil {
		return
	}
	a.Maintenance.Run(ctx)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type stores struct {
	docs     ports.DocumentRepository
	chunks   ports.ChunkStore
	sessions ports.SessionStore
}

func (a *App) openStores(ctx context.Context, cfg config.Config) (stores, error) {
	var (
		out stores
		db  *sql.DB
	)
	if cfg.StoreBackend == config.BackendPostgres || cfg.SessionBackend == config.BackendPostgres {
		opened, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return out, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = opened.Close() })
		if err := postgres.EnsureSchema(ctx, opened); err != nil {
			return out, fmt.Errorf("ensure schema: %w", err)
		}
		db = opened
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		out.docs = postgres.NewDocumentRepository(db)
		out.chunks = postgres.NewChunkRepository(db)
	default:
		docs := memory.NewDocumentRepository()
		out.docs = docs
		out.chunks = memory.NewChunkRepository(docs)
	}

	switch cfg.SessionBackend {
	case config.BackendPostgres:
		out.sessions = postgres.NewSessionRepository(db)
	case config.BackendLog:
		logStore, err := sessionlog.Open(cfg.SessionLogPath)
		if err != nil {
			return out, fmt.Errorf("open session log: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := logStore.Close(); err != nil {
				slog.Warn("session_log_close_failed", "error", err)
			}
		})
		out.sessions = logStore
	default:
		out.sessions = memory.NewSessionStore()
	}
	return out, nil
}

func (a *App) openEmbeddingCache(ctx context.Context, cfg config.Config) (embedding.Cache, error) {
	switch cfg.EmbedCacheBackend {
	case config.BackendRedis:
		client, err := embedding.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init embedding cache: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return embedding.NewRedisCache(client, cfg.RedisTTL), nil
	case config.BackendNone:
		return nil, nil
	default:
		return embedding.NewMemoryCache(cfg.EmbedCacheSize), nil
	}
}

func (a *App) openVectorIndex(
	ctx context.Context,
	cfg config.Config,
	executor *resilience.Executor,
	chunks ports.ChunkStore,
) (ports.VectorIndex, error) {
	if cfg.VectorBackend == config.BackendQdrant {
		distance := qdrant.DistanceCosine
		if cfg.IndexMetric == string(local.MetricL2) {
			distance = qdrant.DistanceEuclid
		}
		return qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, distance, executor), nil
	}

	metric, err := local.ParseMetric(cfg.IndexMetric)
	if err != nil {
		return nil, err
	}
	index := local.New(metric, cfg.IndexPath)
	indexMetrics := metrics.NewIndexMetrics(a.Registry, index.Stats)
	a.Maintenance = usecase.NewIndexMaintenanceUseCase(index, chunks, usecase.MaintenanceConfig{
		Interval:       cfg.CompactionInterval,
		TombstoneRatio: cfg.CompactionTombstoneRatio,
	}, indexMetrics)
	if err := a.Maintenance.LoadOrRebuild(ctx); err != nil {
		return nil, fmt.Errorf("load vector index: %w", err)
	}
	return index, nil
}

func resiliencePolicy(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.BreakerEnabled = cfg.BreakerEnabled
	return out
}

func pingOllama(ctx context.Context, client *ollama.Client) (string, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(pingCtx)
}

func historyLimit(cfg config.Config) domain.HistoryLimit {
	return domain.HistoryLimit{MaxMessages: cfg.HistoryMessages, MaxTokens: cfg.HistoryTokens}
}
