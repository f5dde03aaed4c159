package usecase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

// MaintenanceObserver receives compaction and persistence outcomes.
type MaintenanceObserver interface {
	RecordCompaction(err error)
	RecordPersist(err error)
}

type MaintenanceConfig struct {
	Interval       time.Duration
	TombstoneRatio float64
}

// IndexMaintenanceUseCase compacts, persists, and rebuilds a locally owned
// vector index.
type IndexMaintenanceUseCase struct {
	index    ports.MaintainableIndex
	chunks   ports.ChunkStore
	cfg      MaintenanceConfig
	observer MaintenanceObserver
}

func NewIndexMaintenanceUseCase(
	index ports.MaintainableIndex,
	chunks ports.ChunkStore,
	cfg MaintenanceConfig,
	observer MaintenanceObserver,
) *IndexMaintenanceUseCase {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.TombstoneRatio <= 0 {
		cfg.TombstoneRatio = 0.2
	}
	return &IndexMaintenanceUseCase{index: index, chunks: chunks, cfg: cfg, observer: observer}
}

// LoadOrRebuild restores the persisted index. A missing or corrupt index is
// rebuilt from the chunk store.
func (uc *IndexMaintenanceUseCase) LoadOrRebuild(ctx context.Context) error {
	err := uc.index.Load(ctx)
	switch {
	case err == nil:
		stats := uc.index.Stats()
		slog.Info("vector_index_loaded", "entries", stats.Entries, "dimension", stats.Dimension)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("vector_index_missing", "action", "rebuild")
	case domain.IsKind(err, domain.ErrIndexCorruption):
		slog.Warn("vector_index_corrupt", "action", "rebuild", "error", err)
	default:
		return fmt.Errorf("load vector index: %w", err)
	}
	return uc.Rebuild(ctx)
}

// Rebuild replaces the index contents with every chunk of indexed documents.
func (uc *IndexMaintenanceUseCase) Rebuild(ctx context.Context) error {
	start := time.Now()
	uc.index.Reset()

	inserted, skipped := 0, 0
	err := uc.chunks.ListAllChunks(ctx, func(c domain.Chunk) error {
		if len(c.Embedding) == 0 {
			skipped++
			return nil
		}
		if _, err := uc.index.Insert(ctx, domain.IndexEntry{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Vector:     c.Embedding,
		}); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		inserted++
		return nil
	})
	if err != nil {
		uc.index.Reset()
		return fmt.Errorf("rebuild vector index: %w", err)
	}

	slog.Info("vector_index_rebuilt",
		"entries", inserted,
		"skipped", skipped,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return uc.persist(ctx)
}

// RunOnce compacts when the tombstone ratio reaches the threshold and then
// persists the index.
func (uc *IndexMaintenanceUseCase) RunOnce(ctx context.Context) error {
	stats := uc.index.Stats()
	total := stats.Entries + stats.Tombstones
	if stats.Tombstones > 0 && float64(stats.Tombstones)/float64(total) >= uc.cfg.TombstoneRatio {
		err := uc.index.Compact(ctx)
		if uc.observer != nil {
			uc.observer.RecordCompaction(err)
		}
		if err != nil {
			return fmt.Errorf("compact vector index: %w", err)
		}
		slog.Info("vector_index_compacted", "removed", stats.Tombstones, "entries", stats.Entries)
	}
	return uc.persist(ctx)
}

// Run calls RunOnce every interval until ctx is done, then persists once more.
func (uc *IndexMaintenanceUseCase) Run(ctx context.Context) {
	ticker := time.NewTicker(uc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if err := uc.persist(finalCtx); err != nil {
				slog.Error("vector_index_final_persist_failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := uc.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("vector_index_maintenance_failed", "error", err)
			}
		}
	}
}

func (uc *IndexMaintenanceUseCase) persist(ctx context.Context) error {
	err := uc.index.Persist(ctx)
	if uc.observer != nil {
		uc.observer.RecordPersist(err)
	}
	if err != nil {
		return fmt.Errorf("persist vector index: %w", err)
	}
	return nil
}
