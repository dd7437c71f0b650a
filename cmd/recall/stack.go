package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/cache"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/importance"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/postgres"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/internal/syncer"
	"github.com/scrypster/recall/internal/vector"
)

// stack holds every tier of a running process.
type stack struct {
	store    storage.DurableStore
	tier     *cache.RistrettoTier
	sessions *cache.SessionCache
	provider *embedding.Provider
	index    *vector.Index
	buffer   *syncer.Buffer
	sync     *syncer.Coordinator
	engine   *engine.MemoryEngine
	logger   zerolog.Logger
}

// openStore opens the configured durable backend and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.DurableStore, error) {
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.NewMemoryStore(ctx, cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite", "":
		store, err := sqlite.NewMemoryStore(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Storage.Engine)
	}
}

// buildStack assembles store, cache, embedding, vector index, sync
// coordinator and engine. The engine is not started.
func buildStack(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *stack, err error) {
	s := &stack{logger: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if s.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if s.tier, err = cache.NewRistrettoTier(cache.RistrettoConfig{MaxSessions: cfg.Cache.MaxSessions}); err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	s.sessions = cache.NewSessionCache(s.tier, cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	}, logger)

	if s.provider, err = embedding.NewFromConfig(cfg.Embedding, logger); err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	var backend vector.Backend
	switch cfg.Vector.Backend {
	case "chromem":
		backend = vector.NewChromemBackend(s.store, logger)
	default:
		backend = vector.NewStoreBackend(s.store)
	}
	s.index = vector.NewIndex(s.provider, backend, s.store, vector.Config{
		Limit:               cfg.Vector.Limit,
		SimilarityThreshold: cfg.Vector.SimilarityThreshold,
		BacklogBatchSize:    cfg.Vector.BacklogBatchSize,
		BacklogPause:        cfg.Vector.BacklogPause,
	}, logger)

	if cfg.Sync.Enabled {
		if s.buffer, err = syncer.OpenBuffer(ctx, cfg.Sync.BufferPath, logger); err != nil {
			return nil, fmt.Errorf("open sync buffer: %w", err)
		}
		s.sync = syncer.NewCoordinator(s.store, s.buffer, logger)
	}

	imp := importance.New(importance.Config{
		HalfLife:        cfg.Importance.HalfLife,
		IntensityWeight: cfg.Importance.IntensityWeight,
		ReferenceWeight: cfg.Importance.ReferenceWeight,
		RecencyWeight:   cfg.Importance.RecencyWeight,
		MilestoneBonus:  cfg.Importance.MilestoneBonus,
	}, time.Now)

	s.engine, err = engine.NewMemoryEngine(engine.Dependencies{
		Store:      s.store,
		Cache:      s.sessions,
		Index:      s.index,
		Importance: imp,
		Sync:       s.sync,
	}, engineConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return s, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.NumWorkers = cfg.Engine.NumWorkers
	ec.QueueSize = cfg.Engine.QueueSize
	ec.MaxRetries = cfg.Engine.MaxRetries
	ec.ShutdownTimeout = cfg.Engine.ShutdownTimeout
	ec.CacheTimeout = cfg.Engine.CacheTimeout
	ec.DurableTimeout = cfg.Engine.DurableTimeout
	ec.FetchTimeout = cfg.Engine.FetchTimeout
	ec.RankedLimit = cfg.Engine.RankedLimit
	ec.CandidateWindow = cfg.Engine.CandidateWindow
	if cfg.Cache.MaxEntries > 0 {
		ec.RecentLimit = cfg.Cache.MaxEntries
	}
	if cfg.Storage.Engine != "postgres" {
		// SQLite runs on a single connection.
		ec.NumWorkers = 1
	}
	return ec
}

// close releases whatever buildStack managed to open.
func (s *stack) close() {
	if s.buffer != nil {
		if err := s.buffer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close sync buffer")
		}
	}
	if s.tier != nil {
		s.tier.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close store")
		}
	}
}
