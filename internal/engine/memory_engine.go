package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/recall/internal/cache"
	"github.com/scrypster/recall/internal/importance"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/syncer"
	"github.com/scrypster/recall/internal/vector"
	"github.com/scrypster/recall/pkg/types"
)

// Dependencies are the tiers the engine orchestrates. Store and Cache are
// required. Without Index the semantic source and vectorization are skipped;
// without Sync durable writes go straight to Store.
type Dependencies struct {
	Store      storage.DurableStore
	Cache      *cache.SessionCache
	Index      *vector.Index
	Importance *importance.Engine
	Sync       *syncer.Coordinator
}

// MemoryEngine is the single entry point the chat orchestration layer uses to
// save turns and fetch reply context.
type MemoryEngine struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	store      storage.DurableStore
	cache      *cache.SessionCache
	index      *vector.Index
	importance *importance.Engine
	sync       *syncer.Coordinator

	// Vectorization pipeline
	vectorizeQueue  chan *vectorizeJob
	queueMu         sync.RWMutex
	queueClosed     bool
	workerWaitGroup sync.WaitGroup
	workerCancel    context.CancelFunc

	// State management
	started bool
	mu      sync.RWMutex

	// Callbacks
	cbMu          sync.RWMutex
	onMemorySaved func(rec types.MemoryRecord)
	onVectorized  func(rec types.MemoryRecord)
}

// NewMemoryEngine creates a memory engine over deps.
// Use DefaultConfig() for sensible defaults.
func NewMemoryEngine(deps Dependencies, cfg Config, logger zerolog.Logger) (*MemoryEngine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("session cache is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	imp := deps.Importance
	if imp == nil {
		imp = importance.New(importance.DefaultConfig(), nil)
	}

	return &MemoryEngine{
		config:         cfg,
		logger:         logger.With().Str("component", "engine").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
		store:          deps.Store,
		cache:          deps.Cache,
		index:          deps.Index,
		importance:     imp,
		sync:           deps.Sync,
		vectorizeQueue: make(chan *vectorizeJob, cfg.QueueSize),
		queueClosed:    true,
	}, nil
}

// SetOnMemorySaved sets a callback fired after a message is durably stored.
func (e *MemoryEngine) SetOnMemorySaved(callback func(rec types.MemoryRecord)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onMemorySaved = callback
}

// SetOnVectorized sets a callback fired when a record's vector is attached.
// This is useful for pushing updates to websocket clients.
func (e *MemoryEngine) SetOnVectorized(callback func(rec types.MemoryRecord)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onVectorized = callback
}

// Start starts the vectorization worker pool. It must be called before
// SaveMessage.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	var workerCtx context.Context
	workerCtx, e.workerCancel = context.WithCancel(context.WithoutCancel(ctx))

	e.queueMu.Lock()
	if e.queueClosed {
		e.vectorizeQueue = make(chan *vectorizeJob, e.config.QueueSize)
		e.queueClosed = false
	}
	e.queueMu.Unlock()

	if e.index != nil {
		e.startWorkerPool(workerCtx)
	} else {
		e.logger.Warn().Msg("no vector index configured, semantic search and vectorization disabled")
	}

	e.started = true
	e.logger.Info().Msg("memory engine started")
	return nil
}

// Shutdown stops accepting vectorization jobs and waits for queued ones to
// finish (bounded by ShutdownTimeout). Jobs left behind stay in the backlog.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine not started")
	}

	e.logger.Info().Msg("shutting down memory engine")

	if err := e.stopWorkerPool(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("worker pool shutdown had errors")
	}
	if e.workerCancel != nil {
		e.workerCancel()
	}

	e.started = false
	e.logger.Info().Msg("memory engine shut down")
	return nil
}

// SaveMessage writes one turn to the session cache and the durable tier in
// parallel, each with its own timeout, then queues it for vectorization.
//
// A cache failure alone is not an error: the result reports CacheSaved=false.
// A durable failure returns ErrDurableWrite unless the sync coordinator
// buffered the write, in which case Queued is set and no error is returned.
// Malformed identifiers are rejected before any I/O.
func (e *MemoryEngine) SaveMessage(ctx context.Context, req SaveRequest) (SaveResult, error) {
	e.mu.RLock()
	started := e.started
	e.mu.RUnlock()
	if !started {
		return SaveResult{}, ErrNotStarted
	}

	rec := &types.MemoryRecord{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Kind:           req.Kind,
		Content:        req.Content,
		CreatedAt:      e.now(),
		Emotion:        req.Emotion,
		Archetype:      req.Archetype,
		UserName:       req.UserName,
		Category:       req.Category,
	}
	if rec.Kind == "" {
		rec.Kind = types.KindMessage
	}
	if err := storage.ValidateForAppend(rec); err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{MemoryID: rec.ID}
	entry := rec.CacheEntry()

	var (
		g          errgroup.Group
		durableErr error
	)
	g.Go(func() error {
		cctx, cancel := context.WithTimeout(ctx, e.config.CacheTimeout)
		defer cancel()
		res.CacheSaved = e.cache.Save(cctx, rec.UserID, rec.ConversationID, entry) == cache.StatusOK
		return nil
	})
	g.Go(func() error {
		dctx, cancel := context.WithTimeout(ctx, e.config.DurableTimeout)
		defer cancel()
		res.Queued, durableErr = e.writeDurable(dctx, rec)
		return nil
	})
	_ = g.Wait()

	if durableErr != nil {
		e.logger.Error().Err(durableErr).
			Str("user_id", rec.UserID).
			Str("conversation_id", rec.ConversationID).
			Bool("cache_saved", res.CacheSaved).
			Msg("durable write failed")
		return res, fmt.Errorf("%w: %w", ErrDurableWrite, durableErr)
	}
	if res.Queued {
		e.logger.Debug().Str("record_id", rec.ID).Msg("durable write buffered for sync")
		return res, nil
	}

	res.DurableSaved = true
	res.SequenceNumber = rec.SequenceNumber

	e.cbMu.RLock()
	cb := e.onMemorySaved
	e.cbMu.RUnlock()
	if cb != nil {
		cb(*rec)
	}

	if e.index != nil && rec.Kind == types.KindMessage {
		res.Vectorized = e.queueVectorizeJob(e.createVectorizeJob(*rec, 0))
	}
	return res, nil
}

// writeDurable routes the write through the sync coordinator when one is
// configured. It reports whether the write was buffered instead of stored.
func (e *MemoryEngine) writeDurable(ctx context.Context, rec *types.MemoryRecord) (bool, error) {
	if e.sync == nil {
		_, err := e.store.Append(ctx, rec)
		return false, err
	}

	wr, err := e.sync.WriteRecord(ctx, rec)
	if err != nil {
		return false, err
	}
	return wr.Queued, nil
}

// FetchContext assembles the context for replying to query in a session.
// The recent, ranked and semantic sources run concurrently under one
// deadline (FetchTimeout). A source that fails or misses the deadline is
// listed in Degraded and contributes nothing. Only malformed identifiers are
// returned as errors.
func (e *MemoryEngine) FetchContext(ctx context.Context, userID, sessionID, query string, opts FetchOptions) (ContextResult, error) {
	if err := types.ValidateIDs("user_id", userID, "session_id", sessionID); err != nil {
		return ContextResult{}, err
	}

	result := ContextResult{
		Recent:         []types.SessionCacheEntry{},
		Ranked:         []types.MemoryRecord{},
		Semantic:       []types.ScoredRecord{},
		ContextualHint: ClassifyHint(query),
	}

	fctx, cancel := context.WithTimeout(ctx, e.config.FetchTimeout)
	defer cancel()

	semantic := make(chan []types.ScoredRecord, 1)
	semanticWanted := !opts.SkipSemantic && e.index != nil && strings.TrimSpace(query) != ""
	if semanticWanted {
		go func() {
			hits, err := e.index.Search(fctx, query, userID, opts.Search)
			if err != nil {
				e.logger.Warn().Err(err).Str("user_id", userID).Msg("semantic source unavailable")
				hits = nil
			}
			semantic <- hits
		}()
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		degraded []string
		recent   []types.SessionCacheEntry
		ranked   []types.MemoryRecord
	)
	markDegraded := func(source string) {
		mu.Lock()
		degraded = append(degraded, source)
		mu.Unlock()
	}
	g.Go(func() error {
		entries, cacheDegraded, err := e.recent(fctx, userID, sessionID)
		if cacheDegraded {
			markDegraded(SourceCache)
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("user_id", userID).Msg("recent source unavailable")
			markDegraded(SourceRecent)
			return nil
		}
		recent = entries
		return nil
	})
	g.Go(func() error {
		top, err := e.ranked(fctx, userID, opts.RankedLimit)
		if err != nil {
			e.logger.Warn().Err(err).Str("user_id", userID).Msg("ranked source unavailable")
			markDegraded(SourceRanked)
			return nil
		}
		ranked = top
		return nil
	})
	_ = g.Wait()

	if recent != nil {
		result.Recent = recent
	}
	if ranked != nil {
		result.Ranked = ranked
	}

	if semanticWanted {
		select {
		case hits := <-semantic:
			if hits == nil {
				degraded = append(degraded, SourceSemantic)
				break
			}
			result.Semantic = hits
			e.bumpReferences(ctx, hits)
		case <-fctx.Done():
			e.logger.Warn().Str("user_id", userID).Dur("timeout", e.config.FetchTimeout).Msg("semantic source abandoned after deadline")
			degraded = append(degraded, SourceSemantic)
		}
	}

	result.Degraded = degraded
	return result, nil
}

// recent returns the session window. A full cache window is served as is.
// A short or missing one may have lost entries to expiry or eviction, so it
// is checked against the durable store and the cache is re-warmed from it.
// Cached entries the store does not have yet, such as buffered writes, are
// kept. The boolean reports a degraded cache.
func (e *MemoryEngine) recent(ctx context.Context, userID, sessionID string) ([]types.SessionCacheEntry, bool, error) {
	entries, status := e.cache.GetSession(ctx, userID, sessionID)
	cacheDegraded := status == cache.StatusDegraded
	if !cacheDegraded && len(entries) >= e.config.RecentLimit {
		return entries[len(entries)-e.config.RecentLimit:], false, nil
	}

	records, err := e.store.ListByConversation(ctx, userID, sessionID)
	if err != nil {
		if len(entries) > 0 {
			e.logger.Warn().Err(err).Str("user_id", userID).Msg("serving cached window without durable check")
			return entries, cacheDegraded, nil
		}
		return nil, cacheDegraded, err
	}
	if len(records) > e.config.RecentLimit {
		records = records[len(records)-e.config.RecentLimit:]
	}
	durable := make([]types.SessionCacheEntry, len(records))
	for i := range records {
		durable[i] = records[i].CacheEntry()
	}

	out := cache.MergeEntries(durable, entries)
	if len(out) > e.config.RecentLimit {
		out = out[len(out)-e.config.RecentLimit:]
	}
	if !cacheDegraded && len(out) > len(entries) {
		e.cache.Warm(ctx, userID, sessionID, out)
	}
	return out, cacheDegraded, nil
}

func (e *MemoryEngine) ranked(ctx context.Context, userID string, k int) ([]types.MemoryRecord, error) {
	if k < 1 {
		k = e.config.RankedLimit
	}
	candidates, err := e.store.ListRecent(ctx, userID, storage.ListOptions{Limit: e.config.CandidateWindow})
	if err != nil {
		return nil, err
	}
	return e.importance.SelectTopK(candidates, k), nil
}

// bumpReferences counts each surfaced record as referenced once. Failures
// only cost importance accuracy and are logged.
func (e *MemoryEngine) bumpReferences(ctx context.Context, hits []types.ScoredRecord) {
	if len(hits) == 0 {
		return
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Record.ID
	}
	if err := e.store.IncrementReferenceCount(ctx, ids...); err != nil {
		e.logger.Warn().Err(err).Int("count", len(ids)).Msg("failed to bump reference counts")
	}
}

// SearchRelated returns the user's records semantically related to query.
// An empty query or an unavailable embedder yields an empty result.
func (e *MemoryEngine) SearchRelated(ctx context.Context, userID, query string, opts vector.SearchOptions) ([]types.ScoredRecord, error) {
	if err := types.ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	if e.index == nil {
		return []types.ScoredRecord{}, nil
	}

	hits, err := e.index.Search(ctx, query, userID, opts)
	if err != nil {
		return nil, err
	}
	e.bumpReferences(ctx, hits)
	return hits, nil
}

// RepairSequence renumbers a conversation 1..N by creation time.
func (e *MemoryEngine) RepairSequence(ctx context.Context, userID, conversationID string) (int, error) {
	if err := types.ValidateIDs("user_id", userID, "conversation_id", conversationID); err != nil {
		return 0, err
	}
	return e.store.RepairSequence(ctx, conversationID, userID)
}

// VectorizeBacklog embeds the user's records that still lack a vector.
func (e *MemoryEngine) VectorizeBacklog(ctx context.Context, userID string, batchSize int) (vector.BacklogReport, error) {
	if err := types.ValidateID("user_id", userID); err != nil {
		return vector.BacklogReport{}, err
	}
	if e.index == nil {
		return vector.BacklogReport{}, ErrNoIndex
	}
	return e.index.VectorizeBacklog(ctx, userID, batchSize)
}

// CleanupSessions drops every cached session of the user and returns how
// many were removed. Durable records are untouched.
func (e *MemoryEngine) CleanupSessions(ctx context.Context, userID string) (int, error) {
	if err := types.ValidateID("user_id", userID); err != nil {
		return 0, err
	}
	return e.cache.Cleanup(ctx, userID), nil
}

// Health is a snapshot of the engine for the health endpoint.
type Health struct {
	Started       bool   `json:"started"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
	VectorBackend string `json:"vector_backend,omitempty"`
	Cache         string `json:"cache"`
	StoreError    string `json:"store_error,omitempty"`
}

// Health pings the durable store and the cache tier and reports queue depth.
func (e *MemoryEngine) Health(ctx context.Context) Health {
	e.mu.RLock()
	h := Health{
		Started:       e.started,
		QueueLength:   e.queueLength(),
		QueueCapacity: cap(e.vectorizeQueue),
	}
	e.mu.RUnlock()

	if e.index != nil {
		h.VectorBackend = e.index.BackendName()
	}
	h.Cache = string(e.cache.Ping(ctx))
	if err := e.store.Ping(ctx); err != nil {
		h.StoreError = err.Error()
	}
	return h
}

