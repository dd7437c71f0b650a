// Package vector provides semantic search over a user's memory records and
// the backfill job that embeds records which were saved without a vector.
package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Search defaults.
const (
	DefaultLimit               = 5
	DefaultSimilarityThreshold = 0.7
	DefaultBacklogBatchSize    = 20
)

// Embedder is the subset of embedding.Provider the index uses. A nil vector
// with a nil error means the text could not be embedded right now.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// SearchOptions narrows a semantic search. Zero values select the defaults.
type SearchOptions struct {
	Limit               int
	SimilarityThreshold float64
	SpecialOnly         bool
}

func (o SearchOptions) normalize(def Config) SearchOptions {
	if o.Limit < 1 {
		o.Limit = def.Limit
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = def.SimilarityThreshold
	}
	return o
}

// Config holds index defaults and backlog throttling.
type Config struct {
	Limit               int
	SimilarityThreshold float64
	BacklogBatchSize    int
	BacklogPause        time.Duration
}

// BacklogReport summarises one VectorizeBacklog run.
type BacklogReport struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
}

// Index ties an embedder, a search backend and the durable embedding store.
type Index struct {
	embedder Embedder
	backend  Backend
	store    storage.EmbeddingStore
	cfg      Config
	logger   zerolog.Logger
}

// NewIndex creates an Index. Zero config values select the defaults.
func NewIndex(embedder Embedder, backend Backend, store storage.EmbeddingStore, cfg Config, logger zerolog.Logger) *Index {
	if cfg.Limit < 1 {
		cfg.Limit = DefaultLimit
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.BacklogBatchSize < 1 {
		cfg.BacklogBatchSize = DefaultBacklogBatchSize
	}
	return &Index{
		embedder: embedder,
		backend:  backend,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "vector_index").Str("backend", backend.Name()).Logger(),
	}
}

// Search embeds query and returns the user's records with similarity at or
// above the threshold, most similar first. An empty query or a failed
// embedding yields an empty result and no error.
func (ix *Index) Search(ctx context.Context, query, userID string, opts SearchOptions) ([]types.ScoredRecord, error) {
	opts = opts.normalize(ix.cfg)

	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil || len(vec) == 0 {
		if err != nil {
			ix.logger.Debug().Err(err).Msg("query embedding unavailable")
		}
		return []types.ScoredRecord{}, nil
	}

	results, err := ix.backend.Search(ctx, storage.VectorQuery{
		UserID:      userID,
		Vector:      vec,
		Threshold:   opts.SimilarityThreshold,
		Limit:       opts.Limit,
		SpecialOnly: opts.SpecialOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if results == nil {
		results = []types.ScoredRecord{}
	}
	return results, nil
}

// Attach stores vec on rec and makes it searchable.
func (ix *Index) Attach(ctx context.Context, rec *types.MemoryRecord, vec []float32) error {
	if err := ix.store.SetEmbedding(ctx, rec.ID, vec, ix.embedder.Model()); err != nil {
		return err
	}
	rec.Embedding = vec
	rec.EmbeddingModel = ix.embedder.Model()

	if err := ix.backend.Upsert(ctx, *rec); err != nil {
		// The store copy is authoritative; the backend reloads from it.
		ix.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("backend upsert failed")
	}
	return nil
}

// Vectorize embeds rec's content and attaches the vector. It reports false
// with a nil error when the embedder produced nothing.
func (ix *Index) Vectorize(ctx context.Context, rec *types.MemoryRecord) (bool, error) {
	vec, err := ix.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return false, err
	}
	if len(vec) == 0 {
		return false, nil
	}
	if err := ix.Attach(ctx, rec, vec); err != nil {
		return false, err
	}
	return true, nil
}

// VectorizeBacklog embeds the user's records that have no vector, in pages of
// batchSize with a pause between pages. The scan walks forward by record ID,
// so a record that fails is counted once and retried on the next run.
func (ix *Index) VectorizeBacklog(ctx context.Context, userID string, batchSize int) (BacklogReport, error) {
	var report BacklogReport
	if batchSize < 1 {
		batchSize = ix.cfg.BacklogBatchSize
	}

	cursor := ""
	for {
		page, err := ix.store.ListMissingEmbeddings(ctx, storage.MissingEmbeddingsQuery{
			UserID:  userID,
			AfterID: cursor,
			Limit:   batchSize,
		})
		if err != nil {
			return report, fmt.Errorf("vectorize backlog: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			rec := &page[i]
			report.Processed++
			ok, err := ix.Vectorize(ctx, rec)
			if err != nil && ctx.Err() != nil {
				return report, ctx.Err()
			}
			if ok {
				report.Success++
			} else {
				report.Failed++
				ix.logger.Debug().Err(err).Str("record_id", rec.ID).Msg("backlog record not embedded")
			}
		}
		cursor = page[len(page)-1].ID

		if len(page) < batchSize {
			break
		}
		if ix.cfg.BacklogPause > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(ix.cfg.BacklogPause):
			}
		}
	}

	ix.logger.Info().
		Str("user_id", userID).
		Int("processed", report.Processed).
		Int("success", report.Success).
		Int("failed", report.Failed).
		Msg("backlog vectorization finished")
	return report, nil
}

// BackendName reports which search backend is in use.
func (ix *Index) BackendName() string {
	return ix.backend.Name()
}
