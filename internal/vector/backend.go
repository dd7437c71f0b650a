package vector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Backend answers nearest-neighbour queries over embedded records.
type Backend interface {
	Search(ctx context.Context, q storage.VectorQuery) ([]types.ScoredRecord, error)

	// Upsert makes a freshly embedded record searchable.
	Upsert(ctx context.Context, rec types.MemoryRecord) error

	Name() string
}

// StoreBackend delegates search to the durable store: pgvector on PostgreSQL,
// a brute-force cosine scan on SQLite.
type StoreBackend struct {
	store storage.VectorSearcher
}

// NewStoreBackend wraps store.
func NewStoreBackend(store storage.VectorSearcher) *StoreBackend {
	return &StoreBackend{store: store}
}

// Search runs q against the store.
func (b *StoreBackend) Search(ctx context.Context, q storage.VectorQuery) ([]types.ScoredRecord, error) {
	return b.store.SearchByVector(ctx, q)
}

// Upsert is a no-op; the store already holds the vector.
func (b *StoreBackend) Upsert(context.Context, types.MemoryRecord) error { return nil }

// nativeSearcher is implemented by stores that can run similarity search
// inside the database.
type nativeSearcher interface {
	VectorSearchNative() bool
}

// Name identifies the backend in logs and health output: "pgvector" when the
// store searches natively, "store" otherwise.
func (b *StoreBackend) Name() string {
	if n, ok := b.store.(nativeSearcher); ok && n.VectorSearchNative() {
		return "pgvector"
	}
	return "store"
}

// RecordSource is what ChromemBackend needs from the durable store.
type RecordSource interface {
	ListEmbedded(ctx context.Context, userID string) ([]types.MemoryRecord, error)
	GetMany(ctx context.Context, userID string, ids []string) ([]types.MemoryRecord, error)
}

// ChromemBackend keeps an in-process chromem-go index per user and vector
// dimension. A user's collections are loaded from the store on first use.
type ChromemBackend struct {
	db     *chromem.DB
	source RecordSource
	logger zerolog.Logger

	mu     sync.Mutex
	warmed map[string]map[int]*chromem.Collection // userID -> dimension -> collection
}

// NewChromemBackend creates an empty in-memory index over source.
func NewChromemBackend(source RecordSource, logger zerolog.Logger) *ChromemBackend {
	return &ChromemBackend{
		db:     chromem.NewDB(),
		source: source,
		logger: logger.With().Str("component", "chromem").Logger(),
		warmed: make(map[string]map[int]*chromem.Collection),
	}
}

// Name identifies the backend in logs and health output.
func (b *ChromemBackend) Name() string { return "chromem" }

// Search queries the collection matching the query dimension, then loads the
// hits from the store so callers see complete records.
func (b *ChromemBackend) Search(ctx context.Context, q storage.VectorQuery) ([]types.ScoredRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	cols, err := b.collections(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	col, ok := cols[len(q.Vector)]
	if !ok || isZero(q.Vector) {
		return nil, nil
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	var where map[string]string
	if q.SpecialOnly {
		where = map[string]string{"special": "true"}
	}

	// Threshold and limit are applied below, after the hits are loaded.
	results, err := col.QueryEmbedding(ctx, append([]float32(nil), q.Vector...), count, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	sims := make(map[string]float64, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < q.Threshold {
			continue
		}
		sims[r.ID] = sim
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := b.source.GetMany(ctx, q.UserID, ids)
	if err != nil {
		return nil, fmt.Errorf("chromem: load hits: %w", err)
	}

	scored := make([]types.ScoredRecord, 0, len(records))
	for _, rec := range records {
		scored = append(scored, types.ScoredRecord{Record: rec, Similarity: sims[rec.ID]})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.CreatedAt.After(scored[j].Record.CreatedAt)
	})
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	return scored, nil
}

// Upsert adds rec to its user's index if that index is already loaded.
// Unloaded users pick the record up from the store when first searched.
func (b *ChromemBackend) Upsert(ctx context.Context, rec types.MemoryRecord) error {
	if !rec.HasEmbedding() || isZero(rec.Embedding) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cols, ok := b.warmed[rec.UserID]
	if !ok {
		return nil
	}
	return b.add(ctx, cols, rec)
}

func (b *ChromemBackend) collections(ctx context.Context, userID string) (map[int]*chromem.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cols, ok := b.warmed[userID]; ok {
		return cols, nil
	}

	records, err := b.source.ListEmbedded(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chromem: warm %s: %w", userID, err)
	}

	cols := make(map[int]*chromem.Collection)
	for _, rec := range records {
		if isZero(rec.Embedding) {
			continue
		}
		if err := b.add(ctx, cols, rec); err != nil {
			return nil, err
		}
	}
	b.warmed[userID] = cols

	b.logger.Debug().Str("user_id", userID).Int("records", len(records)).Msg("index warmed")
	return cols, nil
}

// add must be called with b.mu held.
func (b *ChromemBackend) add(ctx context.Context, cols map[int]*chromem.Collection, rec types.MemoryRecord) error {
	dim := len(rec.Embedding)
	col, ok := cols[dim]
	if !ok {
		var err error
		col, err = b.db.GetOrCreateCollection(fmt.Sprintf("user_%s_d%d", rec.UserID, dim), nil, nil)
		if err != nil {
			return fmt.Errorf("chromem: create collection: %w", err)
		}
		cols[dim] = col
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: append([]float32(nil), rec.Embedding...),
		Metadata: map[string]string{
			"conversation_id": rec.ConversationID,
			"special":         strconv.FormatBool(rec.IsSpecialMoment()),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}
	return nil
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
