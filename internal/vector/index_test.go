package vector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/pkg/types"
)

const (
	userA = "0b7f6d0e-1c2a-4b8e-9a61-3f7e2d1c4b55"
	userB = "9c4e2a1b-7d3f-4c8a-b2e6-1a0f9d8c7b66"
	convA = "6a2e4c1d-8b3f-4e7a-a5c9-2d1b0f9e8c77"
)

// fakeEmbedder maps known texts to fixed vectors. Unknown text fails.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if text == "" {
		return nil, nil
	}
	f.calls++
	vec, ok := f.vectors[text]
	if !ok {
		// Mirrors the provider: backend failures surface as a nil vector.
		return nil, nil
	}
	return vec, nil
}

func (f *fakeEmbedder) Model() string { return "fake" }

type failingBackend struct{}

func (failingBackend) Search(context.Context, storage.VectorQuery) ([]types.ScoredRecord, error) {
	return nil, errors.New("backend down")
}

func (failingBackend) Upsert(context.Context, types.MemoryRecord) error { return nil }

func (failingBackend) Name() string { return "failing" }

func newStore(t *testing.T) *sqlite.MemoryStore {
	t.Helper()
	store, err := sqlite.NewMemoryStore(context.Background(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendRecord(t *testing.T, store *sqlite.MemoryStore, user, content string, intensity int) *types.MemoryRecord {
	t.Helper()
	rec := &types.MemoryRecord{
		UserID:         user,
		ConversationID: convA,
		Role:           types.RoleUser,
		Content:        content,
	}
	if intensity > 0 {
		rec.Emotion = &types.Emotion{Label: "joy", Intensity: intensity, Category: types.EmotionPositive}
	}
	_, err := store.Append(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

var corpus = map[string][]float32{
	"we adopted a puppy":   {1, 0, 0},
	"the puppy chewed":     {0.9, 0.3, 0},
	"tax forms are due":    {0, 1, 0},
	"dog":                  {1, 0.05, 0},
	"someone else's puppy": {1, 0, 0},
}

// seed stores and attaches vectors for every corpus text owned by userA,
// plus one record owned by userB.
func seed(t *testing.T, ix *Index, store *sqlite.MemoryStore) map[string]*types.MemoryRecord {
	t.Helper()
	ctx := context.Background()
	out := map[string]*types.MemoryRecord{}
	intensities := map[string]int{"we adopted a puppy": 9, "the puppy chewed": 3}
	for _, text := range []string{"we adopted a puppy", "the puppy chewed", "tax forms are due"} {
		rec := appendRecord(t, store, userA, text, intensities[text])
		ok, err := ix.Vectorize(ctx, rec)
		require.NoError(t, err)
		require.True(t, ok)
		out[text] = rec
	}
	other := appendRecord(t, store, userB, "someone else's puppy", 0)
	ok, err := ix.Vectorize(ctx, other)
	require.NoError(t, err)
	require.True(t, ok)
	out["other"] = other
	return out
}

func TestSearch_ThresholdOrderingAndOwnership(t *testing.T) {
	backends := map[string]func(*sqlite.MemoryStore) Backend{
		"store":   func(s *sqlite.MemoryStore) Backend { return NewStoreBackend(s) },
		"chromem": func(s *sqlite.MemoryStore) Backend { return NewChromemBackend(s, zerolog.Nop()) },
	}
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			backend := newBackend(store)
			ix := NewIndex(&fakeEmbedder{vectors: corpus}, backend, store, Config{}, zerolog.Nop())
			recs := seed(t, ix, store)

			results, err := ix.Search(context.Background(), "dog", userA, SearchOptions{})
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, recs["we adopted a puppy"].ID, results[0].Record.ID)
			assert.Equal(t, recs["the puppy chewed"].ID, results[1].Record.ID)
			for _, r := range results {
				assert.Equal(t, userA, r.Record.UserID)
				assert.GreaterOrEqual(t, r.Similarity, DefaultSimilarityThreshold)
			}
			assert.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)

			limited, err := ix.Search(context.Background(), "dog", userA, SearchOptions{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			special, err := ix.Search(context.Background(), "dog", userA, SearchOptions{SpecialOnly: true})
			require.NoError(t, err)
			require.Len(t, special, 1)
			assert.Equal(t, recs["we adopted a puppy"].ID, special[0].Record.ID)
		})
	}
}

func TestSearch_EmptyQueryIsEmptyResult(t *testing.T) {
	store := newStore(t)
	embedder := &fakeEmbedder{vectors: corpus}
	ix := NewIndex(embedder, NewStoreBackend(store), store, Config{}, zerolog.Nop())
	seed(t, ix, store)
	before := embedder.calls

	results, err := ix.Search(context.Background(), "", userA, SearchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, before, embedder.calls)
}

func TestSearch_EmbeddingFailureIsEmptyResult(t *testing.T) {
	store := newStore(t)
	ix := NewIndex(&fakeEmbedder{vectors: corpus}, NewStoreBackend(store), store, Config{}, zerolog.Nop())
	seed(t, ix, store)

	results, err := ix.Search(context.Background(), "not in corpus", userA, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_BackendErrorIsReported(t *testing.T) {
	store := newStore(t)
	ix := NewIndex(&fakeEmbedder{vectors: corpus}, failingBackend{}, store, Config{}, zerolog.Nop())

	_, err := ix.Search(context.Background(), "dog", userA, SearchOptions{})
	assert.Error(t, err)
}

func TestChromemBackend_UpsertAfterWarm(t *testing.T) {
	store := newStore(t)
	backend := NewChromemBackend(store, zerolog.Nop())
	ix := NewIndex(&fakeEmbedder{vectors: corpus}, backend, store, Config{}, zerolog.Nop())
	ctx := context.Background()

	first := appendRecord(t, store, userA, "we adopted a puppy", 0)
	_, err := ix.Vectorize(ctx, first)
	require.NoError(t, err)

	// Warm the index, then add a record that only reaches it through Upsert.
	results, err := ix.Search(ctx, "dog", userA, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	second := appendRecord(t, store, userA, "the puppy chewed", 0)
	_, err = ix.Vectorize(ctx, second)
	require.NoError(t, err)

	results, err = ix.Search(ctx, "dog", userA, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestChromemBackend_DimensionMismatchIsEmpty(t *testing.T) {
	store := newStore(t)
	ix := NewIndex(&fakeEmbedder{vectors: map[string][]float32{
		"we adopted a puppy": {1, 0, 0},
		"short":              {1, 0},
	}}, NewChromemBackend(store, zerolog.Nop()), store, Config{}, zerolog.Nop())
	ctx := context.Background()

	rec := appendRecord(t, store, userA, "we adopted a puppy", 0)
	_, err := ix.Vectorize(ctx, rec)
	require.NoError(t, err)

	results, err := ix.Search(ctx, "short", userA, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestVectorizeBacklog_CursorSkipsFailures(t *testing.T) {
	store := newStore(t)
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"one": {1, 0}, "two": {0, 1}, "three": {1, 1}, "four": {1, 2},
	}}
	ix := NewIndex(embedder, NewStoreBackend(store), store, Config{BacklogPause: time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	for _, text := range []string{"one", "two", "unembeddable", "three", "four"} {
		appendRecord(t, store, userA, text, 0)
	}
	appendRecord(t, store, userB, "one", 0)

	report, err := ix.VectorizeBacklog(ctx, userA, 2)
	require.NoError(t, err)
	assert.Equal(t, BacklogReport{Processed: 5, Success: 4, Failed: 1}, report)

	again, err := ix.VectorizeBacklog(ctx, userA, 2)
	require.NoError(t, err)
	assert.Equal(t, BacklogReport{Processed: 1, Success: 0, Failed: 1}, again)

	other, err := ix.VectorizeBacklog(ctx, userB, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Success)
}

func TestVectorizeBacklog_StopsOnCancel(t *testing.T) {
	store := newStore(t)
	ix := NewIndex(&fakeEmbedder{vectors: map[string][]float32{"a": {1}, "b": {1}, "c": {1}}},
		NewStoreBackend(store), store, Config{BacklogPause: time.Hour}, zerolog.Nop())

	for _, text := range []string{"a", "b", "c"} {
		appendRecord(t, store, userA, text, 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := ix.VectorizeBacklog(ctx, userA, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, report.Processed)
}

// pgvectorStore reports native similarity search like a PostgreSQL store
// with the extension installed.
type pgvectorStore struct {
	storage.VectorSearcher
	native bool
}

func (p pgvectorStore) VectorSearchNative() bool { return p.native }

func TestStoreBackend_Name(t *testing.T) {
	assert.Equal(t, "pgvector", NewStoreBackend(pgvectorStore{native: true}).Name())
	assert.Equal(t, "store", NewStoreBackend(pgvectorStore{}).Name())

	store, err := sqlite.NewMemoryStore(context.Background(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "store", NewStoreBackend(store).Name())
}
