package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/postgres"
	"github.com/scrypster/recall/pkg/types"
)

// postgresTestDSN returns the DSN for the test database.
// If POSTGRES_TEST_DSN is not set, tests are skipped.
func postgresTestDSN(t *testing.T) string {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore connects to the test database and empties it.
func newTestStore(t *testing.T) *postgres.MemoryStore {
	t.Helper()

	dsn := postgresTestDSN(t)

	store, err := postgres.NewMemoryStore(context.Background(), dsn, zerolog.Nop())
	require.NoError(t, err, "NewMemoryStore should succeed")
	require.NoError(t, store.TruncateForTest(context.Background()))

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func newRecord(user, conv, content string) *types.MemoryRecord {
	return &types.MemoryRecord{
		UserID:         user,
		ConversationID: conv,
		Role:           types.RoleUser,
		Content:        content,
	}
}

func TestPostgres_AppendSequencing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, conv := uuid.NewString(), uuid.NewString()

	for i := 1; i <= 3; i++ {
		rec := newRecord(user, conv, "message")
		_, err := store.Append(ctx, rec)
		require.NoError(t, err)
		require.NotNil(t, rec.SequenceNumber)
		assert.Equal(t, int64(i), *rec.SequenceNumber)
	}

	// Re-appending an existing ID returns the stored sequence.
	dup := newRecord(user, conv, "dup")
	_, err := store.Append(ctx, dup)
	require.NoError(t, err)
	first := *dup.SequenceNumber

	again := newRecord(user, conv, "dup")
	again.ID = dup.ID
	_, err = store.Append(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first, *again.SequenceNumber)

	list, err := store.ListByConversation(ctx, user, conv)
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestPostgres_ConcurrentAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, conv := uuid.NewString(), uuid.NewString()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, newRecord(user, conv, "concurrent"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := store.ListByConversation(ctx, user, conv)
	require.NoError(t, err)
	require.Len(t, list, writers)
	for i, r := range list {
		require.NotNil(t, r.SequenceNumber)
		assert.Equal(t, int64(i+1), *r.SequenceNumber)
	}
}

func TestPostgres_RepairSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, conv := uuid.NewString(), uuid.NewString()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i, seq := range []int64{7, 7, 3} {
		s := seq
		rec := newRecord(user, conv, "out of order")
		rec.SequenceNumber = &s
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := store.Append(ctx, rec)
		require.NoError(t, err)
	}

	n, err := store.RepairSequence(ctx, conv, user)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := store.ListByConversation(ctx, user, conv)
	require.NoError(t, err)

	_, err = store.RepairSequence(ctx, conv, user)
	require.NoError(t, err)
	second, err := store.ListByConversation(ctx, user, conv)
	require.NoError(t, err)

	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, int64(i+1), *first[i].SequenceNumber)
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, !first[i].CreatedAt.After(first[len(first)-1].CreatedAt))
	}
}

func TestPostgres_VectorSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user, conv := uuid.NewString(), uuid.NewString()

	near := newRecord(user, conv, "near")
	far := newRecord(user, conv, "far")
	other := newRecord(uuid.NewString(), conv, "other user")
	for _, r := range []*types.MemoryRecord{near, far, other} {
		_, err := store.Append(ctx, r)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetEmbedding(ctx, near.ID, []float32{1, 0, 0}, "test"))
	require.NoError(t, store.SetEmbedding(ctx, far.ID, []float32{0, 1, 0}, "test"))
	require.NoError(t, store.SetEmbedding(ctx, other.ID, []float32{1, 0, 0}, "test"))

	results, err := store.SearchByVector(ctx, storage.VectorQuery{
		UserID:    user,
		Vector:    []float32{0.9, 0.1, 0},
		Threshold: 0.7,
		Limit:     5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, near.ID, results[0].Record.ID)
	assert.InDelta(t, 0.99, results[0].Similarity, 0.01)

	missing, err := store.ListMissingEmbeddings(ctx, storage.MissingEmbeddingsQuery{UserID: user})
	require.NoError(t, err)
	assert.Empty(t, missing)

	err = store.SetEmbedding(ctx, uuid.NewString(), []float32{1}, "test")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgres_UserStateLastWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := uuid.NewString()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.PutUserState(ctx, &types.UserState{
		UserID: user, Kind: types.UserStateProfile, Key: "profile",
		Payload: json.RawMessage(`{"name":"new"}`), UpdatedAt: now,
	}))
	require.NoError(t, store.PutUserState(ctx, &types.UserState{
		UserID: user, Kind: types.UserStateProfile, Key: "profile",
		Payload: json.RawMessage(`{"name":"old"}`), UpdatedAt: now.Add(-time.Minute),
	}))

	st, err := store.GetUserState(ctx, user, types.UserStateProfile, "profile")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"new"}`, string(st.Payload))

	_, err = store.GetUserState(ctx, user, types.UserStateSession, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
