package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/pkg/types"
)

const (
	testUser    = "0b7f6d0e-1c2a-4b8e-9a61-3f7e2d1c4b55"
	testSession = "6a2e4c1d-8b3f-4e7a-a5c9-2d1b0f9e8c77"
)

// failingTier simulates an unreachable cache.
type failingTier struct{}

func (failingTier) Load(context.Context, string) ([]types.SessionCacheEntry, bool, error) {
	return nil, false, ErrTierUnavailable
}

func (failingTier) Store(context.Context, string, []types.SessionCacheEntry, time.Duration) error {
	return ErrTierUnavailable
}

func (failingTier) Delete(context.Context, string) error { return ErrTierUnavailable }

// recordingTier is a map-backed tier that records the TTL of every store.
type recordingTier struct {
	mu    sync.Mutex
	data  map[string][]types.SessionCacheEntry
	ttls  []time.Duration
	saves int
}

func newRecordingTier() *recordingTier {
	return &recordingTier{data: make(map[string][]types.SessionCacheEntry)}
}

func (r *recordingTier) Load(_ context.Context, key string) ([]types.SessionCacheEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	return append([]types.SessionCacheEntry(nil), v...), ok, nil
}

func (r *recordingTier) Store(_ context.Context, key string, entries []types.SessionCacheEntry, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = append([]types.SessionCacheEntry(nil), entries...)
	r.ttls = append(r.ttls, ttl)
	r.saves++
	return nil
}

func (r *recordingTier) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func newRistrettoCache(t *testing.T, cfg Config) *SessionCache {
	t.Helper()
	tier, err := NewRistrettoTier(RistrettoConfig{MaxSessions: 1000})
	require.NoError(t, err)
	t.Cleanup(tier.Close)
	return NewSessionCache(tier, cfg, zerolog.Nop())
}

func entry(i int) types.SessionCacheEntry {
	return types.SessionCacheEntry{
		ID:        fmt.Sprintf("m-%02d", i),
		Content:   fmt.Sprintf("message %d", i),
		Role:      types.RoleUser,
		Timestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		SessionID: testSession,
	}
}

func TestSessionCache_KeepsMostRecentEntries(t *testing.T) {
	c := newRistrettoCache(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		require.Equal(t, StatusOK, c.Save(ctx, testUser, testSession, entry(i)))
	}

	got, status := c.GetSession(ctx, testUser, testSession)
	require.Equal(t, StatusOK, status)
	require.Len(t, got, DefaultMaxEntries)
	assert.Equal(t, "m-03", got[0].ID, "oldest two entries trimmed")
	assert.Equal(t, "m-12", got[len(got)-1].ID)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.Before(got[i].Timestamp), "oldest to newest")
	}
}

func TestSessionCache_MissIsEmptyNotDegraded(t *testing.T) {
	c := newRistrettoCache(t, Config{})

	got, status := c.GetSession(context.Background(), testUser, testSession)
	assert.Equal(t, StatusOK, status)
	assert.Empty(t, got)
}

func TestSessionCache_SessionsArePartitioned(t *testing.T) {
	c := newRistrettoCache(t, Config{MaxEntries: 3})
	ctx := context.Background()

	other := "9c4e2a1b-7d3f-4c8a-b2e6-1a0f9d8c7b66"
	c.Save(ctx, testUser, testSession, entry(1))
	c.Save(ctx, other, testSession, entry(2))

	mine, _ := c.GetSession(ctx, testUser, testSession)
	theirs, _ := c.GetSession(ctx, other, testSession)
	require.Len(t, mine, 1)
	require.Len(t, theirs, 1)
	assert.Equal(t, "m-01", mine[0].ID)
	assert.Equal(t, "m-02", theirs[0].ID)
}

func TestSessionCache_DegradedWhenTierDown(t *testing.T) {
	c := NewSessionCache(failingTier{}, Config{}, zerolog.Nop())
	ctx := context.Background()

	assert.Equal(t, StatusDegraded, c.Save(ctx, testUser, testSession, entry(1)))

	got, status := c.GetSession(ctx, testUser, testSession)
	assert.Equal(t, StatusDegraded, status)
	assert.Nil(t, got)
}

func TestSessionCache_SlidingTTLRefreshedOnRead(t *testing.T) {
	tier := newRecordingTier()
	c := NewSessionCache(tier, Config{TTL: 5 * time.Minute}, zerolog.Nop())
	ctx := context.Background()

	c.Save(ctx, testUser, testSession, entry(1))
	c.GetSession(ctx, testUser, testSession)
	c.GetSession(ctx, testUser, testSession)

	assert.Equal(t, 3, tier.saves, "every read re-stores the key")
	for _, ttl := range tier.ttls {
		assert.Equal(t, 5*time.Minute, ttl)
	}
}

func TestSessionCache_ExpiresAfterTTL(t *testing.T) {
	c := newRistrettoCache(t, Config{TTL: 50 * time.Millisecond})
	ctx := context.Background()

	c.Save(ctx, testUser, testSession, entry(1))
	time.Sleep(120 * time.Millisecond)

	got, status := c.GetSession(ctx, testUser, testSession)
	assert.Equal(t, StatusOK, status)
	assert.Empty(t, got)
}

func TestSessionCache_Cleanup(t *testing.T) {
	tier := newRecordingTier()
	c := NewSessionCache(tier, Config{}, zerolog.Nop())
	ctx := context.Background()

	c.Save(ctx, testUser, "s1", entry(1))
	c.Save(ctx, testUser, "s2", entry(2))
	c.Save(ctx, testUser, "s2", entry(3))
	c.Save(ctx, "someone-else", "s1", entry(4))

	assert.Equal(t, 2, c.Cleanup(ctx, testUser))
	assert.Equal(t, 0, c.Cleanup(ctx, testUser), "second cleanup has nothing to remove")

	got, _ := c.GetSession(ctx, testUser, "s1")
	assert.Empty(t, got)
	kept, _ := c.GetSession(ctx, "someone-else", "s1")
	assert.Len(t, kept, 1)
}

func TestSessionCache_ConcurrentSavesStayBounded(t *testing.T) {
	c := newRistrettoCache(t, Config{MaxEntries: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Save(ctx, testUser, testSession, entry(i))
		}(i)
	}
	wg.Wait()

	got, status := c.GetSession(ctx, testUser, testSession)
	require.Equal(t, StatusOK, status)
	assert.Len(t, got, 5)
}

func TestNewRistrettoTier_RejectsZeroSize(t *testing.T) {
	_, err := NewRistrettoTier(RistrettoConfig{})
	assert.Error(t, err)
}

func TestSessionCache_Ping(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, NewSessionCache(newRecordingTier(), Config{}, zerolog.Nop()).Ping(ctx))
	assert.Equal(t, StatusDegraded, NewSessionCache(failingTier{}, Config{}, zerolog.Nop()).Ping(ctx))
}

func TestSessionCache_CleanupSkipsExpiredSessions(t *testing.T) {
	c := newRistrettoCache(t, Config{TTL: 50 * time.Millisecond})
	ctx := context.Background()

	require.Equal(t, StatusOK, c.Save(ctx, testUser, testSession, entry(1)))
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 0, c.Cleanup(ctx, testUser), "an expired window is not counted as removed")
}

func TestSessionCache_CleanupCountsLiveSessionsOnly(t *testing.T) {
	tier := newRecordingTier()
	c := NewSessionCache(tier, Config{}, zerolog.Nop())
	ctx := context.Background()

	other := "3e8d7c6b-5a4f-4e3d-9c2b-1a0f9e8d7c6b"
	c.Save(ctx, testUser, testSession, entry(1))
	c.Save(ctx, testUser, other, entry(2))
	// Evicted behind the cache's back.
	require.NoError(t, tier.Delete(ctx, sessionKey(testUser, other)))

	assert.Equal(t, 1, c.Cleanup(ctx, testUser))
	assert.Zero(t, c.tracked(testUser))
}

func TestSessionCache_ForgetsSessionsItNoLongerHolds(t *testing.T) {
	tier := newRecordingTier()
	c := NewSessionCache(tier, Config{TTL: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Save(ctx, testUser, testSession, entry(1))
	require.Equal(t, 1, c.tracked(testUser))

	// A miss forgets the session straight away.
	require.NoError(t, tier.Delete(ctx, sessionKey(testUser, testSession)))
	got, status := c.GetSession(ctx, testUser, testSession)
	assert.Equal(t, StatusOK, status)
	assert.Empty(t, got)
	assert.Zero(t, c.tracked(testUser))

	// Sessions idle for a full TTL are swept on a later write.
	idle := "7f6e5d4c-3b2a-4190-8f7e-6d5c4b3a2910"
	c.Save(ctx, testUser, idle, entry(2))
	clock = clock.Add(2 * time.Minute)
	c.Save(ctx, "5b4a3928-1706-4f5e-8d4c-3b2a19087f6e", testSession, entry(3))
	assert.Zero(t, c.tracked(testUser))
}

func TestSessionCache_WarmMergesWithCachedEntries(t *testing.T) {
	c := newRistrettoCache(t, Config{MaxEntries: 4})
	ctx := context.Background()

	// m-05 reached the cache but not the durable store.
	c.Save(ctx, testUser, testSession, entry(5))
	rebuilt := []types.SessionCacheEntry{entry(2), entry(3), entry(4), entry(5)}
	require.Equal(t, StatusOK, c.Warm(ctx, testUser, testSession, rebuilt[:3]))

	got, _ := c.GetSession(ctx, testUser, testSession)
	require.Len(t, got, 4)
	for i, e := range got {
		assert.Equal(t, rebuilt[i].ID, e.ID)
	}

	assert.Equal(t, StatusDegraded, NewSessionCache(failingTier{}, Config{}, zerolog.Nop()).Warm(ctx, testUser, testSession, rebuilt))
}
