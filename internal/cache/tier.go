// Package cache implements the session cache tier: a bounded, expiring window
// of the most recent entries of each conversation session.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/scrypster/recall/pkg/types"
)

// ErrTierUnavailable indicates that the backing cache could not serve the
// request. SessionCache turns it into StatusDegraded.
var ErrTierUnavailable = errors.New("cache tier unavailable")

// Tier is the key/value capability SessionCache needs from a cache backend.
// Load reports a miss with ok=false and a nil error.
type Tier interface {
	Load(ctx context.Context, key string) (entries []types.SessionCacheEntry, ok bool, err error)
	Store(ctx context.Context, key string, entries []types.SessionCacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RistrettoConfig sizes the in-process tier.
type RistrettoConfig struct {
	// MaxSessions bounds the number of session keys kept in memory.
	MaxSessions int64
}

// RistrettoTier is an in-process Tier backed by ristretto. Each session key
// costs 1, so MaxSessions is an upper bound on live sessions.
type RistrettoTier struct {
	cache *ristretto.Cache
}

// NewRistrettoTier builds a tier holding at most cfg.MaxSessions sessions.
func NewRistrettoTier(cfg RistrettoConfig) (*RistrettoTier, error) {
	if cfg.MaxSessions < 1 {
		return nil, fmt.Errorf("cache: max sessions must be >= 1, got %d", cfg.MaxSessions)
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxSessions * 10,
		MaxCost:            cfg.MaxSessions,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create ristretto cache: %w", err)
	}
	return &RistrettoTier{cache: c}, nil
}

// Load returns a copy of the entries stored under key.
func (t *RistrettoTier) Load(_ context.Context, key string) ([]types.SessionCacheEntry, bool, error) {
	v, ok := t.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	entries, ok := v.([]types.SessionCacheEntry)
	if !ok {
		return nil, false, fmt.Errorf("%w: unexpected value type %T", ErrTierUnavailable, v)
	}
	return append([]types.SessionCacheEntry(nil), entries...), true, nil
}

// Store replaces the entries under key. The write is made visible before
// Store returns so that an immediate Load observes it.
func (t *RistrettoTier) Store(_ context.Context, key string, entries []types.SessionCacheEntry, ttl time.Duration) error {
	stored := append([]types.SessionCacheEntry(nil), entries...)
	if !t.cache.SetWithTTL(key, stored, 1, ttl) {
		return fmt.Errorf("%w: write for %q was dropped", ErrTierUnavailable, key)
	}
	t.cache.Wait()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (t *RistrettoTier) Delete(_ context.Context, key string) error {
	t.cache.Del(key)
	return nil
}

// Close stops the ristretto background goroutines.
func (t *RistrettoTier) Close() {
	t.cache.Close()
}
