package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/keylock"
	"github.com/scrypster/recall/pkg/types"
)

// Status reports whether the cache tier served a request.
type Status string

const (
	// StatusOK means the tier answered normally (a miss is still OK).
	StatusOK Status = "ok"

	// StatusDegraded means the tier was unreachable and callers must fall back
	// to the durable store.
	StatusDegraded Status = "degraded"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxEntries = 10
	DefaultTTL        = time.Hour
)

// Config controls the per-session window.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// SessionCache keeps the N most recent entries of every (user, session) pair.
// Keys carry a sliding TTL refreshed on every read and write. Expiry is local
// to the tier and never touches the durable copy.
type SessionCache struct {
	tier       Tier
	maxEntries int
	ttl        time.Duration
	locks      *keylock.Map
	logger     zerolog.Logger

	now func() time.Time

	mu        sync.Mutex
	sessions  map[string]map[string]time.Time // userID -> sessionID -> last touch
	lastSweep time.Time
}

// NewSessionCache wraps tier with the session window policy.
func NewSessionCache(tier Tier, cfg Config, logger zerolog.Logger) *SessionCache {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &SessionCache{
		tier:       tier,
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		locks:      keylock.New(),
		logger:     logger.With().Str("component", "session_cache").Logger(),
		now:        time.Now,
		sessions:   make(map[string]map[string]time.Time),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Save appends entry to the session window, trimming the oldest entries so
// that at most MaxEntries remain.
func (c *SessionCache) Save(ctx context.Context, userID, sessionID string, entry types.SessionCacheEntry) Status {
	key := sessionKey(userID, sessionID)
	unlock := c.locks.Lock(key)
	defer unlock()

	entries, _, err := c.tier.Load(ctx, key)
	if err != nil {
		c.degraded(err, "load", userID, sessionID)
		return StatusDegraded
	}

	entries = append(entries, entry)
	if over := len(entries) - c.maxEntries; over > 0 {
		entries = entries[over:]
	}

	if err := c.tier.Store(ctx, key, entries, c.ttl); err != nil {
		c.degraded(err, "store", userID, sessionID)
		return StatusDegraded
	}

	c.track(userID, sessionID)
	return StatusOK
}

// GetSession returns the session window ordered oldest to newest and
// refreshes its TTL. A miss returns an empty slice with StatusOK.
func (c *SessionCache) GetSession(ctx context.Context, userID, sessionID string) ([]types.SessionCacheEntry, Status) {
	key := sessionKey(userID, sessionID)
	unlock := c.locks.Lock(key)
	defer unlock()

	entries, ok, err := c.tier.Load(ctx, key)
	if err != nil {
		c.degraded(err, "load", userID, sessionID)
		return nil, StatusDegraded
	}
	if !ok {
		c.untrack(userID, sessionID)
		return []types.SessionCacheEntry{}, StatusOK
	}

	// Re-storing slides the expiry forward.
	if err := c.tier.Store(ctx, key, entries, c.ttl); err != nil {
		c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("failed to refresh session ttl")
	}
	c.track(userID, sessionID)
	return entries, StatusOK
}

// Warm fills the session window from entries, ordered oldest to newest,
// typically rebuilt from the durable store. Entries already cached under
// other IDs are kept after them, and the window is trimmed to MaxEntries.
func (c *SessionCache) Warm(ctx context.Context, userID, sessionID string, entries []types.SessionCacheEntry) Status {
	key := sessionKey(userID, sessionID)
	unlock := c.locks.Lock(key)
	defer unlock()

	current, _, err := c.tier.Load(ctx, key)
	if err != nil {
		c.degraded(err, "load", userID, sessionID)
		return StatusDegraded
	}

	merged := MergeEntries(entries, current)
	if over := len(merged) - c.maxEntries; over > 0 {
		merged = merged[over:]
	}
	if err := c.tier.Store(ctx, key, merged, c.ttl); err != nil {
		c.degraded(err, "store", userID, sessionID)
		return StatusDegraded
	}

	c.track(userID, sessionID)
	return StatusOK
}

// MergeEntries returns base followed by the entries of extra whose IDs are
// not in base.
func MergeEntries(base, extra []types.SessionCacheEntry) []types.SessionCacheEntry {
	seen := make(map[string]struct{}, len(base))
	out := make([]types.SessionCacheEntry, 0, len(base)+len(extra))
	for _, e := range base {
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range extra {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Cleanup drops every cached session of userID and returns how many session
// windows were removed. Sessions that already expired are not counted.
func (c *SessionCache) Cleanup(ctx context.Context, userID string) int {
	c.mu.Lock()
	ids := c.sessions[userID]
	delete(c.sessions, userID)
	c.mu.Unlock()

	removed := 0
	for sessionID := range ids {
		key := sessionKey(userID, sessionID)
		unlock := c.locks.Lock(key)
		_, present, err := c.tier.Load(ctx, key)
		if err == nil && present {
			err = c.tier.Delete(ctx, key)
		}
		unlock()
		if err != nil {
			c.degraded(err, "delete", userID, sessionID)
			continue
		}
		if present {
			removed++
		}
	}
	return removed
}

// tracked returns the number of sessions currently tracked for userID.
func (c *SessionCache) tracked(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[userID])
}

// track records a touch of the session. At most once per TTL it also forgets
// sessions not touched for a full TTL, since the tier has expired them.
func (c *SessionCache) track(userID, sessionID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.sessions[userID]
	if !ok {
		ids = make(map[string]time.Time)
		c.sessions[userID] = ids
	}
	ids[sessionID] = now

	if now.Sub(c.lastSweep) < c.ttl {
		return
	}
	c.lastSweep = now
	for user, sessions := range c.sessions {
		for id, touched := range sessions {
			if now.Sub(touched) >= c.ttl {
				delete(sessions, id)
			}
		}
		if len(sessions) == 0 {
			delete(c.sessions, user)
		}
	}
}

func (c *SessionCache) untrack(userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.sessions[userID]
	if !ok {
		return
	}
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(c.sessions, userID)
	}
}

func (c *SessionCache) degraded(err error, op, userID, sessionID string) {
	c.logger.Warn().
		Err(err).
		Str("op", op).
		Str("user_id", userID).
		Str("session_id", sessionID).
		Msg("session cache degraded")
}

// Ping probes the tier with a lookup of a key no session uses.
func (c *SessionCache) Ping(ctx context.Context) Status {
	if _, _, err := c.tier.Load(ctx, "healthz"); err != nil {
		return StatusDegraded
	}
	return StatusOK
}
