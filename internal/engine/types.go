// Package engine provides the unified memory facade.
// The engine fans each saved message out to the session cache and the durable
// store in parallel, then vectorizes it in the background through a worker
// pool and job queue. Context fetches merge recent, importance-ranked and
// semantic memories under a single deadline.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/vector"
	"github.com/scrypster/recall/pkg/types"
)

var (
	// ErrDurableWrite wraps the cause when a message could not be persisted
	// or queued for later persistence.
	ErrDurableWrite = errors.New("durable write failed")

	// ErrNotStarted is returned by SaveMessage before Start.
	ErrNotStarted = errors.New("engine not started")

	// ErrNoIndex is returned by operations that need semantic search when the
	// engine was built without a vector index.
	ErrNoIndex = errors.New("vector index not configured")
)

// vectorizeJob represents one record awaiting an embedding.
// Jobs are queued after a durable write and processed by worker goroutines.
type vectorizeJob struct {
	Record types.MemoryRecord

	// Timestamp is when the job was queued.
	Timestamp time.Time

	// Attempt tracks retry attempts for this job.
	Attempt int
}

// Config holds configuration for the memory engine.
type Config struct {
	// NumWorkers is the number of vectorization worker goroutines (default: 4).
	NumWorkers int

	// QueueSize is the size of the vectorization job queue buffer (default: 1000).
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// MaxRetries is the maximum number of vectorization retry attempts (default: 3).
	MaxRetries int

	// CacheTimeout bounds the session cache write in SaveMessage (default: 500ms).
	CacheTimeout time.Duration

	// DurableTimeout bounds the durable write in SaveMessage (default: 5s).
	DurableTimeout time.Duration

	// FetchTimeout is the shared deadline of the FetchContext sub-queries (default: 2s).
	FetchTimeout time.Duration

	// RecentLimit caps the recent window when it is rebuilt from the durable store (default: 10).
	RecentLimit int

	// RankedLimit is the number of importance-ranked records returned (default: 5).
	RankedLimit int

	// CandidateWindow is how many recent records the importance ranking considers (default: 200).
	CandidateWindow int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:      4,
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
		MaxRetries:      3,
		CacheTimeout:    500 * time.Millisecond,
		DurableTimeout:  5 * time.Second,
		FetchTimeout:    2 * time.Second,
		RecentLimit:     10,
		RankedLimit:     5,
		CandidateWindow: 200,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.CacheTimeout <= 0 || c.DurableTimeout <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive, got cache=%v durable=%v fetch=%v",
			c.CacheTimeout, c.DurableTimeout, c.FetchTimeout)
	}

	if c.RecentLimit < 1 || c.RankedLimit < 1 {
		return fmt.Errorf("RecentLimit and RankedLimit must be >= 1, got %d and %d", c.RecentLimit, c.RankedLimit)
	}

	if c.CandidateWindow < c.RankedLimit {
		return fmt.Errorf("CandidateWindow must be >= RankedLimit, got %d", c.CandidateWindow)
	}

	return nil
}

// SaveRequest is one chat turn handed to SaveMessage.
type SaveRequest struct {
	UserID         string           `json:"user_id"`
	ConversationID string           `json:"conversation_id"`
	Role           types.Role       `json:"role"`
	Content        string           `json:"content"`
	Emotion        *types.Emotion   `json:"emotion,omitempty"`
	Archetype      string           `json:"archetype,omitempty"`
	UserName       string           `json:"user_name,omitempty"`
	Category       string           `json:"category,omitempty"`
	Kind           types.RecordKind `json:"kind,omitempty"`
}

// SaveResult reports which tiers accepted a message.
type SaveResult struct {
	MemoryID     string `json:"memory_id"`
	CacheSaved   bool   `json:"cache_saved"`
	DurableSaved bool   `json:"durable_saved"`

	// Queued is set when the durable write was buffered by the sync
	// coordinator instead of landing in the store.
	Queued bool `json:"queued"`

	// Vectorized is set when an embedding job was accepted by the worker
	// pool. The vector itself is attached asynchronously.
	Vectorized bool `json:"vectorized"`

	SequenceNumber *int64 `json:"sequence_number,omitempty"`
}

// FetchOptions tunes a single FetchContext call. Zero values use the
// engine defaults.
type FetchOptions struct {
	RankedLimit  int
	Search       vector.SearchOptions
	SkipSemantic bool
}

// Context sources, reported in ContextResult.Degraded when they failed.
const (
	SourceCache    = "cache"
	SourceRecent   = "recent"
	SourceRanked   = "ranked"
	SourceSemantic = "semantic"
)

// ContextResult is the merged context handed to the reply generator.
type ContextResult struct {
	Recent         []types.SessionCacheEntry `json:"recent"`
	Ranked         []types.MemoryRecord      `json:"ranked"`
	Semantic       []types.ScoredRecord      `json:"semantic"`
	ContextualHint Hint                      `json:"contextual_hint"`

	// Degraded lists the sources that were unavailable or late.
	Degraded []string `json:"degraded,omitempty"`
}
