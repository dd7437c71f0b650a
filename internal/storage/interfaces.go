// Package storage provides composable storage interfaces for the Recall
// durable memory tier.
//
// The durable tier is split into small, focused interfaces (records,
// embeddings, vector search, user state) that backends implement together.
// Callers depend on the narrowest interface they need.
package storage

import (
	"context"

	"github.com/scrypster/recall/pkg/types"
)

// RecordStore persists conversation records and maintains their ordering.
type RecordStore interface {
	// Append durably writes rec and returns its ID. A caller-supplied
	// SequenceNumber is stored as is; otherwise the store assigns max+1 within
	// the (user, conversation) pair under per-conversation mutual exclusion.
	Append(ctx context.Context, rec *types.MemoryRecord) (string, error)

	// Get retrieves a single record owned by userID.
	// Returns ErrNotFound if no such record exists for that user.
	Get(ctx context.Context, userID, id string) (*types.MemoryRecord, error)

	// GetMany retrieves the records with the given IDs owned by userID.
	// Missing IDs are skipped. Order follows ids.
	GetMany(ctx context.Context, userID string, ids []string) ([]types.MemoryRecord, error)

	// ListByConversation returns every record of a conversation ordered by
	// (sequence number, created_at). Legacy rows without a sequence number
	// sort as sequence 0 and therefore by created_at alone.
	ListByConversation(ctx context.Context, userID, conversationID string) ([]types.MemoryRecord, error)

	// ListRecent returns the user's most recent records, newest first.
	ListRecent(ctx context.Context, userID string, opts ListOptions) ([]types.MemoryRecord, error)

	// RepairSequence renumbers a conversation 1..N by ascending created_at.
	// Applying it twice yields the same sequence as applying it once.
	RepairSequence(ctx context.Context, conversationID, userID string) (int, error)

	// IncrementReferenceCount bumps reference_count on each record by one.
	IncrementReferenceCount(ctx context.Context, ids ...string) error

	// NormalizeLegacyContent rewrites legacy-format content into the plain
	// format and returns the number of rows rewritten.
	NormalizeLegacyContent(ctx context.Context) (int, error)
}

// EmbeddingStore manages vectors attached to records.
type EmbeddingStore interface {
	// SetEmbedding attaches (or overwrites) the vector of a record.
	// Returns ErrNotFound if the record does not exist.
	SetEmbedding(ctx context.Context, id string, vec []float32, model string) error

	// ListMissingEmbeddings returns records of the user that have content but
	// no vector, ordered by ID and strictly after the cursor.
	ListMissingEmbeddings(ctx context.Context, q MissingEmbeddingsQuery) ([]types.MemoryRecord, error)

	// ListEmbedded returns every record of the user that has a vector.
	ListEmbedded(ctx context.Context, userID string) ([]types.MemoryRecord, error)
}

// VectorSearcher runs nearest-neighbour search over stored vectors.
type VectorSearcher interface {
	// SearchByVector returns the user's records whose cosine similarity to
	// q.Vector is >= q.Threshold, sorted by similarity descending.
	SearchByVector(ctx context.Context, q VectorQuery) ([]types.ScoredRecord, error)
}

// UserStateStore persists per-user profile and session documents.
type UserStateStore interface {
	// PutUserState upserts a document keyed by (user, kind, key).
	PutUserState(ctx context.Context, st *types.UserState) error

	// GetUserState returns ErrNotFound when the document does not exist.
	GetUserState(ctx context.Context, userID string, kind types.UserStateKind, key string) (*types.UserState, error)
}

// DurableStore is the full durable tier implemented by every backend.
type DurableStore interface {
	RecordStore
	EmbeddingStore
	VectorSearcher
	UserStateStore

	// Ping checks connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
