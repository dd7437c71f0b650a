// Package api exposes the memory facade over HTTP and a WebSocket event feed.
package api

import (
	"context"
	"time"

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/syncer"
	"github.com/scrypster/recall/internal/vector"
	"github.com/scrypster/recall/pkg/types"
)

// Engine is the subset of engine.MemoryEngine the handlers call.
type Engine interface {
	SaveMessage(ctx context.Context, req engine.SaveRequest) (engine.SaveResult, error)
	FetchContext(ctx context.Context, userID, sessionID, query string, opts engine.FetchOptions) (engine.ContextResult, error)
	SearchRelated(ctx context.Context, userID, query string, opts vector.SearchOptions) ([]types.ScoredRecord, error)
	RepairSequence(ctx context.Context, userID, conversationID string) (int, error)
	VectorizeBacklog(ctx context.Context, userID string, batchSize int) (vector.BacklogReport, error)
	CleanupSessions(ctx context.Context, userID string) (int, error)
	Health(ctx context.Context) engine.Health
}

// SyncController is the subset of syncer.Coordinator the sync routes call.
type SyncController interface {
	SignIn(ctx context.Context, userID string) (syncer.DrainReport, error)
	SignOut()
	SetOnline(ctx context.Context, online bool) (syncer.DrainReport, error)
	Drain(ctx context.Context) (syncer.DrainReport, error)
	Status(ctx context.Context) (syncer.Status, error)
}

// BreakerReporter reports the embedding circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ContextResponse wraps engine.ContextResult for the context route.
type ContextResponse struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	engine.ContextResult
}

// SearchResponse is returned by the search route.
type SearchResponse struct {
	Query   string               `json:"query"`
	Results []types.ScoredRecord `json:"results"`
	Count   int                  `json:"count"`
}

// SignInRequest is the body of POST /v1/sync/signin.
type SignInRequest struct {
	UserID string `json:"user_id"`
}

// ConnectivityRequest is the body of POST /v1/sync/connectivity.
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// RepairRequest is the body of POST /v1/admin/repair-sequence.
type RepairRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// RepairResponse reports how many records were renumbered.
type RepairResponse struct {
	Renumbered int `json:"renumbered"`
}

// BacklogRequest is the body of POST /v1/admin/vectorize-backlog.
type BacklogRequest struct {
	UserID    string `json:"user_id"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// CleanupResponse reports how many expired sessions were dropped.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Engine    engine.Health  `json:"engine"`
	Embedding string         `json:"embedding_breaker,omitempty"`
	Sync      *syncer.Status `json:"sync,omitempty"`
	Clients   int            `json:"event_clients"`
	Time      time.Time      `json:"time"`
}

// Event types pushed over the WebSocket feed.
const (
	EventMemorySaved      = "memory_saved"
	EventMemoryVectorized = "memory_vectorized"
)

// Event is one message on the WebSocket feed.
type Event struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MemoryID       string    `json:"memory_id"`
	SequenceNumber *int64    `json:"sequence_number,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
