// Package embedding turns text into vectors for semantic search.
//
// A Client talks to one embedding backend. Provider wraps a Client with the
// protections every caller needs: token-budget truncation, rate limiting, a
// circuit breaker and a per-call timeout. Provider never fails hard on
// backend errors; it returns a nil vector so the record can be backfilled
// later.
package embedding

import "context"

// Client generates a vector for a single piece of text.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}
