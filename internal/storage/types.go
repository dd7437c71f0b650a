package storage

import (
	"errors"
	"fmt"

	"github.com/scrypster/recall/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// Default and maximum page sizes for list operations.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// ListOptions bounds list operations.
type ListOptions struct {
	// Limit is the maximum number of items to return (default: 50, max: 1000).
	Limit int

	// ConversationID restricts results to one conversation when non-empty.
	ConversationID string
}

// Normalize applies defaults and clamps the limit.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
}

// MissingEmbeddingsQuery pages through records that still need a vector.
type MissingEmbeddingsQuery struct {
	UserID string

	// AfterID is an exclusive cursor; empty starts from the beginning.
	AfterID string

	// Limit is the page size (default: 50).
	Limit int
}

// Normalize applies defaults.
func (q *MissingEmbeddingsQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
}

// VectorQuery describes a nearest-neighbour search.
type VectorQuery struct {
	UserID      string
	Vector      []float32
	Threshold   float64
	Limit       int
	SpecialOnly bool
}

// Validate rejects queries that cannot be executed.
func (q *VectorQuery) Validate() error {
	if q.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(q.Vector) == 0 {
		return fmt.Errorf("%w: query vector cannot be empty", ErrInvalidInput)
	}
	if q.Limit < 1 {
		return fmt.Errorf("%w: limit must be >= 1", ErrInvalidInput)
	}
	return nil
}

// ValidateForAppend checks a record before it is written, mapping structural
// failures to ErrInvalidInput while keeping the original cause in the chain.
func ValidateForAppend(rec *types.MemoryRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record is required", ErrInvalidInput)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}
