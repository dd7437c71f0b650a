package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// HashClient is an offline embedder that buckets lowercase word tokens into a
// fixed number of dimensions by hash. Identical text always yields the same
// unit vector, and texts sharing words have positive cosine similarity.
type HashClient struct {
	dim int
}

// NewHashClient returns a HashClient producing dim-dimensional vectors.
func NewHashClient(dim int) *HashClient {
	if dim < 1 {
		dim = 256
	}
	return &HashClient{dim: dim}
}

// Embed never fails for non-empty input.
func (c *HashClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, fmt.Errorf("hash embedder: no tokens in input")
	}

	vec := make([]float32, c.dim)
	for _, w := range words {
		h := xxhash.Sum64String(w)
		idx := int(h % uint64(c.dim))
		// The top bit picks the sign so unrelated words partly cancel.
		if h>>63 == 1 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Every token cancelled out; fall back to a single bucket.
		vec[int(xxhash.Sum64String(text)%uint64(c.dim))] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Model names the embedder and its dimension.
func (c *HashClient) Model() string {
	return fmt.Sprintf("hash-%d", c.dim)
}

var _ Client = (*HashClient)(nil)
