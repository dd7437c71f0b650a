package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/pkg/types"
)

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.0, 0}
	got, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}), "dimension mismatch")
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}), "zero vector")
}

func TestRankBySimilarity(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := func(id, user string, vec []float32, intensity int, age time.Duration) types.MemoryRecord {
		r := types.MemoryRecord{ID: id, UserID: user, Embedding: vec, CreatedAt: base.Add(-age)}
		if intensity > 0 {
			r.Emotion = &types.Emotion{Intensity: intensity}
		}
		return r
	}

	candidates := []types.MemoryRecord{
		rec("exact", "u1", []float32{1, 0}, 9, time.Hour),
		rec("close", "u1", []float32{0.9, 0.1}, 3, time.Hour),
		rec("far", "u1", []float32{0, 1}, 9, time.Hour),
		rec("other-user", "u2", []float32{1, 0}, 9, time.Hour),
		rec("no-vector", "u1", nil, 9, time.Hour),
	}

	got := RankBySimilarity(candidates, VectorQuery{UserID: "u1", Vector: []float32{1, 0}, Threshold: 0.7, Limit: 5})
	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].Record.ID)
	assert.Equal(t, "close", got[1].Record.ID)
	for _, r := range got {
		assert.GreaterOrEqual(t, r.Similarity, 0.7)
	}

	special := RankBySimilarity(candidates, VectorQuery{UserID: "u1", Vector: []float32{1, 0}, Threshold: 0.7, Limit: 5, SpecialOnly: true})
	require.Len(t, special, 1)
	assert.Equal(t, "exact", special[0].Record.ID)

	limited := RankBySimilarity(candidates, VectorQuery{UserID: "u1", Vector: []float32{1, 0}, Threshold: -1, Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "exact", limited[0].Record.ID)
}
