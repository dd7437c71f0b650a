package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/scrypster/recall/pkg/types"
)

// EncodeVector packs vec as little-endian float32 values.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a buffer written by EncodeVector.
func DecodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: vector buffer length %d is not a multiple of 4", ErrInvalidInput, len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Vectors of different length or zero magnitude have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RankBySimilarity scores candidates against q in memory. It backs the
// brute-force search path of backends without native vector support.
func RankBySimilarity(candidates []types.MemoryRecord, q VectorQuery) []types.ScoredRecord {
	results := make([]types.ScoredRecord, 0, len(candidates))
	for _, rec := range candidates {
		if rec.UserID != q.UserID || !rec.HasEmbedding() {
			continue
		}
		if q.SpecialOnly && !rec.IsSpecialMoment() {
			continue
		}
		sim := CosineSimilarity(q.Vector, rec.Embedding)
		if sim < q.Threshold {
			continue
		}
		results = append(results, types.ScoredRecord{Record: rec, Similarity: sim})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
	})

	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}
