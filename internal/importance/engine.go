// Package importance scores memory records so that the most significant ones
// can be surfaced in conversation context.
package importance

import (
	"math"
	"sort"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// Config holds the coefficients of the weight formula. Zero values select the
// defaults.
type Config struct {
	// HalfLife is the age at which the recency term halves (default: 30 days).
	HalfLife time.Duration

	IntensityWeight float64 // default 1.0, applied to intensity/10
	ReferenceWeight float64 // default 0.35, applied to ln(1+references)
	RecencyWeight   float64 // default 0.5, applied to the decay term
	MilestoneBonus  float64 // default 0.75
}

// DefaultConfig returns the default coefficients.
func DefaultConfig() Config {
	return Config{
		HalfLife:        30 * 24 * time.Hour,
		IntensityWeight: 1.0,
		ReferenceWeight: 0.35,
		RecencyWeight:   0.5,
		MilestoneBonus:  0.75,
	}
}

// Engine computes importance weights.
//
//	weight = IntensityWeight * intensity/10
//	       + ReferenceWeight * ln(1 + referenceCount)
//	       + RecencyWeight   * 2^(-age/HalfLife)
//	       + MilestoneBonus  (milestone categories only)
type Engine struct {
	cfg Config
	now func() time.Time
}

// New creates an Engine. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Engine {
	def := DefaultConfig()
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.IntensityWeight <= 0 {
		cfg.IntensityWeight = def.IntensityWeight
	}
	if cfg.ReferenceWeight <= 0 {
		cfg.ReferenceWeight = def.ReferenceWeight
	}
	if cfg.RecencyWeight <= 0 {
		cfg.RecencyWeight = def.RecencyWeight
	}
	if cfg.MilestoneBonus <= 0 {
		cfg.MilestoneBonus = def.MilestoneBonus
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, now: now}
}

// Score returns the weight of rec as of now. Records dated in the future are
// treated as brand new.
func (e *Engine) Score(rec *types.MemoryRecord, now time.Time) float64 {
	intensity := float64(rec.Intensity()) / 10
	references := math.Log1p(float64(max(rec.ReferenceCount, 0)))

	age := now.Sub(rec.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := math.Pow(2, -float64(age)/float64(e.cfg.HalfLife))

	weight := e.cfg.IntensityWeight*intensity +
		e.cfg.ReferenceWeight*references +
		e.cfg.RecencyWeight*recency

	if types.IsMilestoneCategory(rec.Category) {
		weight += e.cfg.MilestoneBonus
	}
	return weight
}

// Rank returns a copy of records with ImportanceWeight filled in, sorted by
// weight descending. Ties are broken by CreatedAt descending, then ID.
func (e *Engine) Rank(records []types.MemoryRecord) []types.MemoryRecord {
	now := e.now()
	ranked := make([]types.MemoryRecord, len(records))
	copy(ranked, records)
	for i := range ranked {
		ranked[i].ImportanceWeight = e.Score(&ranked[i], now)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.ImportanceWeight != b.ImportanceWeight {
			return a.ImportanceWeight > b.ImportanceWeight
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ranked
}

// SelectTopK returns the k highest-ranked records. Equal input always yields
// equal output.
func (e *Engine) SelectTopK(records []types.MemoryRecord, k int) []types.MemoryRecord {
	if k <= 0 || len(records) == 0 {
		return []types.MemoryRecord{}
	}
	ranked := e.Rank(records)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
