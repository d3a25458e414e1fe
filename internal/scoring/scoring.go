// Package scoring ranks fix records against a query signature.
//
// The relevance score combines signature similarity, historical success
// rate, recency and usage saturation into a single value in [0, 1]. Weights
// are configuration, fixed at construction, and must sum to 1.0.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/similarity"
)

// Config holds the ranking weights and decay parameters.
type Config struct {
	// WeightSimilarity scales the signature similarity term.
	WeightSimilarity float64

	// WeightSuccess scales the success rate term (success/usage; zero when
	// the record has never been used, no optimistic default).
	WeightSuccess float64

	// WeightRecency scales the exponential age decay term.
	WeightRecency float64

	// WeightUsage scales the usage saturation term.
	WeightUsage float64

	// HalfLifeDays is the recency half-life: a record this old contributes
	// half the full recency weight.
	HalfLifeDays float64

	// UsageSaturation is the usage count at which the usage term maxes out.
	UsageSaturation int64
}

// DefaultConfig returns the standard weights: 0.40 similarity, 0.30 success,
// 0.20 recency (30 day half-life), 0.10 usage (saturating at 10).
func DefaultConfig() Config {
	return Config{
		WeightSimilarity: 0.40,
		WeightSuccess:    0.30,
		WeightRecency:    0.20,
		WeightUsage:      0.10,
		HalfLifeDays:     30,
		UsageSaturation:  10,
	}
}

// Validate checks that the weights form a convex combination.
func (c Config) Validate() error {
	for _, w := range []float64{c.WeightSimilarity, c.WeightSuccess, c.WeightRecency, c.WeightUsage} {
		if w < 0 {
			return errors.New("scoring weights cannot be negative")
		}
	}
	sum := c.WeightSimilarity + c.WeightSuccess + c.WeightRecency + c.WeightUsage
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}
	if c.HalfLifeDays <= 0 {
		return errors.New("half life must be positive")
	}
	if c.UsageSaturation <= 0 {
		return errors.New("usage saturation must be positive")
	}
	return nil
}

// Scorer implements fixstore.Scorer with configured weights.
type Scorer struct {
	cfg Config
}

// New creates a scorer after validating the configuration.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Score computes the relevance of rec against querySignature at time now.
// The result is in [0, 1] because the weights sum to 1 and every term is
// in [0, 1].
func (s *Scorer) Score(rec *fixstore.FixRecord, querySignature string, now time.Time) float64 {
	sim := similarity.Score(rec.ErrorSignature, querySignature)

	var successRate float64
	if rec.UsageCount > 0 {
		successRate = float64(rec.SuccessCount) / float64(rec.UsageCount)
	}

	recency := s.recency(rec.CreatedAt, now)

	usage := rec.UsageCount
	if usage > s.cfg.UsageSaturation {
		usage = s.cfg.UsageSaturation
	}
	saturation := float64(usage) / float64(s.cfg.UsageSaturation)

	return s.cfg.WeightSimilarity*sim +
		s.cfg.WeightSuccess*successRate +
		s.cfg.WeightRecency*recency +
		s.cfg.WeightUsage*saturation
}

// recency is 0.5^(age_days / half_life_days), clamped so records with a
// future timestamp (clock skew on ingest) score as brand new.
func (s *Scorer) recency(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	return math.Pow(0.5, ageDays/s.cfg.HalfLifeDays)
}
