// Package novelty decides whether a freshly captured fix is published,
// suppressed as a duplicate, or published with a branch edge linking it to
// the existing fix that influenced it.
//
// This filter is what keeps the shared remote index from growing without
// bound on trivial restatements of the same fix.
package novelty

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/similarity"
)

// Verdict is the kind of decision the filter reaches.
type Verdict string

const (
	// VerdictPublish means the fix is novel: publish it with no edge.
	VerdictPublish Verdict = "publish"

	// VerdictSuppress means the fix duplicates a published one: keep it
	// local only.
	VerdictSuppress Verdict = "suppress"

	// VerdictBranch means the fix derives from an existing one: publish it
	// and create a branch edge to the match.
	VerdictBranch Verdict = "branch"
)

// Decision is the filter's output for one candidate.
type Decision struct {
	Verdict Verdict

	// Reason explains a suppression (e.g. "duplicate").
	Reason string

	// TargetHash and Relationship describe the branch edge to create when
	// Verdict is VerdictBranch.
	TargetHash   string
	Relationship fixstore.Relationship

	// BestSimilarity is the signature similarity of the closest existing
	// record, recorded for logs and tuning.
	BestSimilarity float64
}

// Config holds the decision thresholds. All are tunable, not hard-coded:
// production values should be confirmed against observed behavior.
type Config struct {
	// DuplicateThreshold: signature similarity at or above this marks a
	// potential duplicate.
	DuplicateThreshold float64

	// SolutionThreshold: solution-text similarity required to confirm the
	// duplicate and suppress.
	SolutionThreshold float64

	// BranchLow: signature similarity in [BranchLow, DuplicateThreshold)
	// yields a branch decision.
	BranchLow float64
}

// DefaultConfig returns the standard thresholds: duplicate at 0.92 with
// solution match 0.90, branch band starting at 0.55.
func DefaultConfig() Config {
	return Config{
		DuplicateThreshold: 0.92,
		SolutionThreshold:  0.90,
		BranchLow:          0.55,
	}
}

// Validate checks threshold ordering.
func (c Config) Validate() error {
	if c.BranchLow < 0 || c.BranchLow >= c.DuplicateThreshold || c.DuplicateThreshold > 1 {
		return errors.New("thresholds must satisfy 0 <= branch_low < duplicate_threshold <= 1")
	}
	if c.SolutionThreshold < 0 || c.SolutionThreshold > 1 {
		return errors.New("solution threshold must be in [0,1]")
	}
	return nil
}

// Filter evaluates candidates against a fix store.
type Filter struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a filter after validating thresholds.
func New(cfg Config, logger *zap.Logger) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{cfg: cfg, logger: logger}, nil
}

// Evaluate compares candidate against every stored record sharing its error
// type and returns the publication decision.
//
// The comparison set is restricted to the candidate's error type, which is
// what bounds the O(n*m) similarity work; an empty store (or no records of
// that type) is trivially novel.
func (f *Filter) Evaluate(candidate *fixstore.FixRecord, store *fixstore.Store) (Decision, error) {
	if candidate == nil {
		return Decision{}, fmt.Errorf("candidate is required")
	}

	var best *fixstore.FixRecord
	bestSim := -1.0
	for _, rec := range store.List() {
		if rec.ErrorType != candidate.ErrorType || rec.FixHash == candidate.FixHash {
			continue
		}
		sim := similarity.Score(candidate.ErrorSignature, rec.ErrorSignature)
		if sim > bestSim {
			bestSim = sim
			best = rec
		}
	}

	if best == nil {
		return Decision{Verdict: VerdictPublish}, nil
	}

	decision := Decision{BestSimilarity: bestSim}
	switch {
	case bestSim >= f.cfg.DuplicateThreshold:
		// Near-identical signature. Only suppress when the solution text
		// also matches; a genuinely different fix for the same error is a
		// branch, not a duplicate.
		if best.Solution != "" &&
			similarity.Score(candidate.Solution, best.Solution) >= f.cfg.SolutionThreshold {
			decision.Verdict = VerdictSuppress
			decision.Reason = "duplicate"
		} else {
			decision.Verdict = VerdictBranch
			decision.TargetHash = best.FixHash
			decision.Relationship = fixstore.RelAlternativeApproach
		}
	case bestSim >= f.cfg.BranchLow:
		decision.Verdict = VerdictBranch
		decision.TargetHash = best.FixHash
		decision.Relationship = fixstore.RelSolvedSimilar
	default:
		decision.Verdict = VerdictPublish
	}

	f.logger.Debug("novelty decision",
		zap.String("verdict", string(decision.Verdict)),
		zap.Float64("best_similarity", bestSim),
		zap.String("candidate", shortHash(candidate.FixHash)),
	)

	return decision, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
