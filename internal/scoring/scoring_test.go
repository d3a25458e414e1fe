package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fixd/internal/fixstore"
)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultConfig())
	require.NoError(t, err)
	return s
}

func record(t *testing.T, sig string) *fixstore.FixRecord {
	t.Helper()
	rec, err := fixstore.NewRecord("author-1", "NameError", sig, "define the variable", nil)
	require.NoError(t, err)
	return rec
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.WeightSuccess = 0.5
	require.Error(t, bad.Validate())

	neg := DefaultConfig()
	neg.WeightUsage = -0.1
	neg.WeightSimilarity = 0.6
	require.Error(t, neg.Validate())
}

func TestScore_Bounds(t *testing.T) {
	s := newScorer(t)
	now := time.Now()

	rec := record(t, "name is not defined")
	rec.UsageCount = 50
	rec.SuccessCount = 50

	for _, query := range []string{"name is not defined", "unrelated zzz", ""} {
		got := s.Score(rec, query, now)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 1.0)
	}
}

func TestScore_FreshExactMatch(t *testing.T) {
	s := newScorer(t)
	rec := record(t, "name 'x' is not defined")

	// Brand new, never used: similarity 1.0 and recency 1.0 only.
	got := s.Score(rec, "name 'x' is not defined", time.Now())
	assert.InDelta(t, 0.40+0.20, got, 1e-6)
}

func TestScore_SuccessRaisesScore(t *testing.T) {
	s := newScorer(t)
	now := time.Now()
	rec := record(t, "name 'x' is not defined")

	before := s.Score(rec, "name 'x' is not defined", now)
	rec.UsageCount = 1
	rec.SuccessCount = 1
	after := s.Score(rec, "name 'x' is not defined", now)

	assert.Greater(t, after, before)
}

func TestScore_ZeroUsageMeansZeroSuccessRate(t *testing.T) {
	s := newScorer(t)
	rec := record(t, "sig")
	rec.UsageCount = 0
	rec.SuccessCount = 0

	unrelated := s.Score(rec, "zzzz qqqq", time.Now())
	// No similarity, no usage: only recency contributes.
	assert.InDelta(t, 0.20, unrelated, 0.05)
}

func TestScore_RecencyHalfLife(t *testing.T) {
	s := newScorer(t)
	now := time.Now()

	fresh := record(t, "sig one")
	old := record(t, "sig one")
	old.CreatedAt = now.Add(-30 * 24 * time.Hour)

	freshScore := s.Score(fresh, "sig one", now)
	oldScore := s.Score(old, "sig one", now)

	// One half-life apart: recency term halves, 0.20 -> 0.10.
	assert.InDelta(t, 0.10, freshScore-oldScore, 1e-3)
}

func TestScore_FutureTimestampClamped(t *testing.T) {
	s := newScorer(t)
	now := time.Now()
	rec := record(t, "sig")
	rec.CreatedAt = now.Add(24 * time.Hour)

	got := s.Score(rec, "sig", now)
	assert.InDelta(t, 0.60, got, 1e-6)
}

func TestScore_UsageSaturation(t *testing.T) {
	s := newScorer(t)
	now := time.Now()

	at10 := record(t, "sig")
	at10.UsageCount = 10
	at10.SuccessCount = 0
	at1000 := record(t, "sig")
	at1000.UsageCount = 1000
	at1000.SuccessCount = 0

	assert.InDelta(t, s.Score(at10, "sig", now), s.Score(at1000, "sig", now), 1e-9)
}
