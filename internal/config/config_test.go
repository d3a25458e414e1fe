package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Publish.MaxPerHour)
	assert.Equal(t, 10, cfg.Publish.FlushEveryOps)
	assert.Equal(t, 0.92, cfg.Novelty.DuplicateThreshold)
	assert.Equal(t, 0.55, cfg.Novelty.BranchLow)
	assert.InDelta(t, 1.0, cfg.Scoring.WeightSimilarity+cfg.Scoring.WeightSuccess+
		cfg.Scoring.WeightRecency+cfg.Scoring.WeightUsage, 1e-9)
}

func TestValidate_RejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Scoring.WeightSimilarity = 0.9
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")
}

func TestValidate_RejectsInvertedNoveltyBand(t *testing.T) {
	cfg := Default()
	cfg.Novelty.BranchLow = 0.95
	require.Error(t, cfg.Validate())
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
logging:
  level: debug
publish:
  max_per_hour: 3
novelty:
  duplicate_threshold: 0.95
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	t.Setenv("FIXD_PUBLISH_MAX_PER_HOUR", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env wins over file, file wins over default.
	assert.Equal(t, 7, cfg.Publish.MaxPerHour)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.95, cfg.Novelty.DuplicateThreshold)
	// Untouched values keep defaults.
	assert.Equal(t, 0.55, cfg.Novelty.BranchLow)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDuration_RoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	require.Error(t, d.UnmarshalText([]byte("-5s")))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
}
