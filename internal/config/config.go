// Package config provides configuration loading for fixd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the fixd process.
type Config struct {
	// DataDir is where local state lives (store snapshot, upload queue,
	// remote index cache). Default: ~/.local/share/fixd
	DataDir string `koanf:"data_dir"`

	Logging LoggingConfig `koanf:"logging"`
	Scoring ScoringConfig `koanf:"scoring"`
	Novelty NoveltyConfig `koanf:"novelty"`
	Publish PublishConfig `koanf:"publish"`
	Remote  RemoteConfig  `koanf:"remote"`
	Crypto  CryptoConfig  `koanf:"crypto"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// ScoringConfig holds the relevance ranking weights and decay parameters.
// The four weights must sum to 1.0.
type ScoringConfig struct {
	WeightSimilarity float64 `koanf:"weight_similarity"`
	WeightSuccess    float64 `koanf:"weight_success"`
	WeightRecency    float64 `koanf:"weight_recency"`
	WeightUsage      float64 `koanf:"weight_usage"`

	// HalfLifeDays is the recency half-life in days.
	HalfLifeDays float64 `koanf:"half_life_days"`

	// UsageSaturation is the usage count at which the usage term maxes out.
	UsageSaturation int64 `koanf:"usage_saturation"`
}

// NoveltyConfig holds the duplicate-detection thresholds.
type NoveltyConfig struct {
	// DuplicateThreshold is the signature similarity at or above which a
	// candidate is considered a potential duplicate.
	DuplicateThreshold float64 `koanf:"duplicate_threshold"`

	// SolutionThreshold is the solution-text similarity required to confirm
	// a duplicate (suppress rather than branch).
	SolutionThreshold float64 `koanf:"solution_threshold"`

	// BranchLow is the lower bound of the branch band. Signature similarity
	// in [BranchLow, DuplicateThreshold) produces a branch edge.
	BranchLow float64 `koanf:"branch_low"`
}

// PublishConfig controls the background publication pipeline.
type PublishConfig struct {
	// MaxPerHour caps publications per rolling hour per author.
	MaxPerHour int `koanf:"max_per_hour"`

	// FlushEveryOps triggers a flush after this many local operations.
	FlushEveryOps int `koanf:"flush_every_ops"`

	// TickInterval is the background worker period.
	TickInterval Duration `koanf:"tick_interval"`

	// MaxAttempts is the retry ceiling before a task is abandoned.
	MaxAttempts int `koanf:"max_attempts"`

	// PushTimeout bounds a single transport call.
	PushTimeout Duration `koanf:"push_timeout"`
}

// RemoteConfig identifies the shared remote store.
type RemoteConfig struct {
	// URL is the git remote holding the shared index. Empty disables
	// publication and sync (local-only mode).
	URL string `koanf:"url"`

	// Branch is the branch publications are committed to.
	Branch string `koanf:"branch"`
}

// CryptoConfig holds key-derivation inputs.
type CryptoConfig struct {
	// Salt is mixed into device-bound key derivation and the pseudonymous
	// author identifier. Stable per installation.
	Salt Secret `koanf:"salt"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scoring: ScoringConfig{
			WeightSimilarity: 0.40,
			WeightSuccess:    0.30,
			WeightRecency:    0.20,
			WeightUsage:      0.10,
			HalfLifeDays:     30,
			UsageSaturation:  10,
		},
		Novelty: NoveltyConfig{
			DuplicateThreshold: 0.92,
			SolutionThreshold:  0.90,
			BranchLow:          0.55,
		},
		Publish: PublishConfig{
			MaxPerHour:    5,
			FlushEveryOps: 10,
			TickInterval:  Duration(5 * time.Minute),
			MaxAttempts:   5,
			PushTimeout:   Duration(15 * time.Second),
		},
		Remote: RemoteConfig{
			Branch: "main",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fixd"
	}
	return filepath.Join(home, ".local", "share", "fixd")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	sum := c.Scoring.WeightSimilarity + c.Scoring.WeightSuccess +
		c.Scoring.WeightRecency + c.Scoring.WeightUsage
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}
	if c.Scoring.HalfLifeDays <= 0 {
		return fmt.Errorf("scoring.half_life_days must be positive")
	}
	if c.Scoring.UsageSaturation <= 0 {
		return fmt.Errorf("scoring.usage_saturation must be positive")
	}

	n := c.Novelty
	if n.BranchLow < 0 || n.BranchLow >= n.DuplicateThreshold || n.DuplicateThreshold > 1 {
		return fmt.Errorf("novelty thresholds must satisfy 0 <= branch_low < duplicate_threshold <= 1")
	}
	if n.SolutionThreshold < 0 || n.SolutionThreshold > 1 {
		return fmt.Errorf("novelty.solution_threshold must be in [0,1]")
	}

	p := c.Publish
	if p.MaxPerHour <= 0 {
		return fmt.Errorf("publish.max_per_hour must be positive")
	}
	if p.FlushEveryOps <= 0 {
		return fmt.Errorf("publish.flush_every_ops must be positive")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("publish.max_attempts must be positive")
	}
	if p.PushTimeout.Duration() <= 0 {
		return fmt.Errorf("publish.push_timeout must be positive")
	}

	return nil
}
