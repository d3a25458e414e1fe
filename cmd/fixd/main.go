// Package main implements the fixd CLI: capture, search and share fixes
// for previously seen errors.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/config"
	"github.com/fyrsmithlabs/fixd/internal/fixstore"
	"github.com/fyrsmithlabs/fixd/internal/logging"
	"github.com/fyrsmithlabs/fixd/internal/novelty"
	"github.com/fyrsmithlabs/fixd/internal/publish"
	"github.com/fyrsmithlabs/fixd/internal/scoring"
	"github.com/fyrsmithlabs/fixd/internal/sealer"
	"github.com/fyrsmithlabs/fixd/internal/services"
	"github.com/fyrsmithlabs/fixd/internal/syncer"
	"github.com/fyrsmithlabs/fixd/internal/transport"
)

var (
	// configPath is the --config flag, empty for defaults + environment.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fixd",
	Short: "Collaborative cache of fixes for previously seen errors",
	Long: `fixd stores fixes for errors you have already solved, ranks them by
relevance when the same error shows up again, and shares them with other
devices through an encrypted remote index.

Solution payloads leave the device only encrypted with a device-bound key;
the shared index carries nothing but coarse metadata.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
}

// app is the composed process state behind every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	svc    services.Service
}

func (a *app) close() {
	_ = a.svc.Close()
	_ = a.logger.Sync()
}

// setup loads configuration and wires the service stack. Remote publication
// and sync are enabled only when a remote URL is configured.
func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	seal, err := sealer.New(deviceIdentity(), cfg.Crypto.Salt.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to derive device keys: %w", err)
	}

	scorer, err := scoring.New(scoring.Config{
		WeightSimilarity: cfg.Scoring.WeightSimilarity,
		WeightSuccess:    cfg.Scoring.WeightSuccess,
		WeightRecency:    cfg.Scoring.WeightRecency,
		WeightUsage:      cfg.Scoring.WeightUsage,
		HalfLifeDays:     cfg.Scoring.HalfLifeDays,
		UsageSaturation:  cfg.Scoring.UsageSaturation,
	})
	if err != nil {
		return nil, err
	}

	store, err := fixstore.New(fixstore.Config{
		SnapshotPath: filepath.Join(cfg.DataDir, "fixstore.json"),
	}, scorer, logger.Named("fixstore"))
	if err != nil {
		return nil, err
	}

	filter, err := novelty.New(novelty.Config{
		DuplicateThreshold: cfg.Novelty.DuplicateThreshold,
		SolutionThreshold:  cfg.Novelty.SolutionThreshold,
		BranchLow:          cfg.Novelty.BranchLow,
	}, logger.Named("novelty"))
	if err != nil {
		return nil, err
	}

	deps := services.Deps{
		Store:         store,
		Filter:        filter,
		Sealer:        seal,
		FlushEveryOps: cfg.Publish.FlushEveryOps,
		Logger:        logger.Named("services"),
	}

	if cfg.Remote.URL != "" {
		remote, err := transport.NewGit(transport.GitConfig{
			URL:      cfg.Remote.URL,
			Branch:   cfg.Remote.Branch,
			CacheDir: filepath.Join(cfg.DataDir, "remote"),
		}, logger.Named("transport"))
		if err != nil {
			return nil, err
		}

		queue := publish.NewQueue(filepath.Join(cfg.DataDir, "upload-queue.json"), logger.Named("queue"))

		workerCfg := publish.DefaultConfig()
		workerCfg.MaxPerHour = cfg.Publish.MaxPerHour
		workerCfg.TickInterval = cfg.Publish.TickInterval.Duration()
		workerCfg.MaxAttempts = cfg.Publish.MaxAttempts
		workerCfg.PushTimeout = cfg.Publish.PushTimeout.Duration()

		worker, err := publish.NewWorker(workerCfg, queue, store, remote, logger.Named("publish"))
		if err != nil {
			return nil, err
		}
		deps.Worker = worker

		recon, err := syncer.New(store, remote, seal,
			filepath.Join(cfg.DataDir, "remote-index.json"), logger.Named("syncer"))
		if err != nil {
			return nil, err
		}
		deps.Reconciler = recon
	}

	svc, err := services.New(deps)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, svc: svc}, nil
}

// deviceIdentity is the stable per-installation input to key derivation.
// Hostname plus home directory distinguishes users sharing a host.
func deviceIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "fixd-device"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return host
	}
	return host + ":" + home
}
