package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/schaermu/iwarelease/internal/bundle"
	"github.com/schaermu/iwarelease/internal/config"
	"github.com/schaermu/iwarelease/internal/git"
	"github.com/schaermu/iwarelease/internal/history"
	"github.com/schaermu/iwarelease/internal/lease"
	"github.com/schaermu/iwarelease/internal/pipeline"
	"github.com/schaermu/iwarelease/internal/printer"
)

var (
	buildType string
	dryRun    bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the bundle, and cut a release in release mode",
	Long: `Build empties the output directory and packages the static assets into
<output>/<app>.swbn.

In release mode the bundle is signed, versioned with the next patch release,
archived into the release store and listed in the update manifest. The web
manifest version is set for the duration of the build and reset to 0.0.0
afterwards. In both modes the release store is copied to <output>/releases.`,
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// --type wins over BUILD_TYPE from the environment or .env
	if buildType != "" {
		if err := os.Setenv("BUILD_TYPE", buildType); err != nil {
			return err
		}
	}

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, cleanup, err := newEngine(ctx, cfg, logger, dryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := engine.Run(ctx)
	if err != nil {
		logger.Error("build failed", "error", err)
		return err
	}
	if result != nil {
		reportResult(result)
	}
	return nil
}

// newEngine wires the build engine and its optional collaborators. The
// returned cleanup func releases them.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*pipeline.Engine, func(), error) {
	deps := pipeline.Deps{Git: git.NewShellClient()}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// dry-run neither connects to Redis nor creates the ledger
	if cfg.IsRelease() && !dryRun {
		if cfg.LockEnabled() {
			client := lease.NewClient(cfg.Lock.RedisAddr)
			if err := client.Ping(ctx); err != nil {
				_ = client.Close()
				return nil, func() {}, fmt.Errorf("failed to connect to lock server %s: %w", cfg.Lock.RedisAddr, err)
			}
			closers = append(closers, func() { _ = client.Close() })
			deps.Lease = client
		}

		if cfg.Release.HistoryDB != "" {
			ledger, err := history.Open(cfg.Release.HistoryDB)
			if err != nil {
				cleanup()
				return nil, func() {}, err
			}
			closers = append(closers, func() { _ = ledger.Close() })
			deps.Ledger = ledger
		}
	}

	stages := pipeline.DefaultStages(cfg, deps, logger)
	return pipeline.NewEngine(cfg, newPackager(cfg), stages, logger, dryRun), cleanup, nil
}

// newPackager picks the external build command when one is configured and
// the built-in archive packager otherwise.
func newPackager(cfg *config.Config) bundle.Packager {
	if len(cfg.Build.Command) > 0 {
		return bundle.NewCommandPackager(cfg.Build.Command, cfg.Root)
	}
	return bundle.NewArchivePackager(cfg.Build.StaticDir)
}

func reportResult(r *pipeline.Result) {
	switch {
	case r.BuildType == "release" && r.Archived != "":
		printer.Success("released %s as %s\n", r.Version, r.Archived)
	case r.BuildType == "release":
		printer.Warning("release %s was built but no bundle was archived\n", r.Version)
	default:
		printer.Success("built %s\n", r.Artifact)
	}
	if r.WebBundleID != "" {
		printer.Detail("  web bundle id: %s\n", r.WebBundleID)
	}
	if r.Manifest != "" {
		printer.Detail("  update manifest: %s\n", r.Manifest)
	}
	printer.Detail("  published %d file(s) from the release store\n", r.Published)
}
