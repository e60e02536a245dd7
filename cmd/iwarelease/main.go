package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/iwarelease/internal/activation"
	"github.com/schaermu/iwarelease/internal/config"
	"github.com/schaermu/iwarelease/internal/lease"
	"github.com/schaermu/iwarelease/internal/manifest"
	"github.com/schaermu/iwarelease/internal/printer"
	"github.com/schaermu/iwarelease/internal/releases"
	"github.com/schaermu/iwarelease/internal/signer"
)

var (
	// Set by goreleaser
	appVersion = "dev"
	commit     = "none"
	date       = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	chdir     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		_ = printer.Error("Error", err.Error(), suggestionsFor(err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "iwarelease",
	Short: "Build, sign and release Isolated Web App bundles",
	Long: `iwarelease packages a static web application into a single bundle.

Release builds (BUILD_TYPE=release) are signed with SIGNING_KEY, get the next
patch version from the release store, are archived as
releases/<app>_<version>.swbn and advertised in releases/update_manifest.json.
Every build copies the release store into the build output.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("iwarelease %s\n", appVersion)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./iwarelease.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&chdir, "chdir", "C", "", "project directory (default is the current directory)")

	// Build command flags
	buildCmd.Flags().StringVar(&buildType, "type", "", "build type, overrides BUILD_TYPE (release, development)")
	buildCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	releasesCmd.Flags().BoolVar(&listAll, "all", false, "include bundle files without a version")

	// Add commands
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(nextVersionCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(releasesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	root := chdir
	if root == "" {
		root = "."
	}

	logger.Debug("loading configuration", "path", cfgFile, "root", root)

	cfg, err := config.Load(cfgFile, root)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"app", cfg.App.Name,
		"build_type", cfg.Build.Type,
		"static_dir", cfg.Build.StaticDir,
		"output_dir", cfg.Build.OutputDir,
		"store_dir", cfg.Release.StoreDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// suggestionsFor maps well-known failures to hints for the user.
func suggestionsFor(err error) []string {
	switch {
	case errors.Is(err, lease.ErrHeld):
		return []string{
			"Wait for the other release build to finish",
			"Delete the lease key in Redis if that build is gone",
		}
	case errors.Is(err, manifest.ErrNoOrigin):
		return []string{
			"Set release.site_origin or SITE_ORIGIN",
			"Add hosting.site to firebase.json",
		}
	case errors.Is(err, activation.ErrPortInUse):
		return []string{"Stop the process using the port or set PORT to a free one"}
	case errors.Is(err, signer.ErrUnsupportedKey):
		return []string{"Use an Ed25519 or ECDSA P-256 private key in PEM format"}
	case errors.Is(err, releases.ErrVersionExists):
		return []string{"Remove the stale bundle from the release store and rebuild"}
	}
	return nil
}
