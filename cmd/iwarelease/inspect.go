package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/schaermu/iwarelease/internal/history"
	"github.com/schaermu/iwarelease/internal/manifest"
	"github.com/schaermu/iwarelease/internal/pipeline"
	"github.com/schaermu/iwarelease/internal/printer"
	"github.com/schaermu/iwarelease/internal/releases"
)

// listAll makes the releases command include files without a version
var listAll bool

var nextVersionCmd = &cobra.Command{
	Use:   "next-version",
	Short: "Print the version the next release build would get",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store := releases.NewStore(cfg.Release.StoreDir, cfg.App.Name, cfg.App.BundleExt)
		v, err := store.NextVersion()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Regenerate the update manifest from the release store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		logger := setupLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		stage := &pipeline.ManifestStage{
			Store:          releases.NewStore(cfg.Release.StoreDir, cfg.App.Name, cfg.App.BundleExt),
			SiteOrigin:     cfg.Release.SiteOrigin,
			FirebaseConfig: cfg.Release.FirebaseConfig,
			Path:           cfg.ManifestPath(),
			Logger:         logger,
		}
		if err := stage.AfterPipeline(ctx, pipeline.NewContext(true)); err != nil {
			return err
		}
		printer.Success("wrote %s\n", cfg.ManifestPath())

		doc, err := manifest.Read(cfg.ManifestPath())
		if err != nil {
			return err
		}
		if latest, ok := doc.Latest(); ok {
			printer.Detail("  latest: %s (%d versions)\n", latest, len(doc.Versions))
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Copy the release store into the build output",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		n, err := releases.Publish(cfg.Release.StoreDir, cfg.PublishDir())
		if err != nil {
			return err
		}
		printer.Success("published %d file(s) to %s\n", n, cfg.PublishDir())
		return nil
	},
}

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List the bundles in the release store",
	Long: `Releases lists the versioned bundles in the release store, oldest first.
With --all, bundle files whose name carries no version are listed as invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		store := releases.NewStore(cfg.Release.StoreDir, cfg.App.Name, cfg.App.BundleExt)
		if !store.Exists() {
			printer.Warning("release store %s does not exist\n", cfg.Release.StoreDir)
			return nil
		}

		list := store.Releases
		if listAll {
			list = store.List
		}
		entries, err := list()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			printer.Warning("no releases in %s\n", cfg.Release.StoreDir)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE")
		for _, e := range entries {
			v := e.Version.String()
			if !e.Valid {
				v = "invalid"
			}
			fmt.Fprintf(w, "%s\t%s\n", v, e.Filename)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the release ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		logger := setupLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Release.HistoryDB == "" {
			return errors.New("release.history_db is not configured")
		}
		if _, err := os.Stat(cfg.Release.HistoryDB); err != nil {
			return fmt.Errorf("release ledger not found: %w", err)
		}

		ledger, err := history.Open(cfg.Release.HistoryDB)
		if err != nil {
			return err
		}
		defer func() {
			_ = ledger.Close()
		}()

		rows, err := ledger.List(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tCREATED\tCOMMIT\tSHA256\tSIZE")
		for _, r := range rows {
			rev := r.Commit
			if rev == "" {
				rev = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				r.Version, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), rev, shortHash(r.SHA256), r.Size)
		}
		return w.Flush()
	},
}

func shortHash(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
