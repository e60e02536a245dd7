package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/schaermu/iwarelease/internal/activation"
	"github.com/schaermu/iwarelease/internal/config"
	"github.com/schaermu/iwarelease/internal/devserver"
	"github.com/schaermu/iwarelease/internal/pipeline"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build in development mode and serve the output",
	Long: `Serve performs a development build and serves the output directory on
PORT (default 5193). The port is bound strictly: if it is taken, serve fails
instead of picking another one.

When serve.rebuild_secret_file is set, an HMAC-signed POST to /-/rebuild
triggers a debounced rebuild. GET /-/status reports the last build.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	// The dev server never cuts releases
	if err := os.Setenv("BUILD_TYPE", string(config.BuildDevelopment)); err != nil {
		return err
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	build := func(ctx context.Context) (*pipeline.Result, error) {
		engine, cleanup, err := newEngine(ctx, cfg, logger, false)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		return engine.Run(ctx)
	}

	srv, err := devserver.NewServer(cfg, build, logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}
	defer func() {
		_ = ln.Close()
	}()
	if activated {
		logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	}

	return srv.Serve(ctx, ln)
}
