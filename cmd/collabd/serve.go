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

	"github.com/rickgao/collabd/internal/config"
	"github.com/rickgao/collabd/internal/version"
)

const defaultConfigPath = "configs/collabd.yaml"

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, supervisor and admin server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	logger = logger.With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting collabd",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	// Handle shutdown signals
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(sigCtx, cfg, logger, deps{})
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	if err := a.start(sigCtx); err != nil {
		logger.Error("startup failed", "error", err)
		a.shutdown.Shutdown(context.Background())
		return err
	}

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-a.serveErr:
		logger.Error("gateway server failed", "error", runErr)
	}
	stop()

	report := a.shutdown.Shutdown(context.Background())
	logger.Info("collabd stopped",
		"drained", report.Drained,
		"remaining", report.Remaining,
		"waited", report.Waited,
	)
	return errors.Join(runErr, report.Err())
}
