package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markdave123-py/contractdocs/internal/app"
	"github.com/markdave123-py/contractdocs/internal/config"
	"github.com/markdave123-py/contractdocs/internal/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFiles    []string
		recoverJobs bool
	)

	cmd := &cobra.Command{
		Use:           "contractdocs",
		Short:         "Chunked contract document upload and text extraction service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), envFiles, recoverJobs)
		},
	}
	cmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "env files to load instead of ./.env")
	cmd.Flags().BoolVar(&recoverJobs, "recover", true, "requeue jobs left PENDING or PROCESSING by a previous run")
	return cmd
}

func run(ctx context.Context, envFiles []string, recoverJobs bool) error {
	cfg, err := config.LoadConfig(envFiles...)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer application.Close()

	if recoverJobs {
		if err := application.Recover(ctx); err != nil {
			log.Error("job recovery failed", zap.Error(err))
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()
	log.Info("contractdocs is running", zap.String("port", cfg.Port))

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server error", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return application.Server.Shutdown(shutdownCtx)
}
