package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvmatch/cvmatch/internal/app"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/database"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/migrations"
	"github.com/cvmatch/cvmatch/pkg/config"
	"github.com/cvmatch/cvmatch/pkg/observability"
)

func main() {
	root := &cobra.Command{
		Use:          "cvmatch",
		Short:        "CV-Match backend",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := observability.LoggerFromEnv()

			container, err := app.NewContainer(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer container.Close()

			if cfg.OutboxProcessorEnabled {
				if err := container.OutboxProcessor.Start(ctx); err != nil {
					return fmt.Errorf("failed to start outbox processor: %w", err)
				}
			}

			errCh := make(chan error, 1)
			go func() {
				if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			return container.Server.Shutdown(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := observability.LoggerFromEnv()

			if cfg.LocalMode {
				db, err := database.NewSQLiteDB(cfg.SQLitePath)
				if err != nil {
					return fmt.Errorf("failed to open sqlite database: %w", err)
				}
				defer db.Close()
				if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
					return err
				}
				logger.Info("sqlite migrations applied", "path", cfg.SQLitePath)
				return nil
			}

			pool, err := database.NewPostgresPool(ctx, database.Config{
				URL:      cfg.DatabaseURL,
				MaxConns: cfg.DatabaseMaxConns,
			})
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				return err
			}
			logger.Info("postgres migrations applied")
			return nil
		},
	}
}
