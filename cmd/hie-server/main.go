package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hie/hie/internal/config"
	"github.com/hie/hie/internal/domain/conflict"
	"github.com/hie/hie/internal/domain/ledger"
	"github.com/hie/hie/internal/domain/sync"
	"github.com/hie/hie/internal/platform/auth"
	"github.com/hie/hie/internal/platform/db"
	"github.com/hie/hie/internal/platform/middleware"
	"github.com/hie/hie/internal/platform/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hie-server",
		Short: "Health Information Exchange sync server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(archiveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the exchange API server and sync workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the sync queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show sync queue depth by status and entity type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			stats, err := sync.NewQueueRepoPG(pool).Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get queue stats: %w", err)
			}

			fmt.Println("Status counts:")
			for status, n := range stats.StatusCounts {
				fmt.Printf("  %-14s %d\n", status, n)
			}
			fmt.Println("Pending by entity type:")
			for et, n := range stats.EntityTypeCounts {
				fmt.Printf("  %-14s %d\n", et, n)
			}
			if stats.OldestPending != nil {
				fmt.Printf("Oldest pending: %s\n", stats.OldestPending.Format(time.RFC3339))
			}
			return nil
		},
	})

	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move settled sync records older than the cutoff to the archive table",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := sync.NewRecordRepoPG(pool).ArchiveBefore(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("archive failed: %w", err)
			}

			fmt.Printf("Archived %d record(s) older than %s.\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 30*24*time.Hour, "Archive settled records older than this")
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Domain services
	ledgerSvc := ledger.NewService(ledger.NewRepoPG(pool), logger)
	conflictSvc := conflict.NewService(conflict.NewRepoPG(pool), logger)

	gateway := transport.NewClient(transport.Config{
		BaseURL: cfg.ExchangeBaseURL,
		Secret:  cfg.ExchangeSecret,
		Timeout: cfg.ExchangeTimeout,
	}, logger)

	syncSvc := sync.NewService(
		sync.NewRecordRepoPG(pool),
		sync.NewQueueRepoPG(pool),
		sync.NewLocalStorePG(pool),
		sync.CanonicalTranslator{},
		gateway,
		ledgerSvc,
		conflictSvc,
		sync.Config{
			LocalSystem:   cfg.LocalSystemURN,
			RemoteSystem:  cfg.RemoteSystemURN,
			MaxAttempts:   cfg.SyncMaxAttempts,
			ItemTimeout:   cfg.SyncItemTimeout,
			LeaseDuration: cfg.SyncLease,
		},
		logger,
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// API routes
	apiV1 := e.Group("/api/v1")
	sync.NewHandler(syncSvc).RegisterRoutes(apiV1)
	conflict.NewHandler(conflictSvc).RegisterRoutes(apiV1)
	ledger.NewHandler(ledgerSvc).RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Background sync workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerPool := sync.NewPool(syncSvc, sync.PoolConfig{
		Workers:      cfg.SyncWorkers,
		BatchSize:    cfg.SyncBatchSize,
		PollInterval: cfg.SyncPollInterval,
	}, logger)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workerPool.Run(workerCtx)
	}()
	logger.Info().Int("workers", cfg.SyncWorkers).Msg("sync worker pool started")

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopWorkers()
	if err := <-workerDone; err != nil {
		logger.Error().Err(err).Msg("worker pool exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
