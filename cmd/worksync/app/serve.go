package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sprintforge/worksync/internal/api"
	v0 "github.com/sprintforge/worksync/internal/api/v0"
	"github.com/sprintforge/worksync/internal/clickup"
	"github.com/sprintforge/worksync/internal/config"
	"github.com/sprintforge/worksync/internal/db"
	"github.com/sprintforge/worksync/internal/status"
	"github.com/sprintforge/worksync/internal/store"
	syncer "github.com/sprintforge/worksync/internal/sync"
	"github.com/sprintforge/worksync/internal/telemetry"
	"github.com/sprintforge/worksync/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync API server",
	Long: `Start the HTTP server that triggers and reports on hierarchy sync jobs.

The server requires a configuration file (--config) that specifies:
- Database connection parameters
- Upstream API client settings
- Sync behavior (concurrency, lease TTL, incremental window)

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	serverRequestTimeout   = 10 * time.Second // Control endpoints should respond quickly
	serverReadTimeout      = 10 * time.Second // Enough for headers and small requests
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second // Keep connections alive for reuse
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	err = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	// Mark config as required
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.Server.ListenAddr()
	}

	slog.Info("Starting sync API server", "address", address, "config", configPath)

	// Telemetry
	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		type shutdowner interface {
			Shutdown(context.Context) error
		}
		if mp, ok := meterProvider.(shutdowner); ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to shut down meter provider", "error", err)
			}
		}
	}()

	syncMetrics, err := telemetry.NewSyncMetrics(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	// Database
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)

	leaseTTL, err := cfg.Sync.GetLeaseTTL()
	if err != nil {
		return fmt.Errorf("invalid lease TTL: %w", err)
	}
	locks := store.NewLockManager(pool, leaseTTL)

	// Upstream client factory
	var clientOpts []clickup.Option
	timeout, err := cfg.ClickUp.GetTimeout()
	if err != nil {
		return fmt.Errorf("invalid upstream timeout: %w", err)
	}
	if timeout > 0 {
		clientOpts = append(clientOpts, clickup.WithTimeout(timeout))
	}
	factory := syncer.NewClientFactory(st, cfg.ClickUp.BaseURL, clientOpts...)

	// Orchestrator
	registry := status.NewRegistry()
	orchestrator := syncer.New(
		factory,
		st,
		locks,
		registry,
		slog.Default(),
		syncer.WithFolderFanOut(cfg.Sync.GetFolderConcurrency()),
		syncer.WithSpaceFilter(cfg.Sync.SpaceFilter),
		syncer.WithFetcherOptions(syncer.WithMaxAttempts(uint(cfg.Sync.GetMaxFetchAttempts()))),
		syncer.WithMetrics(syncMetrics),
	)

	// HTTP router
	router := api.NewServer(orchestrator,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
		api.WithSyncRouteOptions(
			v0.WithDefaultLookbackDays(cfg.Sync.GetDefaultLookbackDays()),
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}
