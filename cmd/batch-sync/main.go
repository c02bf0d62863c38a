package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bakeline/batch-sync/internal/cache"
	"github.com/bakeline/batch-sync/internal/config"
	"github.com/bakeline/batch-sync/internal/connmon"
	"github.com/bakeline/batch-sync/internal/gateway"
	"github.com/bakeline/batch-sync/internal/logging"
	"github.com/bakeline/batch-sync/internal/models"
	"github.com/bakeline/batch-sync/internal/queue"
	"github.com/bakeline/batch-sync/internal/remote"
	"github.com/bakeline/batch-sync/internal/server"
	"github.com/bakeline/batch-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("batch-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("dashboard", cfg.EnableDashboard),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *state.Store
	if cfg.StatePath != "" {
		store, err = state.OpenAt(cfg.StatePath)
	} else {
		store, err = state.Open()
	}

	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer store.Close()

	remoteStore := remote.NewStore(cfg.RemoteURL, cfg.RemoteAPIKey, nil)
	writeQueue := queue.New(store, remoteStore, logger)

	if pending := writeQueue.PendingCount(); pending > 0 {
		logger.Info("recovered pending writes from previous session", slog.Int("count", pending))
	}

	// Persisted snapshots are loaded before any network activity so
	// reads are served immediately; the first successful probe triggers
	// the background refresh.
	workflows := cache.NewCollection[models.Workflow]("workflows", store, logger)
	workflows.Load()

	batches := cache.NewCollection[models.Batch]("batches", store, logger)
	batches.Load()

	gw := gateway.New(remoteStore, writeQueue, store, workflows, batches, gateway.Config{
		UserID:         cfg.UserID,
		LocationID:     cfg.LocationID,
		DeviceName:     cfg.DeviceName,
		WorkflowsTable: cfg.Tables.Workflows,
		BatchesTable:   cfg.Tables.Batches,
		MembersTable:   cfg.Tables.Members,
	}, logger)

	monitor := connmon.New(remoteStore, writeQueue, gw, store, connmon.Config{
		PollInterval:  cfg.PollInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		RetryCooldown: cfg.RetryCooldown,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := monitor.Run(gctx)
		if err != nil && gctx.Err() != nil {
			return nil // normal shutdown
		}

		return err
	})

	if cfg.EnableDashboard {
		g.Go(func() error {
			return runDashboard(gctx, cfg, monitor, gw, logger)
		})
	}

	return g.Wait()
}

// runDashboard serves the companion web dashboard until ctx is cancelled.
func runDashboard(ctx context.Context, cfg *config.Config, monitor *connmon.Monitor, gw *gateway.Gateway, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{
		Monitor: monitor,
		Gateway: gw,
		Logger:  logger.With(slog.String("service", "dashboard")),
	})

	srv := &http.Server{
		Addr:         cfg.DashboardAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting dashboard", slog.String("listen", cfg.DashboardAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down dashboard")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server error: %w", err)
	}

	return nil
}
