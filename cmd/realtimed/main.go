// realtimed serves the realtime connection registry: it accepts
// WebSocket connections, sweeps dead ones, and exposes publish
// endpoints for business-event producers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/AScozzari/cashflow-realtime/internal/config"
	"github.com/AScozzari/cashflow-realtime/internal/database"
	"github.com/AScozzari/cashflow-realtime/internal/notifier"
	"github.com/AScozzari/cashflow-realtime/internal/registry"
	"github.com/AScozzari/cashflow-realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/realtime.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting realtimed",
		"version", version.String(),
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"ws_path", cfg.Server.Path,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database for the notification audit trail
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Connection registry
	reg := registry.New(registry.Config{
		Path:          cfg.Server.Path,
		HealthPath:    cfg.Server.HealthPath,
		SweepInterval: cfg.Server.SweepInterval,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, logger)
	reg.Start(ctx)

	// Notification publisher
	notif := notifier.New(notifier.Config{
		BatchSize:     cfg.Notifier.BatchSize,
		FlushInterval: cfg.Notifier.FlushInterval,
	}, reg, pool, logger)
	if err := notif.Start(ctx); err != nil {
		logger.Error("failed to start notifier", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", reg.Handler())
	mux.HandleFunc("/health", healthHandler(pool, reg, logger))
	mux.HandleFunc("/internal/notify", notifyHandler(notif, logger))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	notif.Stop(stopCtx)
	reg.Shutdown(stopCtx)

	logger.Info("realtimed stopped")
}

// healthHandler reports database and registry status as JSON.
func healthHandler(pool *pgxpool.Pool, reg *registry.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.String(),
			Components: make(map[string]any),
		}

		if err := pool.Ping(ctx); err != nil {
			logger.Warn("health check: database unreachable", "error", err)
			health.Status = "unhealthy"
			health.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["postgres"] = "connected"
		}

		health.Components["registry"] = map[string]any{
			"connections": reg.Count(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	}
}

// notifyHandler lets in-process collaborators and trusted internal
// callers publish notifications over HTTP.
func notifyHandler(notif *notifier.Notifier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			UserID string          `json:"userId"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("rejecting notify request", "error", err)
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.Data) == 0 {
			http.Error(w, "data is required", http.StatusBadRequest)
			return
		}

		var delivered int
		if req.UserID != "" {
			delivered = notif.NotifyUser(req.UserID, req.Data)
		} else {
			delivered = notif.Broadcast(req.Data)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"delivered": delivered})
	}
}
