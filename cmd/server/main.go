/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the circle engine server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve      Run the HTTP API (default when no command is given)
  settle     Run one settlement pass over every active circle and exit
  schedule   Print the installment schedule of a preset policy

STARTUP SEQUENCE (serve):
  1. Load config (circle.toml + CIRCLE_ env vars)
  2. Build the zap logger
  3. Open the SQLite store
  4. Pick the group lock backend (memory or redis)
  5. Wire the service, HTTP router and settlement sweeper
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, close the lock backend and database
  4. Exit

EXAMPLES:
  # Run with the default config search path
  ./server serve

  # Run with an explicit config and an in-memory database
  CIRCLE_DATABASE_PATH=":memory:" ./server serve --config ./circle.toml

  # Preview a weekly schedule
  ./server schedule --preset weekly --start 2025-01-06

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/warp/circle-engine/api"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/config"
	"github.com/warp/circle-engine/lock"
	"github.com/warp/circle-engine/logger"
	"github.com/warp/circle-engine/metrics"
	"github.com/warp/circle-engine/store/sqlite"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Savings circle accounting engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to circle.toml (default: search ., ./config, /etc/circle)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// app is everything a command needs, built from config.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	registry *prometheus.Registry
	service  *circle.Service
	closers  []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	a := &app{cfg: cfg, log: log}

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	locker, err := a.newLocker()
	if err != nil {
		a.close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.service = circle.NewService(store,
		circle.WithLocker(locker),
		circle.WithLogger(log),
		circle.WithMetrics(metrics.New(a.registry)),
		circle.WithSettleOnFunding(cfg.Settlement.SettleOnFunding),
	)
	return a, nil
}

func (a *app) newLocker() (lock.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return lock.NewKeyedMutex(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}

	r := lock.NewRedis(client, lock.RedisConfig{TTL: a.cfg.Lock.TTL, Logger: a.log.Named("lock")})
	a.closers = append(a.closers, r.Close)
	a.log.Info("using redis group lock", zap.String("addr", a.cfg.Redis.Addr))
	return r, nil
}

// close runs closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.service, a.log)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSAllowOrigins: a.cfg.HTTP.CORSAllowOrigins,
		Gatherer:         a.registry,
	})

	sweeper := api.NewSettlementSweeper(a.service, a.log)
	sweeper.Enabled = a.cfg.Settlement.SweepEnabled
	sweeper.Interval = a.cfg.Settlement.SweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("database", a.cfg.Database.Path),
			zap.String("lock", a.cfg.Lock.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}
