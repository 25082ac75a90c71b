/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the check-in server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the Ledger Store (SQLite or PostgreSQL, running migrations)
  3. Create the API handler, metrics collector and rate limiter
  4. Start the reconciliation scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

ENVIRONMENT:
  See config/config.go. DB_DRIVER=postgres with DATABASE_URL selects
  PostgreSQL; migrations are applied on startup.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running reconciliation)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  ./server -db="./data/checkin.db"
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server
  CONSUMPTION_ORDER=oldest LOG_PRETTY=true ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/warp/checkin-engine/api"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/config"
	"github.com/warp/checkin-engine/ledger"
	"github.com/warp/checkin-engine/logging"
	"github.com/warp/checkin-engine/metrics"
	"github.com/warp/checkin-engine/store/postgres"
	"github.com/warp/checkin-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	backend, closeStore, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// Initialize handler
	handler := api.NewHandler(backend, api.Config{
		CheckIn: checkin.Config{
			Cooldown: cfg.Cooldown,
			Order:    cfg.ConsumptionOrder,
			Timeout:  cfg.StoreTimeout,
			Locale:   cfg.DefaultLocale,
			Clock:    ledger.SystemClock{},
			Logger:   log,
			Recorder: collector,
		},
		Reconcile: collector,
	})

	var limiter *api.RateLimiter
	if cfg.CheckInsPerMinute > 0 {
		limiter = api.NewRateLimiter(cfg.CheckInsPerMinute, 5*time.Minute)
		defer limiter.Stop()
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		CheckInLimiter: limiter,
		Metrics:        metrics.Handler(reg),
		Logger:         log,
	})

	// Scheduler
	if cfg.ReconcileSchedule != "" {
		scheduler, err := api.NewReconciliationScheduler(handler, cfg.ReconcileSchedule, log)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.DBDriver).
			Str("consumption_order", string(cfg.ConsumptionOrder)).
			Bool("atomic_checkin", handler.Protocol.Atomic()).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// openBackend opens the configured store and returns its close function.
func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ledger.Backend, func() error, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("connected to postgres")
		store := postgres.New(pool, ledger.SystemClock{})
		return store, store.Close, nil

	default:
		store, err := sqlite.New(cfg.SQLitePath, ledger.SystemClock{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return store, store.Close, nil
	}
}
