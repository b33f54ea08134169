/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the recurring transaction engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Initialize the store (sqlite, postgres or memory)
  3. Connect the AMQP publisher when AMQP_URL is set
  4. Create the engine, API handler and router
  5. Start the generation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close broker and database connections

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
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

	"github.com/rs/zerolog"

	"github.com/warp/recurring-engine/api"
	"github.com/warp/recurring-engine/config"
	"github.com/warp/recurring-engine/events"
	"github.com/warp/recurring-engine/logger"
	"github.com/warp/recurring-engine/recurrence"
	"github.com/warp/recurring-engine/recurrence/store"
	"github.com/warp/recurring-engine/store/postgres"
	"github.com/warp/recurring-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLiteDBPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLiteDBPath = *dbPath

	log := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

// run owns every resource, so its defers close them before main exits.
func run(cfg *config.Config, log zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()

	// Initialize store
	txStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s database: %w", cfg.DBDriver, err)
	}
	defer closeStore()

	engine := recurrence.NewEngine(txStore, log)
	engine.MaxOccurrencesPerSeries = cfg.MaxOccurrencesPerSeries
	engine.Concurrency = cfg.GenerationConcurrency

	// Optional event publishing
	if cfg.AMQPURL != "" {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			log.Warn().Err(err).Msg("event publishing disabled")
		} else {
			defer publisher.Close()
			engine.Publisher = publisher
			log.Info().Str("exchange", cfg.AMQPExchange).Msg("publishing events")
		}
	}

	handler := api.NewHandler(engine)
	router := api.NewRouter(handler, log)

	scheduler := api.NewGenerationScheduler(engine, log)
	scheduler.CheckInterval = cfg.GenerationInterval
	scheduler.Enabled = cfg.GenerationInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.DBDriver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// openStore selects the store implementation named by cfg.DBDriver.
func openStore(ctx context.Context, cfg *config.Config) (recurrence.TxStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLiteDBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return store.NewTxMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.DBDriver)
	}
}
