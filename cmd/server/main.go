/*
main.go - Application entry point

PURPOSE:

	Initializes and starts the workshop engine server. Handles
	configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
 1. Load .env and environment configuration
 2. Initialize the document store (memory, sqlite or bolt)
 3. Create API handler with dependencies
 4. Configure HTTP router and start the session sweeper
 5. Start server with graceful shutdown

CONFIGURATION (environment, with .env support):

	HTTP_ADDR            Listen address (default: :8080)
	CORS_ORIGIN          Allowed CORS origin (default: *)
	STORE_BACKEND        memory | sqlite | bolt (default: memory)
	SQLITE_PATH          SQLite database path
	BOLT_PATH            Bolt database path
	LOW_STOCK_THRESHOLD  Advisory low stock level
	SESSION_IDLE_TIMEOUT Edit session expiry window
	SWEEPER_INTERVAL     Background sweep cadence
	LOG_LEVEL            trace | debug | info | warn | error
	LOG_FORMAT           json | console

GRACEFUL SHUTDOWN:

	On SIGINT/SIGTERM:
	1. Stop accepting new connections
	2. Wait for active requests to complete (30s timeout)
	3. Stop the sweeper and close the store
	4. Exit

EXAMPLES:

	# Run with the in-memory store
	./server

	# Run against SQLite
	STORE_BACKEND=sqlite SQLITE_PATH=./data/workshop.db ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - config/config.go: Environment parsing
*/
package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/gearlock/workshop-engine/api"
	"github.com/gearlock/workshop-engine/config"
	"github.com/gearlock/workshop-engine/invoicing"
	"github.com/gearlock/workshop-engine/invoicing/store"
	"github.com/gearlock/workshop-engine/invoicing/store/boltdb"
	"github.com/gearlock/workshop-engine/invoicing/store/sqlite"
	"github.com/gearlock/workshop-engine/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
		log.Fatal().Err(err).Msg("invalid log configuration")
	}

	backend, closer, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store")
	}
	if closer != nil {
		defer closer.Close()
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("store ready")

	handler := api.NewHandler(backend)
	handler.LowStockThreshold = cfg.LowStockThreshold
	handler.Mutator.Validator.LowStockThreshold = cfg.LowStockThreshold
	handler.Sessions.IdleTimeout = cfg.SessionIdleTimeout

	if err := handler.Mirror.Refresh(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial parts mirror sync failed")
	}

	router := api.NewRouter(handler, cfg.CORSOrigins)

	sweeper := api.NewSessionSweeper(handler)
	sweeper.CheckInterval = cfg.SweeperInterval
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// openStore builds the configured backend. The returned closer is nil
// for the in-memory store.
func openStore(cfg *config.Config) (invoicing.Store, io.Closer, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "bolt":
		s, err := boltdb.New(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return store.NewMemory(), nil, nil
	}
}
