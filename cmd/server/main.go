/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the current-account ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (see config/config.go)
  2. Build the zap logger
  3. Open the SQLite store and wire ledger, reconciliation and service
  4. Start the reconciliation sweeper
  5. Configure HTTP router and start server with graceful shutdown

COMMAND-LINE FLAGS:
  -db      SQLite database path, overrides DB_PATH
           Use ":memory:" for in-memory database
  -addr    Listen address, overrides APP_ADDR

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper (cancels an in-flight sweep)
  4. Close database connection

EXAMPLES:
  # Run with file database
  DB_PATH=./data/ledger.db ./server

  # Run with in-memory database and no background sweep
  SWEEP_ENABLED=false ./server -db=":memory:"

SEE ALSO:
  - app/app.go: Component wiring
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/account-ledger/api"
	"github.com/warp/account-ledger/app"
	"github.com/warp/account-ledger/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run starts the server and blocks until it is stopped. Deferred cleanup
// always runs before it returns.
func run(args []string) error {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	dbPath := flags.String("db", "", "SQLite database path (overrides DB_PATH)")
	addr := flags.String("addr", "", "HTTP listen address (overrides APP_ADDR)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *addr != "" {
		cfg.AppAddr = *addr
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("close", zap.Error(err))
		}
	}()

	a.Sweeper.Start()

	handler := api.NewHandler(a.Service, log)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.CORSOrigins,
		AdminRateLimit: cfg.AdminRateLimit,
		Metrics:        promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Scenarios:      !cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.AppAddr),
			zap.String("env", cfg.AppEnv),
			zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case serveErr = <-errCh:
		log.Error("server failed", zap.Error(serveErr))
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return serveErr
}
