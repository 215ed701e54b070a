/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the savings engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Set up logging
  3. Open the store (SQLite file, or Postgres after running migrations)
  4. Pick the notifier (RabbitMQ when RABBITMQ_URL is set, log otherwise)
  5. Build wallets, ledger, lifecycle, SOL and Ti Kanè services
  6. Start the sweep scheduler
  7. Configure the HTTP router and serve

COMMAND-LINE FLAGS:
  -env     Directory holding an optional .env file (default: .)

ENVIRONMENT:
  See config/config.go for every variable and its default.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler
  4. Close the notifier and the store
  5. Exit

EXAMPLES:
  # Local SQLite with debug logs
  LOG_LEVEL=debug ./server

  # Postgres with RabbitMQ notifications
  DATABASE_DRIVER=postgres DATABASE_URL=postgres://... RABBITMQ_URL=amqp://... ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kotize/savings-engine/api"
	"github.com/kotize/savings-engine/config"
	"github.com/kotize/savings-engine/factory"
	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/logging"
	"github.com/kotize/savings-engine/notify"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/store/postgres"
	"github.com/kotize/savings-engine/store/sqlite"
	"github.com/kotize/savings-engine/tikane"
)

func main() {
	envDir := flag.String("env", ".", "directory holding an optional .env file")
	flag.Parse()

	if err := run(*envDir); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// storage is what main needs from either backend.
type storage interface {
	generic.Store
	api.Pinger
}

func run(envDir string) error {
	cfg, err := config.LoadConfig(envDir)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := logging.Setup(level)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := openNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	threshold, _ := cfg.ProgressiveBelow()
	wallets := generic.NewWallets(store, logger)
	ledger := generic.NewLedger(store, wallets, notifier, logger)
	lifecycle := generic.NewLifecycle(store, logger)
	solSvc := sol.NewService(store, lifecycle, ledger, notifier, logger)
	tkSvc := tikane.NewService(store, lifecycle, ledger, notifier, logger, tikane.WithProgressiveBelow(threshold))

	catalog, err := factory.DefaultCatalog()
	if err != nil {
		return fmt.Errorf("load product catalog: %w", err)
	}

	var sweeps *api.SweepScheduler
	if cfg.SweepEnabled {
		sweeps = api.NewSweepScheduler(solSvc, tkSvc, logger, api.SweepOptions{Schedule: cfg.SweepSchedule})
		if err := sweeps.Start(); err != nil {
			return err
		}
	}

	handler := api.NewHandler(api.Deps{
		Store:   store,
		Health:  store,
		Wallets: wallets,
		Ledger:  ledger,
		SOL:     solSvc,
		TiKane:  tkSvc,
		Catalog: catalog,
		Auth:    api.NewAuthenticator(cfg.JWTSecret, cfg.Admins()),
		Sweeps:  sweeps,
		Logger:  logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins(),
		Timeout:        cfg.TxTimeout,
		Scenarios:      cfg.ScenariosEnabled,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.TxTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "driver", cfg.DatabaseDriver,
			"jwt", cfg.JWTSecret != "", "sweeps", cfg.SweepEnabled, "scenarios", cfg.ScenariosEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if sweeps != nil {
		sweeps.Stop(shutdownCtx)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage, func(), error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.DatabaseURL,
			MaxConns:    cfg.DBMaxConns,
			LockTimeout: cfg.DBLockTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("postgres store ready")
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		logger.Info("sqlite store ready", "path", cfg.SQLitePath)
		return store, func() { store.Close() }, nil
	}
}

func openNotifier(cfg config.Config, logger *slog.Logger) (generic.Notifier, func(), error) {
	logNotifier := notify.NewLogNotifier(logger)
	if cfg.RabbitMQURL == "" {
		return logNotifier, func() {}, nil
	}
	publisher, err := notify.NewRabbitPublisher(cfg.RabbitMQURL, cfg.NotificationExchange, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close rabbitmq publisher", "error", err)
		}
	}
	return notify.Multi{logNotifier, publisher}, closeFn, nil
}
