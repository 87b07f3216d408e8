/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the railbook booking server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load and validate configuration (flags, RAILBOOK_* env)
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Build the policy guard and token service
  5. Connect the event bus and start the audit recorder
  6. Bootstrap the admin account, optionally load a scenario
  7. Start the capacity scheduler
  8. Serve HTTP with graceful shutdown

EXAMPLES:
  # SQLite file database
  ./server -db=./data/railbook.db -jwt-secret=change-me-please-16 \
      -admin-email=admin@example.com -admin-password=admin-password

  # In-memory database with demo data
  ./server -db=":memory:" -scenario=indian-routes ...

  # PostgreSQL with Kafka events
  ./server -db-driver=postgres -postgres-dsn=postgres://... \
      -events=kafka -kafka-brokers=kafka:9092 ...

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and the audit recorder
  4. Close the event bus and the database

SEE ALSO:
  - config/config.go: Every flag and environment variable
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/railbook/api"
	"github.com/warp/railbook/config"
	"github.com/warp/railbook/events"
	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/logging"
	"github.com/warp/railbook/policy"
	"github.com/warp/railbook/railway"
	"github.com/warp/railbook/store/postgres"
	"github.com/warp/railbook/store/sqlite"
)

type store interface {
	api.Store
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	db, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	guard, err := policy.NewGuard(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy: %w", err)
	}
	tokens, err := identity.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	// Events
	bus, err := events.NewBus(events.Config{
		Backend:      events.Backend(cfg.Events),
		RedisAddr:    cfg.RedisAddr,
		KafkaBrokers: cfg.KafkaBrokers,
	}, logger.Named("events"))
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer bus.Close()

	recorder, err := events.NewAuditRecorder(bus, db, logger.Named("audit"))
	if err != nil {
		return err
	}
	recorderCtx, stopRecorder := context.WithCancel(ctx)
	defer stopRecorder()
	recorderErr := make(chan error, 1)
	go func() { recorderErr <- recorder.Run(recorderCtx) }()
	select {
	case <-recorder.Running():
	case err := <-recorderErr:
		return fmt.Errorf("audit recorder failed to start: %w", err)
	}
	defer recorder.Close()

	var rail *railway.Client
	if cfg.RailwayKey != "" {
		rail = railway.NewClient(railway.Config{
			BaseURL: cfg.RailwayURL,
			APIKey:  cfg.RailwayKey,
			APIHost: cfg.RailwayHost,
		}, logger.Named("railway"))
	} else {
		logger.Warn("railway API key not set, PNR lookups disabled")
	}

	// Initialize handler
	handler := api.NewHandler(db, guard, tokens, rail, bus, logger)
	if cfg.AdminEmail != "" {
		handler.AfterReset = func(ctx context.Context) error {
			_, err := handler.Users.EnsureAdmin(ctx, "Administrator", cfg.AdminEmail, cfg.AdminPassword)
			return err
		}
		if err := handler.AfterReset(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap admin: %w", err)
		}
	}
	if cfg.Scenario != "" {
		if _, err := handler.LoadScenarioByID(ctx, cfg.Scenario); err != nil {
			return fmt.Errorf("failed to load scenario: %w", err)
		}
	}

	scheduler := api.NewCapacityScheduler(handler.Reconciler, cfg.ReconcileInterval, cfg.ReconcileRepair, logger.Named("scheduler"))
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		RateRPS:     cfg.RateRPS,
		RateBurst:   cfg.RateBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db_driver", cfg.DBDriver),
			zap.String("events", cfg.Events),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config, logger *zap.Logger) (store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return postgres.New(cfg.PostgresDSN, logger.Named("postgres"))
	default:
		return sqlite.New(cfg.DBPath)
	}
}
