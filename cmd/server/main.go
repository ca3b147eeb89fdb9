/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the waste-bank ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment) and apply command-line overrides
  2. Build the zap logger
  3. Load the material catalog (file or embedded default)
  4. Open the selected store
  5. Choose the commit lock: Redis when REDIS_ADDR is set, in-process otherwise
  6. Create API handler and router, start server with graceful shutdown

COMMAND-LINE FLAGS (override the environment):
  -port     HTTP server port
  -driver   sqlite | postgres | mongo | memory
  -db       SQLite database path; ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close store and Redis connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against Postgres with a distributed commit lock
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment keys
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/wasteledger/api"
	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/config"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/ledger/store"
	"github.com/warp/wasteledger/lock"
	"github.com/warp/wasteledger/logging"
	"github.com/warp/wasteledger/metrics"
	"github.com/warp/wasteledger/store/mongostore"
	"github.com/warp/wasteledger/store/postgres"
	"github.com/warp/wasteledger/store/sqlite"
	"github.com/warp/wasteledger/valuation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.StoreDriver, "Store driver: sqlite, postgres, mongo, memory")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.StoreDriver, cfg.SQLitePath = *port, *driver, *dbPath
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, _, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cat := catalog.Default(catalog.WithLogger(logger))
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath, catalog.WithLogger(logger)); err != nil {
			return err
		}
	}
	engine := valuation.NewEngine(cat,
		valuation.WithConversionRate(cfg.PointsConversionRate),
		valuation.WithBagSize(cfg.BagSizeKg),
		valuation.WithLogger(logger),
	)

	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize lock: %w", err)
	}
	defer closeLocker()

	recorder := metrics.New()

	handler := api.NewHandler(st, engine,
		api.WithPolicy(cfg.PartialPolicy),
		api.WithLocker(locker),
		api.WithMetrics(recorder),
		api.WithLogger(logger),
	)
	defer handler.Close()

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        recorder.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.String("catalog_version", cat.Version()),
			zap.String("partial_policy", string(cfg.PartialPolicy)),
			zap.Bool("distributed_lock", cfg.RedisAddr != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMongo:
		s, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase, mongostore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Close(closeCtx)
		}, nil
	case config.DriverMemory:
		return store.NewMemory(), func() {}, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

func openLocker(cfg config.Config, logger *zap.Logger) (ledger.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	l, err := lock.NewRedis(client, lock.DefaultOptions(), logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return l, func() { _ = client.Close() }, nil
}
