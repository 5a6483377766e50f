/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credeat server: meal selection and the
  wallet ledger behind one HTTP API. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment, then flags)
  2. Build logger and register metrics
  3. Open the store (memory | sqlite | postgres)
  4. Choose the serialization scope (Redis if REDIS_ADDR, else in-process)
  5. Build coordinator, wallet service, auditor, router
  6. Optionally seed demo data
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (HTTP_PORT, default 8080)
  -store   memory | sqlite | postgres (STORE_DRIVER, default sqlite)
  -db      SQLite database path (SQLITE_PATH, default credeat.db)
           Use ":memory:" for an in-memory database
  -seed    Seed demo wallets and today's meals (SEED_DEMO)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor
  4. Close store and Redis connections
  5. Exit

EXAMPLES:
  ./server -db="./data/credeat.db"
  ./server -store=memory -seed
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/credeat/api"
	"github.com/warp/credeat/config"
	"github.com/warp/credeat/keylock"
	"github.com/warp/credeat/ledger"
	"github.com/warp/credeat/ledger/store"
	"github.com/warp/credeat/logging"
	"github.com/warp/credeat/meals"
	"github.com/warp/credeat/metrics"
	"github.com/warp/credeat/store/postgres"
	"github.com/warp/credeat/store/sqlite"
	"github.com/warp/credeat/wallet"
)

func main() {
	cfg := config.Load()

	// Flags
	flag.StringVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP server port")
	flag.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver: memory, sqlite or postgres")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path")
	flag.BoolVar(&cfg.SeedDemo, "seed", cfg.SeedDemo, "seed demo wallets and today's meals")
	flag.Parse()

	log := logging.New(cfg.Env, cfg.LogLevel)
	metrics.Init()

	ctx := context.Background()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to initialize store")
	}
	defer closeStore()

	// Serialization scope
	locker, closeLocker, err := openLocker(ctx, cfg, log)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("Failed to connect to Redis")
	}
	defer closeLocker()

	coordinator := meals.NewCoordinator(st, locker)
	coordinator.Log = log
	coordinator.StoreTimeout = cfg.StoreTimeout
	coordinator.MaxAttempts = cfg.SelectMaxAttempts

	wallets := wallet.NewService(st)
	wallets.Log = log
	wallets.TransactionLimit = cfg.WalletTxLimit

	if cfg.SeedDemo {
		if err := seedDemo(ctx, st, time.Now().UTC()); err != nil {
			log.WithField("error", err.Error()).Fatal("Failed to seed demo data")
		}
		log.Info("Demo data seeded")
	}

	var auditor *wallet.Auditor
	if cfg.AuditSchedule != "" {
		auditor = wallet.NewAuditor(wallets, cfg.AuditSchedule)
		if err := auditor.Start(); err != nil {
			log.WithField("error", err.Error()).Fatal("Failed to start auditor")
		}
	}

	handler := api.NewHandler(meals.NewCatalog(st), coordinator, wallets)
	handler.Log = log

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:      api.NewAuthenticator(cfg.JWTSecret, !cfg.IsProd()),
		RateLimit: api.NewRateLimiter(cfg.RateRPS),
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{
			"port":  cfg.HTTPPort,
			"store": cfg.StoreDriver,
			"env":   cfg.Env,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Error("Server forced to shutdown")
	}
	if auditor != nil {
		auditor.Stop()
	}

	log.Info("Server stopped")
}

// openStore returns the configured TxStore and its close func.
func openStore(ctx context.Context, cfg config.Config) (ledger.TxStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// openLocker uses Redis when configured so several server instances share
// serialization scopes. The lease outlives every retry of one selection.
func openLocker(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (keylock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return keylock.NewLocal(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}

	attempts := cfg.SelectMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	ttl := cfg.StoreTimeout*time.Duration(attempts) + 5*time.Second

	locker := keylock.NewRedis(client, ttl)
	locker.Log = log
	log.WithFields(logrus.Fields{"addr": cfg.RedisAddr, "ttl": ttl.String()}).Info("Using Redis serialization scopes")
	return locker, func() { client.Close() }, nil
}
