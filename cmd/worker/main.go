package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stratalog/audit-relay/internal/config"
	"github.com/stratalog/audit-relay/internal/engine"
	"github.com/stratalog/audit-relay/internal/logging"
	"github.com/stratalog/audit-relay/internal/sink"
	"github.com/stratalog/audit-relay/internal/store"
	"github.com/stratalog/audit-relay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	workerID := newWorkerID()
	logger = logger.With("worker_id", workerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	sinks, err := sink.Build(cfg.Destinations, logger)
	if err != nil {
		logger.Error("failed to build destination sinks", "error", err)
		os.Exit(1)
	}
	defer closeSinks(sinks)

	executor := worker.NewExecutor(pgStore, sinks, cfg.Destinations, workerID, logger, worker.ExecutorOptions{
		CircuitBreaker: engine.NewCircuitBreaker(redisClient, logger),
		RateLimiter:    engine.NewRateLimiter(redisClient, logger),
		RedisClient:    redisClient,
	})
	pool := worker.NewPool(cfg.NumExecutors, executor, logger)
	dispatcher := worker.NewDispatcher(pgStore, pool, cfg, workerID, logger)

	// Metrics endpoint for Prometheus scraping
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics server starting", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	pool.Start(ctx)
	go dispatcher.Start(ctx)

	logger.Info("worker started",
		"executors", cfg.NumExecutors,
		"destinations", len(cfg.Destinations),
	)

	<-ctx.Done()
	logger.Info("shutting down worker...")

	// Stop draining the outbox, let in-flight deliveries release their
	// leases, then tear down the metrics endpoint.
	dispatcher.Wait()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server forced to shutdown", "error", err)
	}

	logger.Info("worker stopped")
}

// newWorkerID builds a lease-owner identity that is stable for the life of
// the process and unique across restarts.
func newWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("audit-worker-%s-%s", hostname, uuid.NewString()[:8])
}

func closeSinks(sinks map[string]sink.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}
