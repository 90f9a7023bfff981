package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stratalog/audit-relay/internal/api"
	"github.com/stratalog/audit-relay/internal/audit"
	"github.com/stratalog/audit-relay/internal/config"
	"github.com/stratalog/audit-relay/internal/logging"
	"github.com/stratalog/audit-relay/internal/store"
	ws "github.com/stratalog/audit-relay/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Redis carries the live delivery feed from the worker
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	hub := ws.NewHub(logger)
	go hub.Run()

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	go relayDeliveryFeed(feedCtx, redisClient, hub, logger)

	destNames := make([]string, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		destNames = append(destNames, d.Name)
	}
	recorder := audit.NewRecorder(pgStore, destNames, logger)

	router := api.NewRouter(pgStore, recorder, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port, "destinations", len(cfg.Destinations))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// relayDeliveryFeed forwards worker delivery events from Redis pub/sub to
// connected WebSocket clients.
func relayDeliveryFeed(ctx context.Context, client *redis.Client, hub *ws.Hub, logger *slog.Logger) {
	sub := client.Subscribe(ctx, ws.DeliveryFeedChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn("delivery feed subscription closed")
				return
			}
			hub.BroadcastRaw([]byte(msg.Payload))
		}
	}
}

