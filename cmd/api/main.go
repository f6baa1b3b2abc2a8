package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"judgement-server/internal/config"
	"judgement-server/internal/server"
	"judgement-server/internal/store"
)

func gracefulShutdown(customServer *server.Server, httpServer *http.Server, logger *zap.Logger, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	logger.Info("shutdown signal received, press Ctrl+C again to force")
	stop() // Allow Ctrl+C to force shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// HTTP first so no new connections land, then the orchestrator,
	// which notifies players and closes the store.
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server forced to shutdown", zap.Error(err))
	}
	if err := customServer.Shutdown(ctx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	case config.BackendRedis:
		return store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	default:
		return store.NewMemoryStore(), nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.AppEnv)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	st, err := newStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}

	customServer, httpServer := server.NewServer(cfg, st, logger)

	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(customServer, httpServer, logger, done)

	logger.Info("judgement server listening",
		zap.Int("port", cfg.Port),
		zap.String("backend", cfg.StoreBackend),
		zap.String("env", cfg.AppEnv))

	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	logger.Info("graceful shutdown complete")
}
