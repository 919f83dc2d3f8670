package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/go-chem-api/internal/backend"
	"github.com/go-chem-api/internal/config"
	"github.com/go-chem-api/internal/pkg/logging"
	"github.com/go-chem-api/internal/worker"
)

const reapInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.QueueBackend != config.BackendRedis {
		log.Fatalf("cmd/worker consumes the redis queue; QUEUE_BACKEND=%s runs jobs inside cmd/api", cfg.QueueBackend)
	}
	logger := logging.New(os.Stdout, cfg.AppEnv, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("backends: %v", err)
	}
	defer b.Close()

	queue := b.RedisQueue(cfg)
	pool := worker.NewPool(queue, b.Executor(cfg, logger), logger,
		worker.WithConcurrency(cfg.Workers),
		worker.WithReaper(queue, reapInterval),
	)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("worker pool: %v", err)
	}
	logger.Info("worker started", "workers", cfg.Workers, "redis_addr", cfg.RedisAddr, "jobs", cfg.JobStore)

	<-ctx.Done()

	logger.Info("stopping worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout+5*time.Second)
	defer cancel()
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("worker stopped before jobs finished", "err", err)
	}
	logger.Info("worker stopped")
}
