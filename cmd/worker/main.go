package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"post-queue/internal/config"
	"post-queue/internal/jobs"
	"post-queue/internal/metrics"
	"post-queue/internal/queue"
	"post-queue/internal/store"
	"post-queue/pkg/logger"
)

func main() {
	cfg, log := mustLoad()
	defer log.Sync()

	log.Info("starting post-queue worker", zap.Int("count", cfg.WorkerCount))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := mustConnectRedis(ctx, cfg, log)
	defer rdb.Close()

	queueStore := queue.NewStore(rdb, log)
	statusStore := store.New(rdb)
	limiter := queue.NewRateLimiter(rdb, log)
	limiter.SetLimits(jobs.TypePost, queue.Limits{
		PerDay:      cfg.PostMaxPerDay,
		PerHour:     cfg.PostMaxPerHour,
		MinInterval: cfg.PostMinInterval,
	})

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	factory := queue.NewFactory(log)
	deliverer := jobs.NewHTTPDeliverer(cfg.DeliveryURL, cfg.DeliveryToken, log)
	if err := jobs.RegisterPost(factory, deliverer, log); err != nil {
		log.Fatal("failed to register post job", zap.Error(err))
	}

	worker := queue.NewWorker(queue.WorkerConfig{
		Count:          cfg.WorkerCount,
		DequeueTimeout: cfg.DequeueTimeout,
		IdleSleep:      cfg.IdleSleep,
		StoreBackoff:   cfg.StoreBackoff,
		MaxExecTimeout: cfg.MaxExecTimeout,
	}, queueStore, statusStore, factory, limiter, m, log)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutdown signal received, stopping workers")
		cancel()
	}()

	worker.Run(ctx)
	log.Info("worker shutdown complete")
}

func mustLoad() (*config.Config, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
		Development: cfg.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, log
}

func mustConnectRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connect failed", zap.Error(err))
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return rdb
}
