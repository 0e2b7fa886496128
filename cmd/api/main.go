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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"post-queue/internal/api"
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

	log.Info("starting post-queue api", zap.String("port", cfg.Port))

	ctx := context.Background()
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

	// The API validates eagerly, so it needs the same registrations as the
	// worker. The deliverer is never called here.
	factory := queue.NewFactory(log)
	deliverer := jobs.NewHTTPDeliverer(cfg.DeliveryURL, cfg.DeliveryToken, log)
	if err := jobs.RegisterPost(factory, deliverer, log); err != nil {
		log.Fatal("failed to register post job", zap.Error(err))
	}

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(cfg.APIKey, queueStore, statusStore, factory, limiter, m, registry, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("api server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	log.Info("api shutdown complete")
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
