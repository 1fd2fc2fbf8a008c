package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lumora/lumora-core/internal/bridge"
	"github.com/lumora/lumora-core/internal/cache"
	"github.com/lumora/lumora-core/internal/config"
	"github.com/lumora/lumora-core/internal/correlation"
	"github.com/lumora/lumora-core/internal/messaging"
	"github.com/lumora/lumora-core/internal/redis"
	"github.com/lumora/lumora-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, os.Getenv("LUMORA_CONSOLE_LOG") == "1")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redis.NewClient(&cfg.Redis, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	producer, err := messaging.NewKafkaProducer(&cfg.Kafka, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	consumer, err := messaging.NewKafkaConsumer(&cfg.Kafka, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	registry := correlation.NewRegistry(30*time.Second, zapLogger)
	defer registry.Close()

	replyBridge := bridge.New(producer, consumer, registry, cfg.BridgeConfig(), zapLogger)
	if err := replyBridge.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start request/reply bridge", zap.Error(err))
	}

	store := cache.NewRedisStore(redisClient.Universal())
	userCache := cache.New(store, cfg.CacheConfig(), zapLogger)

	listener := cache.NewInvalidationListener(userCache, consumer, cfg.ListenerConfig(), zapLogger)
	if err := listener.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start invalidation listener", zap.Error(err))
	}

	// Metrics endpoint
	metricsSrv := &http.Server{Addr: ":9090", Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	zapLogger.Info("lumora-core started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("redis", cfg.Redis.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zapLogger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
