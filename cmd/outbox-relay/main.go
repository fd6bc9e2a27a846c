// Package main provides the outbox relay service entry point. It drains the
// plan_outbox table and publishes the entries onto the plan event stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/config"
	"github.com/apotheca/go-tpc/internal/infrastructure/kafka"
	"github.com/apotheca/go-tpc/internal/infrastructure/postgres"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := kafka.EnsureTopics(ctx, cfg.KafkaBrokers, logger); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}

	producerCfg := kafka.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := kafka.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to brokers", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger)
	outbox.Start()

	// Periodically shed entries that exhausted their retries.
	deadLetterDone := make(chan struct{})
	deadLetterCtx, cancelDeadLetter := context.WithCancel(ctx)
	go func() {
		defer close(deadLetterDone)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-deadLetterCtx.Done():
				return
			case <-ticker.C:
				moved, err := outbox.MoveToDeadLetter(deadLetterCtx)
				if err != nil {
					logger.Error("dead letter sweep failed", zap.Error(err))
					continue
				}
				if moved > 0 {
					logger.Warn("entries moved to dead letter", zap.Int64("count", moved))
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancelDeadLetter()
	<-deadLetterDone
	outbox.Stop()
	logger.Info("outbox relay stopped")
}
