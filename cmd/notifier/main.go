// Package main provides the notifier service entry point. It consumes plan
// lifecycle events, delivers notifications through the external gateway and
// runs the daily dose reminder scheduler.
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
	"github.com/apotheca/go-tpc/internal/notify"
	"github.com/apotheca/go-tpc/pkg/circuitbreaker"
	"github.com/apotheca/go-tpc/pkg/idempotency"
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

	breakers := circuitbreaker.NewManager(logger)

	gatewayCfg := notify.DefaultGatewayConfig(cfg.NotifyGatewayURL)
	gatewayCfg.APIKey = cfg.NotifyGatewayKey
	sender, err := notify.NewGatewaySender(gatewayCfg, breakers, logger)
	if err != nil {
		logger.Fatal("gateway sender creation failed", zap.Error(err))
	}

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	notifier, err := notify.NewNotifier(inbox, sender, logger)
	if err != nil {
		logger.Fatal("notifier creation failed", zap.Error(err))
	}

	consumerCfg := kafka.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup

	consumer, err := kafka.NewConsumer(consumerCfg, notifier.HandleEvent, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	store := postgres.NewStore(pool, logger)
	schedulerCfg := notify.DefaultSchedulerConfig()
	if cfg.ReminderIntervalMS > 0 {
		schedulerCfg.Interval = time.Duration(cfg.ReminderIntervalMS) * time.Millisecond
	}
	scheduler, err := notify.NewScheduler(store, sender, schedulerCfg, logger)
	if err != nil {
		logger.Fatal("scheduler creation failed", zap.Error(err))
	}
	scheduler.Start()

	logger.Info("notifier started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler stop failed", zap.Error(err))
	}
	logger.Info("notifier stopped")
}
