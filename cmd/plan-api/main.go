// Package main provides the plan API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/api/handlers"
	"github.com/apotheca/go-tpc/internal/api/middleware"
	"github.com/apotheca/go-tpc/internal/config"
	"github.com/apotheca/go-tpc/internal/domain/adherence"
	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/domain/schedule"
	"github.com/apotheca/go-tpc/internal/identity"
	"github.com/apotheca/go-tpc/internal/infrastructure/postgres"
	"github.com/apotheca/go-tpc/internal/observability/metrics"
	"github.com/apotheca/go-tpc/internal/observability/tracing"
	"github.com/apotheca/go-tpc/pkg/circuitbreaker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "plan-api",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
	})
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	store := postgres.NewStore(pool, logger)
	m := metrics.New()

	var authorizer plan.Authorizer = plan.AllowAll{}
	if cfg.IdentityURL != "" {
		breakers := circuitbreaker.NewManager(logger)
		resolver, err := identity.NewResolver(identity.DefaultConfig(cfg.IdentityURL), breakers, logger)
		if err != nil {
			logger.Fatal("failed to init identity resolver", zap.Error(err))
		}
		authorizer = resolver
	} else {
		logger.Warn("IDENTITY_URL not set, capability checks disabled")
	}

	planSvc := plan.NewService(store, authorizer, logger)
	scheduleSvc := schedule.NewService(store, logger)
	adherenceSvc := adherence.NewService(store, logger)

	planHandler := handlers.NewPlanHandler(planSvc, m, logger)
	scheduleHandler := handlers.NewScheduleHandler(scheduleSvc, adherenceSvc, m, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("plan-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if keys := cfg.ParseAPIKeys(); len(keys) > 0 {
			r.Use(middleware.APIKeyAuth(keys))
		}
		r.Use(middleware.UserIdentity)
		r.Mount("/plans", planHandler.Routes())
		r.Mount("/schedule", scheduleHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting plan API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"plan-api","version":"1.0.0"}`)
}
