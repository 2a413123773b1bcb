/**
 * @description
 * Entry point for the billing service. Wires the Postgres ledger, the payment
 * processor client, RabbitMQ event publishing, the Redis-backed scheduler run
 * lock, and the HTTP surface, then runs until a shutdown signal arrives.
 */
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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/supportly/billing-service/internal/api"
	"github.com/supportly/billing-service/internal/app"
	"github.com/supportly/billing-service/internal/config"
	"github.com/supportly/billing-service/internal/store"
	"github.com/supportly/billing-service/pkg/processorclient"
	billingrabbit "github.com/supportly/billing-service/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	ledger := store.NewStore(dbpool)
	gateway := processorclient.NewClient(cfg.ProcessorAPIURL, cfg.ProcessorAPIKey)

	var publisher app.EventPublisher = &billingrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := billingrabbit.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid REDIS_URL, scheduler runs without a distributed lock", "error", err)
		} else {
			redisClient = redis.NewClient(opts)
			defer redisClient.Close()
		}
	}

	fees := app.DefaultFeeSchedule()
	reconciler := app.NewReconciler(ledger, publisher, fees, logger)
	billing := app.NewBilling(ledger, gateway, publisher, fees, logger, time.Duration(cfg.ChargeTimeoutSeconds)*time.Second)

	runLock := app.NewRedisRunLock(redisClient, "billing-service")
	scheduler := app.NewScheduler(billing, runLock, logger, cfg.BillingJobSchedule, cfg.RetryJobSchedule)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(reconciler, billing, ledger, cfg.WebhookSecret, logger)
	router := api.NewRouter(handler, cfg.JWKSURL, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
