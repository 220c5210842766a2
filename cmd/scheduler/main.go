/**
 * @description
 * This is the main entry point for the voice add-on scheduler.
 * It is a long-running process that runs the daily reconciliation sweep on a cron
 * schedule and exposes Prometheus metrics. It initializes the configuration,
 * database connection and the cron scheduler, then starts it.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storefront/voice-addon-service/internal/app"
	"github.com/storefront/voice-addon-service/internal/bootstrap"
	"github.com/storefront/voice-addon-service/internal/config"
	"github.com/storefront/voice-addon-service/internal/store"
	"github.com/storefront/voice-addon-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load application configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)
	if err := cfg.ValidateScheduler(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbpool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, dbpool, logger); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	publisher := rabbitmq.NewPublisher(cfg.RabbitMQURL)
	defer publisher.Close()

	redisClient := bootstrap.ConnectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize dependencies
	repository := store.NewPostgresRepository(dbpool)
	service := bootstrap.NewService(cfg, repository, publisher, logger)
	jobs := app.NewJobs(service, bootstrap.SweepLock(redisClient, cfg.SweepLockKey), logger, cfg.SweepConcurrency)
	scheduler := app.NewScheduler(jobs, logger, cfg.SweepSchedule, cfg.Location())

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "schedule", cfg.SweepSchedule, "timezone", cfg.SweepTimezone)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Voice add-on scheduler is healthy"))
	})
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// Wait for termination signal to gracefully shut down
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done() // Wait for a running sweep to finish
	logger.Info("scheduler stopped gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
}
