/**
 * @description
 * Entry point for the voice add-on API server. It serves seller and internal routes
 * and the provider webhook that admits and meters calls.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
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

	"github.com/storefront/voice-addon-service/internal/api"
	"github.com/storefront/voice-addon-service/internal/app"
	"github.com/storefront/voice-addon-service/internal/bootstrap"
	"github.com/storefront/voice-addon-service/internal/config"
	"github.com/storefront/voice-addon-service/internal/store"
	"github.com/storefront/voice-addon-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

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

	repository := store.NewPostgresRepository(dbpool)
	service := bootstrap.NewService(cfg, repository, publisher, logger)
	jobs := app.NewJobs(service, bootstrap.SweepLock(redisClient, cfg.SweepLockKey), logger, cfg.SweepConcurrency)

	handler := api.NewHandler(service, jobs, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Keys:           api.NewKeySet(cfg.ClerkJWKSURL),
		ClerkAudience:  cfg.ClerkAudience,
		ClerkIssuer:    cfg.ClerkIssuer,
		InternalKey:    cfg.InternalAPIKey,
		WebhookSecret:  cfg.VapiWebhookSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
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
