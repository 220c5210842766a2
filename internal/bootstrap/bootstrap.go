/**
 * @description
 * Shared startup wiring for the API server and the reconciliation scheduler:
 * logging, the Redis sweep lock and the application service graph.
 */
package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/storefront/voice-addon-service/internal/app"
	"github.com/storefront/voice-addon-service/internal/config"
	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/pkg/paymentclient"
	"github.com/storefront/voice-addon-service/pkg/vapiclient"
)

// NewLogger returns a JSON logger on stdout at the given level.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps LOG_LEVEL to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConnectRedis returns a connected client, or nil when Redis is not configured or
// unreachable. Callers fall back to running without the sweep lock.
func ConnectRedis(redisURL string, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("REDIS_URL not set; sweep lock disabled")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; sweep lock disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed; sweep lock disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// SweepLock returns the distributed lock for client, or a no-op lock without Redis.
func SweepLock(client *redis.Client, key string) app.SweepLocker {
	if client == nil {
		return app.NoopSweepLock{}
	}
	return app.NewRedisSweepLock(client, key)
}

// NewService wires the application service with its provider and payment clients.
func NewService(cfg *config.Config, repo app.Repository, publisher app.EventPublisher, logger *slog.Logger) *app.Service {
	provisioner := vapiclient.NewClient(cfg.VapiAPIBaseURL, cfg.VapiAPIKey)
	payments := paymentclient.NewClient(cfg.PaymentServiceURL, cfg.PaymentServiceInternalAPIKey)
	notifier := app.NewNotifier(repo, publisher, cfg.EventsExchange, logger)

	return app.NewService(repo, provisioner, payments, notifier, logger, app.Options{
		Plan: domain.Plan{
			MonthlyFee:      cfg.PlanMonthlyFee,
			Currency:        cfg.PlanCurrency,
			MinutesIncluded: cfg.PlanMinutesIncluded,
		},
		VoiceID:            cfg.VapiVoiceID,
		Model:              cfg.VapiModel,
		WebhookURL:         cfg.VapiWebhookURL,
		WebhookSecret:      cfg.VapiWebhookSecret,
		MaxDurationSeconds: cfg.MaxCallDurationSec,
		ArchiveBatchSize:   cfg.ArchiveBatchSize,
	})
}
