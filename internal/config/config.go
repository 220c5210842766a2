/**
 * @description
 * This package handles configuration management for the voice add-on service.
 * Settings are read from environment variables through Viper, with an optional
 * .env file for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading and environment binding.
 */
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the voice add-on service.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	SweepLockKey       string `mapstructure:"SWEEP_LOCK_KEY"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"EVENTS_EXCHANGE"`
	ClerkJWKSURL       string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience      string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer        string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	RunMigrations      bool   `mapstructure:"RUN_MIGRATIONS"`

	VapiAPIBaseURL     string `mapstructure:"VAPI_API_BASE_URL"`
	VapiAPIKey         string `mapstructure:"VAPI_API_KEY"`
	VapiWebhookURL     string `mapstructure:"VAPI_WEBHOOK_URL"`
	VapiWebhookSecret  string `mapstructure:"VAPI_WEBHOOK_SECRET"`
	VapiVoiceID        string `mapstructure:"VAPI_VOICE_ID"`
	VapiModel          string `mapstructure:"VAPI_MODEL"`
	MaxCallDurationSec int    `mapstructure:"MAX_CALL_DURATION_SECONDS"`

	PaymentServiceURL            string `mapstructure:"PAYMENT_SERVICE_URL"`
	PaymentServiceInternalAPIKey string `mapstructure:"PAYMENT_SERVICE_INTERNAL_API_KEY"`

	PlanMonthlyFee      int64  `mapstructure:"VOICE_PLAN_MONTHLY_FEE"`
	PlanCurrency        string `mapstructure:"VOICE_PLAN_CURRENCY"`
	PlanMinutesIncluded int    `mapstructure:"VOICE_PLAN_MINUTES_INCLUDED"`

	SweepSchedule    string `mapstructure:"SWEEP_SCHEDULE"`
	SweepTimezone    string `mapstructure:"SWEEP_TIMEZONE"`
	SweepConcurrency int    `mapstructure:"SWEEP_CONCURRENCY"`
	ArchiveBatchSize int    `mapstructure:"ARCHIVE_BATCH_SIZE"`
	MetricsPort      string `mapstructure:"METRICS_PORT"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("SWEEP_LOCK_KEY", "voice_addon:sweep_lock")
	viper.SetDefault("EVENTS_EXCHANGE", "platform.events")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("VAPI_API_BASE_URL", "https://api.vapi.ai")
	viper.SetDefault("VAPI_VOICE_ID", "jennifer-playht")
	viper.SetDefault("VAPI_MODEL", "gpt-4o-mini")
	viper.SetDefault("MAX_CALL_DURATION_SECONDS", 600)
	viper.SetDefault("VOICE_PLAN_MONTHLY_FEE", 2000) // minor units
	viper.SetDefault("VOICE_PLAN_CURRENCY", "USD")
	viper.SetDefault("VOICE_PLAN_MINUTES_INCLUDED", 100)
	viper.SetDefault("SWEEP_SCHEDULE", "0 3 * * *") // Daily at 03:00.
	viper.SetDefault("SWEEP_TIMEZONE", "UTC")
	viper.SetDefault("SWEEP_CONCURRENCY", 4)
	viper.SetDefault("ARCHIVE_BATCH_SIZE", 100)
	viper.SetDefault("METRICS_PORT", "9090")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("SWEEP_LOCK_KEY")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "VOICE_ADDON_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("VAPI_API_BASE_URL")
	_ = viper.BindEnv("VAPI_API_KEY")
	_ = viper.BindEnv("VAPI_WEBHOOK_URL")
	_ = viper.BindEnv("VAPI_WEBHOOK_SECRET")
	_ = viper.BindEnv("VAPI_VOICE_ID")
	_ = viper.BindEnv("VAPI_MODEL")
	_ = viper.BindEnv("MAX_CALL_DURATION_SECONDS")
	_ = viper.BindEnv("PAYMENT_SERVICE_URL")
	_ = viper.BindEnv("PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("VOICE_PLAN_MONTHLY_FEE")
	_ = viper.BindEnv("VOICE_PLAN_CURRENCY")
	_ = viper.BindEnv("VOICE_PLAN_MINUTES_INCLUDED")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_TIMEZONE")
	_ = viper.BindEnv("SWEEP_CONCURRENCY")
	_ = viper.BindEnv("ARCHIVE_BATCH_SIZE")
	_ = viper.BindEnv("METRICS_PORT")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.PaymentServiceInternalAPIKey = strings.TrimSpace(config.PaymentServiceInternalAPIKey)
	if config.PaymentServiceInternalAPIKey == "" {
		config.PaymentServiceInternalAPIKey = config.InternalAPIKey
	}

	if config.SweepConcurrency <= 0 {
		log.Printf("level=warn component=config msg=\"invalid SWEEP_CONCURRENCY; using 4\" value=%d", config.SweepConcurrency)
		config.SweepConcurrency = 4
	}
	if config.ArchiveBatchSize <= 0 {
		config.ArchiveBatchSize = 100
	}
	if config.MaxCallDurationSec <= 0 {
		config.MaxCallDurationSec = 600
	}
	if config.PlanMinutesIncluded < 0 {
		log.Printf("level=warn component=config msg=\"negative VOICE_PLAN_MINUTES_INCLUDED; coercing to zero\" value=%d", config.PlanMinutesIncluded)
		config.PlanMinutesIncluded = 0
	}
	if _, err := time.LoadLocation(config.SweepTimezone); err != nil {
		return nil, fmt.Errorf("invalid SWEEP_TIMEZONE %q: %w", config.SweepTimezone, err)
	}

	return &config, nil
}

// Validate checks the settings the API server cannot start without.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"INTERNAL_API_KEY", c.InternalAPIKey},
		{"VAPI_API_KEY", c.VapiAPIKey},
		{"VAPI_WEBHOOK_URL", c.VapiWebhookURL},
		{"VAPI_WEBHOOK_SECRET", c.VapiWebhookSecret},
		{"PAYMENT_SERVICE_URL", c.PaymentServiceURL},
		{"CLERK_JWKS_URL", c.ClerkJWKSURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s environment variable is required", r.name)
		}
	}
	return nil
}

// ValidateScheduler checks the settings the reconciliation scheduler needs.
func (c *Config) ValidateScheduler() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if strings.TrimSpace(c.VapiAPIKey) == "" {
		return fmt.Errorf("VAPI_API_KEY environment variable is required")
	}
	return nil
}

// Location returns the timezone the sweep schedule is evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SweepTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
