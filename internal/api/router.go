/**
 * @description
 * HTTP router setup for the voice add-on service using go-chi/chi.
 */
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the credentials each route group is guarded by.
type RouterConfig struct {
	Keys           *KeySet
	ClerkAudience  string
	ClerkIssuer    string
	InternalKey    string
	WebhookSecret  string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers voice add-on routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.With(WebhookSecretMiddleware(cfg.WebhookSecret)).Post("/webhooks/voice", h.handleVoiceWebhook)

	r.Route("/internal/voice-addon", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalKey))
		r.Post("/stores/{storeID}/enable", h.handleEnableInternal)
		r.Post("/stores/{storeID}/renew", h.handleRenewInternal)
		r.Post("/stores/{storeID}/teardown", h.handleTeardownInternal)
		r.Get("/stores/{storeID}/status", h.handleStatusInternal)
		r.Post("/dids", h.handleAddDIDs)
		r.Get("/dids/stats", h.handlePoolStats)
		r.Post("/sweep/run", h.handleRunSweep)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(cfg.Keys, cfg.ClerkAudience, cfg.ClerkIssuer))
		r.Get("/voice-addon/status", h.handleGetStatus)
		r.Post("/voice-addon/enable", h.handleEnable)
		r.Post("/voice-addon/renew", h.handleRenew)
		r.Get("/voice-addon/calls", h.handleListCalls)
		r.Get("/voice-addon/notifications", h.handleListNotifications)
	})

	return r
}
