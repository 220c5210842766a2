/**
 * @description
 * HTTP handlers for the voice add-on service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/storefront/voice-addon-service/internal/app"
	"github.com/storefront/voice-addon-service/internal/domain"
)

// Service is the application surface the handlers use.
type Service interface {
	Ping(ctx context.Context) error
	ResolveStoreForOwner(ctx context.Context, clerkUserID string) (string, error)
	Status(ctx context.Context, storeID string) (*domain.SubscriptionView, error)
	Enable(ctx context.Context, storeID string) (*domain.Subscription, error)
	Renew(ctx context.Context, storeID, paymentRef string) (*domain.Subscription, error)
	Teardown(ctx context.Context, storeID string) (*app.TeardownReport, error)
	ListCallLogs(ctx context.Context, storeID string, opts domain.CallLogListOptions) ([]domain.CallLog, error)
	ListNotifications(ctx context.Context, storeID string, limit int) ([]domain.Notification, error)
	AddDIDs(ctx context.Context, phoneNumbers []string) (int, error)
	PoolStats(ctx context.Context) (domain.PoolStats, error)
	Admit(ctx context.Context, req app.AdmissionRequest) app.AdmissionResult
	RecordCallEnded(ctx context.Context, event app.CallEnded) (*app.MeteringResult, error)
}

// Sweeper runs the reconciliation sweep on demand.
type Sweeper interface {
	RunSweep(ctx context.Context) (*app.SweepResult, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service Service
	sweeper Sweeper
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service Service, sweeper Sweeper, logger *slog.Logger) *Handler {
	return &Handler{service: service, sweeper: sweeper, logger: logger}
}

type renewRequest struct {
	PaymentReference string `json:"payment_reference"`
}

type addDIDsRequest struct {
	PhoneNumbers []string `json:"phone_numbers"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeErrorMessage(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
		return
	}
	w.Write([]byte("Voice add-on service is healthy"))
}

// sellerStore resolves the store owned by the authenticated seller.
func (h *Handler) sellerStore(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return "", false
	}
	storeID, err := h.service.ResolveStoreForOwner(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return "", false
	}
	return storeID, true
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.sellerStore(w, r)
	if !ok {
		return
	}
	h.respondStatus(w, r, storeID)
}

func (h *Handler) handleEnable(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.sellerStore(w, r)
	if !ok {
		return
	}
	h.enable(w, r, storeID)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.sellerStore(w, r)
	if !ok {
		return
	}
	h.renew(w, r, storeID)
}

func (h *Handler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.sellerStore(w, r)
	if !ok {
		return
	}

	opts := domain.CallLogListOptions{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	logs, err := h.service.ListCallLogs(r.Context(), storeID, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"calls": logs, "limit": opts.Limit, "offset": opts.Offset})
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	storeID, ok := h.sellerStore(w, r)
	if !ok {
		return
	}
	notifications, err := h.service.ListNotifications(r.Context(), storeID, queryInt(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
}

func (h *Handler) handleEnableInternal(w http.ResponseWriter, r *http.Request) {
	h.enable(w, r, chi.URLParam(r, "storeID"))
}

func (h *Handler) handleRenewInternal(w http.ResponseWriter, r *http.Request) {
	h.renew(w, r, chi.URLParam(r, "storeID"))
}

func (h *Handler) handleStatusInternal(w http.ResponseWriter, r *http.Request) {
	h.respondStatus(w, r, chi.URLParam(r, "storeID"))
}

func (h *Handler) handleTeardownInternal(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "storeID")
	report, err := h.service.Teardown(r.Context(), storeID)
	if err != nil {
		h.logger.Error("teardown failed", "store_id", storeID, "error", err)
		respondWithJSON(w, http.StatusInternalServerError, report)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleAddDIDs(w http.ResponseWriter, r *http.Request) {
	var req addDIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	added, err := h.service.AddDIDs(r.Context(), req.PhoneNumbers)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"requested": len(req.PhoneNumbers), "added": added})
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PoolStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeErrorMessage(w, http.StatusNotImplemented, "NOT_SUPPORTED", "Sweep is not available on this instance")
		return
	}
	result, err := h.sweeper.RunSweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) respondStatus(w http.ResponseWriter, r *http.Request, storeID string) {
	view, err := h.service.Status(r.Context(), storeID)
	if err != nil {
		if errors.Is(err, app.ErrNotFound) {
			// A store that never enabled the add-on has nothing to show yet.
			respondWithJSON(w, http.StatusOK, map[string]interface{}{"enabled": false, "status": nil})
			return
		}
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) enable(w http.ResponseWriter, r *http.Request, storeID string) {
	sub, err := h.service.Enable(r.Context(), storeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, sub.View())
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request, storeID string) {
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "payment_reference is required")
		return
	}
	sub, err := h.service.Renew(r.Context(), storeID, strings.TrimSpace(req.PaymentReference))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sub.View())
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{app.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{app.ErrStoreNotFound, http.StatusNotFound, "STORE_NOT_FOUND"},
	{app.ErrAlreadyEnabled, http.StatusConflict, "ALREADY_ENABLED"},
	{app.ErrAlreadyUsed, http.StatusConflict, "ALREADY_USED"},
	{app.ErrPaymentNotApproved, http.StatusPaymentRequired, "PAYMENT_NOT_APPROVED"},
	{app.ErrSubscriptionExpired, http.StatusConflict, "SUBSCRIPTION_EXPIRED"},
	{app.ErrResourceExhausted, http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"},
	{app.ErrProvisioningFailed, http.StatusBadGateway, "PROVISIONING_FAILED"},
	{app.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
}

// writeError maps service errors to a status code and a structured error code.
// Server-side failures are logged and reported without their details.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	for _, e := range errorCodes {
		if !errors.Is(err, e.err) {
			continue
		}
		message := err.Error()
		if e.status >= http.StatusInternalServerError {
			h.logger.Error("request failed", "code", e.code, "error", err)
			message = e.err.Error()
		}
		writeErrorMessage(w, e.status, e.code, message)
		return
	}
	h.logger.Error("request failed", "error", err)
	writeErrorMessage(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error")
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
