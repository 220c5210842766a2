/**
 * @description
 * Core business logic for the voice add-on: enabling a store's assistant,
 * renewing it against a verified payment, and reading its status.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/internal/store"
	"github.com/storefront/voice-addon-service/pkg/paymentclient"
	"github.com/storefront/voice-addon-service/pkg/vapiclient"
)

// Repository defines the database operations the service needs.
type Repository interface {
	NotificationRepository
	Ping(ctx context.Context) error
	ListNotifications(ctx context.Context, storeID string, limit int) ([]domain.Notification, error)

	FindStore(ctx context.Context, storeID string) (*domain.Store, error)
	FindStoreByOwner(ctx context.Context, clerkUserID string) (*domain.Store, error)

	GetSubscription(ctx context.Context, storeID string) (*domain.Subscription, error)
	FindSubscriptionByPhoneBinding(ctx context.Context, bindingID string) (*domain.Subscription, error)
	SaveSubscription(ctx context.Context, sub *domain.Subscription) error
	RenewSubscription(ctx context.Context, storeID, paymentRef, usedFor string, renewal domain.Renewal) (*domain.Subscription, error)
	MarkGracePeriod(ctx context.Context, storeID string, now, gracePeriodEndsAt time.Time) (bool, error)
	BeginDeletion(ctx context.Context, storeID string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, storeID string, deletedAt time.Time) error
	SetRenewalReminderSent(ctx context.Context, storeID string, expiryDate time.Time) error
	SetDeletionWarningSent(ctx context.Context, storeID string, graceEndsAt time.Time) error
	ListExpiredActive(ctx context.Context, now time.Time) ([]domain.Subscription, error)
	ListGraceElapsed(ctx context.Context, now time.Time) ([]domain.Subscription, error)
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error)
	ListGraceEndingBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error)

	AllocateDID(ctx context.Context, storeID string) (*domain.DID, error)
	ReleaseDID(ctx context.Context, didID string) error
	FindDIDByPhoneNumber(ctx context.Context, phoneNumber string) (*domain.DID, error)
	AddDIDs(ctx context.Context, phoneNumbers []string) (int, error)
	PoolStats(ctx context.Context) (domain.PoolStats, error)

	RecordCall(ctx context.Context, call domain.CallLog, minutes int) (bool, error)
	ListCallLogs(ctx context.Context, storeID string, opts domain.CallLogListOptions) ([]domain.CallLog, error)
	ArchiveCallLogs(ctx context.Context, storeID string, batchSize int) (int, error)
}

// Provisioner defines the voice provider operations.
type Provisioner interface {
	CreateAssistant(ctx context.Context, cfg vapiclient.AssistantConfig) (string, error)
	CreatePhoneBinding(ctx context.Context, cfg vapiclient.PhoneBindingConfig) (string, error)
	DeleteAssistant(ctx context.Context, assistantID string) error
	DeletePhoneBinding(ctx context.Context, bindingID string) error
}

// PaymentVerifier defines the payment service lookup used by renewal.
type PaymentVerifier interface {
	GetPayment(ctx context.Context, reference string) (*domain.Payment, error)
}

// Options carries the plan and provider settings the service applies.
type Options struct {
	Plan               domain.Plan
	VoiceID            string
	Model              string
	WebhookURL         string
	WebhookSecret      string
	MaxDurationSeconds int
	ArchiveBatchSize   int
}

// Service provides the business logic for the voice add-on.
type Service struct {
	repo        Repository
	provisioner Provisioner
	payments    PaymentVerifier
	notifier    *Notifier
	logger      *slog.Logger
	opts        Options
	now         func() time.Time
}

// NewService creates a new voice add-on service.
func NewService(repo Repository, provisioner Provisioner, payments PaymentVerifier, notifier *Notifier, logger *slog.Logger, opts Options) *Service {
	if opts.ArchiveBatchSize <= 0 {
		opts.ArchiveBatchSize = 100
	}
	return &Service{
		repo:        repo,
		provisioner: provisioner,
		payments:    payments,
		notifier:    notifier,
		logger:      logger,
		opts:        opts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ResolveStoreForOwner maps an authenticated seller to their store id.
func (s *Service) ResolveStoreForOwner(ctx context.Context, clerkUserID string) (string, error) {
	if strings.TrimSpace(clerkUserID) == "" {
		return "", ErrInvalidRequest
	}
	st, err := s.repo.FindStoreByOwner(ctx, clerkUserID)
	if err != nil {
		if errors.Is(err, store.ErrStoreNotFound) {
			return "", ErrStoreNotFound
		}
		return "", err
	}
	return st.ID, nil
}

// Status returns the add-on view of a store.
func (s *Service) Status(ctx context.Context, storeID string) (*domain.SubscriptionView, error) {
	sub, err := s.repo.GetSubscription(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	view := sub.View()
	return &view, nil
}

// Enable provisions a phone number and assistant for a store. Any failure after the
// number is allocated releases it again, so a failed enable leaves nothing behind.
func (s *Service) Enable(ctx context.Context, storeID string) (*domain.Subscription, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return nil, ErrInvalidRequest
	}

	st, err := s.repo.FindStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrStoreNotFound) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("load store: %w", err)
	}

	existing, err := s.repo.GetSubscription(ctx, storeID)
	switch {
	case err == nil:
		if existing.IsProvisioned() {
			return nil, ErrAlreadyEnabled
		}
	case errors.Is(err, store.ErrSubscriptionNotFound):
	default:
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	did, err := s.repo.AllocateDID(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrNoDIDAvailable) {
			s.logger.Warn("did pool exhausted", "store_id", storeID)
			return nil, ErrResourceExhausted
		}
		return nil, fmt.Errorf("allocate did: %w", err)
	}
	s.logger.Info("allocated did", "store_id", storeID, "did_id", did.ID)

	provCtx, cancel := context.WithTimeout(ctx, provisioningTimeout)
	defer cancel()

	assistantID, err := s.provisioner.CreateAssistant(provCtx, s.assistantConfig(st))
	observeProvisioning("create_assistant", err)
	if err != nil {
		s.logger.Error("failed to create assistant", "store_id", storeID, "error", err)
		s.rollbackEnable(ctx, storeID, did.ID, "", "")
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	bindingID, err := s.provisioner.CreatePhoneBinding(provCtx, vapiclient.PhoneBindingConfig{
		Number:       did.PhoneNumber,
		AssistantID:  assistantID,
		Name:         st.Name,
		ServerURL:    s.opts.WebhookURL,
		ServerSecret: s.opts.WebhookSecret,
	})
	observeProvisioning("create_phone_binding", err)
	if err != nil {
		s.logger.Error("failed to create phone binding", "store_id", storeID, "assistant_id", assistantID, "error", err)
		s.rollbackEnable(ctx, storeID, did.ID, assistantID, "")
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	sub := NewSubscription(storeID, s.opts.Plan, did, assistantID, bindingID, s.now())
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		s.logger.Error("failed to save subscription", "store_id", storeID, "error", err)
		s.rollbackEnable(ctx, storeID, did.ID, assistantID, bindingID)
		if errors.Is(err, store.ErrSubscriptionActive) {
			return nil, ErrAlreadyEnabled
		}
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	s.logger.Info("voice add-on enabled", "store_id", storeID, "phone_number", did.PhoneNumber, "expiry_date", sub.ExpiryDate)
	if err := s.notifier.Notify(ctx, storeID, domain.NotificationEnabled, &sub.ExpiryDate); err != nil {
		s.logger.Warn("failed to notify store of enable", "store_id", storeID, "error", err)
	}
	return sub, nil
}

// rollbackEnable undoes a partial enable. It runs detached from the caller's
// cancellation, since a cancelled request is one of the reasons it runs.
func (s *Service) rollbackEnable(ctx context.Context, storeID, didID, assistantID, bindingID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisioningTimeout)
	defer cancel()

	if bindingID != "" {
		err := s.provisioner.DeletePhoneBinding(cleanupCtx, bindingID)
		observeProvisioning("delete_phone_binding", err)
		if err != nil {
			s.logger.Error("rollback: failed to delete phone binding", "store_id", storeID, "binding_id", bindingID, "error", err)
		}
	}
	if assistantID != "" {
		err := s.provisioner.DeleteAssistant(cleanupCtx, assistantID)
		observeProvisioning("delete_assistant", err)
		if err != nil {
			s.logger.Error("rollback: failed to delete assistant", "store_id", storeID, "assistant_id", assistantID, "error", err)
		}
	}
	if err := s.repo.ReleaseDID(cleanupCtx, didID); err != nil {
		s.logger.Error("rollback: failed to release did", "store_id", storeID, "did_id", didID, "error", err)
		return
	}
	s.logger.Info("rollback: released did", "store_id", storeID, "did_id", didID)
}

func (s *Service) assistantConfig(st *domain.Store) vapiclient.AssistantConfig {
	return vapiclient.AssistantConfig{
		Name:               truncate(st.Name+" Assistant", 40),
		VoiceID:            s.opts.VoiceID,
		Model:              s.opts.Model,
		SystemPrompt:       fmt.Sprintf("You are the phone assistant for %s. Answer questions about the store's products, orders and opening hours. Be brief and friendly.", st.Name),
		FirstMessage:       fmt.Sprintf("Hi, thanks for calling %s. How can I help you today?", st.Name),
		ServerURL:          s.opts.WebhookURL,
		ServerSecret:       s.opts.WebhookSecret,
		MaxDurationSeconds: s.opts.MaxDurationSeconds,
		Metadata:           map[string]string{"store_id": st.ID},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Renew extends a subscription using an approved payment. A payment reference can
// renew at most once.
func (s *Service) Renew(ctx context.Context, storeID, paymentRef string) (*domain.Subscription, error) {
	storeID = strings.TrimSpace(storeID)
	paymentRef = strings.TrimSpace(paymentRef)
	if storeID == "" || paymentRef == "" {
		return nil, ErrInvalidRequest
	}

	sub, err := s.repo.GetSubscription(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	now := s.now()
	renewal, err := ApplyRenewal(sub, now)
	if err != nil {
		return nil, err
	}

	payment, err := s.payments.GetPayment(ctx, paymentRef)
	if err != nil {
		if errors.Is(err, paymentclient.ErrPaymentNotFound) {
			return nil, ErrPaymentNotApproved
		}
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if payment.Status != domain.PaymentStatusApproved {
		s.logger.Warn("renewal with unapproved payment", "store_id", storeID, "payment_ref", paymentRef, "status", payment.Status)
		return nil, ErrPaymentNotApproved
	}
	if payment.StoreID != "" && payment.StoreID != storeID {
		s.logger.Warn("renewal payment belongs to another store", "store_id", storeID, "payment_ref", paymentRef)
		return nil, ErrPaymentNotApproved
	}

	renewed, err := s.repo.RenewSubscription(ctx, storeID, paymentRef, domain.PaymentUsageVoiceAddonRenewal, renewal)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentAlreadyUsed):
			return nil, ErrAlreadyUsed
		case errors.Is(err, store.ErrNotRenewable):
			return nil, ErrSubscriptionExpired
		case errors.Is(err, store.ErrSubscriptionNotFound):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("renew subscription: %w", err)
	}

	s.logger.Info("voice add-on renewed", "store_id", storeID, "payment_ref", paymentRef, "expiry_date", renewed.ExpiryDate, "renewal_count", renewed.RenewalCount)
	if err := s.notifier.Notify(ctx, storeID, domain.NotificationRenewed, &renewed.ExpiryDate); err != nil {
		s.logger.Warn("failed to notify store of renewal", "store_id", storeID, "error", err)
	}
	return renewed, nil
}

// ListCallLogs pages through a store's live call history.
func (s *Service) ListCallLogs(ctx context.Context, storeID string, opts domain.CallLogListOptions) ([]domain.CallLog, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.repo.ListCallLogs(ctx, storeID, opts)
}

// AddDIDs loads phone numbers into the pool.
func (s *Service) AddDIDs(ctx context.Context, phoneNumbers []string) (int, error) {
	cleaned := make([]string, 0, len(phoneNumbers))
	for _, number := range phoneNumbers {
		if number = strings.TrimSpace(number); number != "" {
			cleaned = append(cleaned, number)
		}
	}
	if len(cleaned) == 0 {
		return 0, ErrInvalidRequest
	}
	added, err := s.repo.AddDIDs(ctx, cleaned)
	if err != nil {
		return added, err
	}
	s.logger.Info("added dids to pool", "requested", len(cleaned), "added", added)
	return added, nil
}

// PoolStats reports DID inventory and refreshes the pool gauges.
func (s *Service) PoolStats(ctx context.Context) (domain.PoolStats, error) {
	stats, err := s.repo.PoolStats(ctx)
	if err != nil {
		return stats, err
	}
	DIDPool.WithLabelValues("assigned").Set(float64(stats.Assigned))
	DIDPool.WithLabelValues("available").Set(float64(stats.Available))
	return stats, nil
}

// Ping checks that the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ListNotifications returns a store's most recent in-app notifications.
func (s *Service) ListNotifications(ctx context.Context, storeID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListNotifications(ctx, storeID, limit)
}
