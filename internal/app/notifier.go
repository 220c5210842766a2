package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/pkg/rabbitmq"
)

// NotificationRepository stores the in-app notification log.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Notifier is the notification sink. Each notification is appended to the store's
// in-app log and published for push delivery.
type Notifier struct {
	repo      NotificationRepository
	publisher EventPublisher
	exchange  string
	logger    *slog.Logger
}

// NewNotifier creates a notification sink publishing to exchange.
func NewNotifier(repo NotificationRepository, publisher EventPublisher, exchange string, logger *slog.Logger) *Notifier {
	if exchange == "" {
		exchange = "platform.events"
	}
	return &Notifier{repo: repo, publisher: publisher, exchange: exchange, logger: logger}
}

// Notify records and publishes a lifecycle notification. A failed in-app write is
// returned; a failed publish is logged, since the in-app entry is already durable.
func (n *Notifier) Notify(ctx context.Context, storeID string, kind domain.NotificationKind, deadline *time.Time) error {
	title, body := notificationText(kind, deadline)
	notification := &domain.Notification{
		ID:        uuid.NewString(),
		StoreID:   storeID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		Deadline:  deadline,
		CreatedAt: time.Now().UTC(),
	}

	if err := n.repo.CreateNotification(ctx, notification); err != nil {
		NotificationsTotal.WithLabelValues(string(kind), "failed").Inc()
		return fmt.Errorf("create notification: %w", err)
	}

	if n.publisher != nil {
		event := rabbitmq.VoiceAddonEvent{
			EventID:   notification.ID,
			StoreID:   storeID,
			Kind:      string(kind),
			Title:     title,
			Body:      body,
			Deadline:  deadline,
			Timestamp: notification.CreatedAt,
		}
		if err := n.publisher.Publish(ctx, n.exchange, event.RoutingKey(), event); err != nil {
			n.logger.Warn("failed to publish voice add-on notification", "store_id", storeID, "kind", kind, "error", err)
			NotificationsTotal.WithLabelValues(string(kind), "publish_failed").Inc()
			return nil
		}
	}

	NotificationsTotal.WithLabelValues(string(kind), "sent").Inc()
	return nil
}

func notificationText(kind domain.NotificationKind, deadline *time.Time) (string, string) {
	date := ""
	if deadline != nil {
		date = deadline.UTC().Format("January 2, 2006")
	}
	switch kind {
	case domain.NotificationEnabled:
		return "Voice assistant enabled", "Your AI voice assistant is live. Customers can now call your store's number."
	case domain.NotificationRenewed:
		return "Voice assistant renewed", fmt.Sprintf("Your voice assistant subscription has been renewed until %s.", date)
	case domain.NotificationExpired:
		return "Voice assistant expired", fmt.Sprintf("Your voice assistant subscription has expired and calls are paused. Renew before %s to keep your number and call history.", date)
	case domain.NotificationRenewalReminder:
		return "Voice assistant renews soon", fmt.Sprintf("Your voice assistant subscription expires on %s. Renew now to avoid interruption.", date)
	case domain.NotificationDeletionWarning:
		return "Voice assistant will be deleted", fmt.Sprintf("Your voice assistant, phone number and call history will be deleted on %s unless you renew.", date)
	case domain.NotificationDeleted:
		return "Voice assistant deleted", "Your voice assistant has been removed and its phone number released. You can enable it again at any time."
	default:
		return "Voice assistant update", "There is an update on your voice assistant."
	}
}
