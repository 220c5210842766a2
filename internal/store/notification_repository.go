package store

import (
	"context"

	"github.com/storefront/voice-addon-service/internal/domain"
)

// CreateNotification appends an entry to the store's in-app notification log.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n *domain.Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO voice_addon_notifications (id, store_id, kind, title, body, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.StoreID, string(n.Kind), n.Title, n.Body, n.Deadline, n.CreatedAt)
	return err
}

// ListNotifications returns a store's in-app notifications, newest first.
func (r *PostgresRepository) ListNotifications(ctx context.Context, storeID string, limit int) ([]domain.Notification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id::TEXT, store_id, kind, title, body, deadline, created_at
		FROM voice_addon_notifications
		WHERE store_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.StoreID, &kind, &n.Title, &n.Body, &n.Deadline, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = domain.NotificationKind(kind)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}
