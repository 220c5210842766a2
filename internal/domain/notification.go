package domain

import "time"

// NotificationKind identifies a lifecycle notification sent to a store.
type NotificationKind string

const (
	NotificationEnabled         NotificationKind = "enabled"
	NotificationRenewed         NotificationKind = "renewed"
	NotificationExpired         NotificationKind = "expired"
	NotificationRenewalReminder NotificationKind = "renewal_reminder"
	NotificationDeletionWarning NotificationKind = "deletion_warning"
	NotificationDeleted         NotificationKind = "deleted"
)

// Notification is written to the store's in-app log and published for push delivery.
type Notification struct {
	ID        string           `json:"id"`
	StoreID   string           `json:"store_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Deadline  *time.Time       `json:"deadline,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Payment is the verification result returned by the payment service.
type Payment struct {
	Reference string `json:"reference"`
	StoreID   string `json:"store_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// PaymentStatusApproved is the only payment status accepted for renewal.
const PaymentStatusApproved = "approved"

// PaymentUsageVoiceAddonRenewal is the usedFor marker written when a payment renews the add-on.
const PaymentUsageVoiceAddonRenewal = "voice_addon_renewal"
