/**
 * @description
 * This file defines the core domain models for the voice add-on service.
 * It includes the per-store Subscription record, its plan, and the read
 * projection consumed by the seller dashboard.
 */
package domain

import "time"

// Status is the lifecycle state of a voice add-on subscription.
type Status string

const (
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusExpired     Status = "expired"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusGracePeriod, StatusExpired:
		return true
	default:
		return false
	}
}

// Plan holds the commercial terms of the add-on.
type Plan struct {
	MonthlyFee      int64  `json:"monthly_fee"` // minor units
	Currency        string `json:"currency"`
	MinutesIncluded int    `json:"minutes_included"`
}

// Subscription is the persisted voice add-on record. There is exactly one per store.
type Subscription struct {
	StoreID                string     `json:"store_id"`
	Enabled                bool       `json:"enabled"`
	Status                 Status     `json:"status"`
	ExternalAssistantID    *string    `json:"external_assistant_id,omitempty"`
	ExternalPhoneBindingID *string    `json:"external_phone_binding_id,omitempty"`
	DIDID                  *string    `json:"did_id,omitempty"`
	PhoneNumber            *string    `json:"phone_number,omitempty"`
	Plan                   Plan       `json:"plan"`
	UsedMinutes            int        `json:"used_minutes"`
	StartDate              time.Time  `json:"start_date"`
	ExpiryDate             time.Time  `json:"expiry_date"`
	GracePeriodEndsAt      *time.Time `json:"grace_period_ends_at,omitempty"`
	RenewalCount           int        `json:"renewal_count"`
	LastRenewalDate        *time.Time `json:"last_renewal_date,omitempty"`
	DeletedAt              *time.Time `json:"deleted_at,omitempty"`

	// Milestone markers hold the deadline a reminder was last sent for.
	RenewalReminderSentFor *time.Time `json:"-"`
	DeletionWarningSentFor *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsProvisioned reports whether the record currently holds external resources. A
// record disabled by a teardown that has not yet marked it expired still does.
func (s *Subscription) IsProvisioned() bool {
	return s.Status != StatusExpired
}

// MinutesRemaining returns the unused part of the monthly allowance, never negative.
func (s *Subscription) MinutesRemaining() int {
	remaining := s.Plan.MinutesIncluded - s.UsedMinutes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Renewal carries the fields written when a subscription is renewed.
type Renewal struct {
	ExpiryDate      time.Time
	RenewalCount    int
	LastRenewalDate time.Time
}

// SubscriptionSummary is the nested block of the legacy dashboard shape.
type SubscriptionSummary struct {
	Status            Status     `json:"status"`
	Plan              Plan       `json:"plan"`
	UsedMinutes       int        `json:"used_minutes"`
	MinutesRemaining  int        `json:"minutes_remaining"`
	StartDate         time.Time  `json:"start_date"`
	ExpiryDate        time.Time  `json:"expiry_date"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
	RenewalCount      int        `json:"renewal_count"`
	LastRenewalDate   *time.Time `json:"last_renewal_date,omitempty"`
}

// SubscriptionView is the API response for a store's add-on. Both status fields are
// projected from the single persisted status, so they cannot drift apart.
type SubscriptionView struct {
	StoreID      string              `json:"store_id"`
	Enabled      bool                `json:"enabled"`
	Status       Status              `json:"status"`
	PhoneNumber  *string             `json:"phone_number,omitempty"`
	Subscription SubscriptionSummary `json:"subscription"`
}

// View projects the record into its API shape.
func (s *Subscription) View() SubscriptionView {
	return SubscriptionView{
		StoreID:     s.StoreID,
		Enabled:     s.Enabled,
		Status:      s.Status,
		PhoneNumber: s.PhoneNumber,
		Subscription: SubscriptionSummary{
			Status:            s.Status,
			Plan:              s.Plan,
			UsedMinutes:       s.UsedMinutes,
			MinutesRemaining:  s.MinutesRemaining(),
			StartDate:         s.StartDate,
			ExpiryDate:        s.ExpiryDate,
			GracePeriodEndsAt: s.GracePeriodEndsAt,
			RenewalCount:      s.RenewalCount,
			LastRenewalDate:   s.LastRenewalDate,
		},
	}
}

// Store is the subset of the platform's store record this service reads.
type Store struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OwnerClerkID string `json:"owner_clerk_id"`
}
