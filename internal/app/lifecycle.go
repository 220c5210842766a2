/**
 * @description
 * Pure lifecycle rules for the voice add-on subscription. Nothing here touches
 * storage; the service and the scheduler jobs apply the decisions.
 */
package app

import (
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
)

const (
	subscriptionDays          = 30
	gracePeriodDays           = 30
	renewalReminderWindow     = 7 * 24 * time.Hour
	deletionWarningWindow     = 3 * 24 * time.Hour
	admissionReadTimeout      = 5 * time.Second
	provisioningTimeout       = 30 * time.Second
	blockedCallCeilingSeconds = 10
)

// Transition is the scheduler action a record is due for.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionExpire
	TransitionDelete
)

func (t Transition) String() string {
	switch t {
	case TransitionExpire:
		return "expire"
	case TransitionDelete:
		return "delete"
	default:
		return "none"
	}
}

// NextTransition decides which automatic transition applies to sub at now.
func NextTransition(sub *domain.Subscription, now time.Time) Transition {
	if sub == nil || !sub.Enabled {
		return TransitionNone
	}
	switch sub.Status {
	case domain.StatusActive:
		if !now.Before(sub.ExpiryDate) {
			return TransitionExpire
		}
	case domain.StatusGracePeriod:
		if sub.GracePeriodEndsAt != nil && !now.Before(*sub.GracePeriodEndsAt) {
			return TransitionDelete
		}
	}
	return TransitionNone
}

// GracePeriodEnd is the deletion deadline for a subscription that expired at expiry.
func GracePeriodEnd(expiry time.Time) time.Time {
	return expiry.AddDate(0, 0, gracePeriodDays)
}

// NewSubscription builds the record written by a successful enable.
func NewSubscription(storeID string, plan domain.Plan, did *domain.DID, assistantID, bindingID string, now time.Time) *domain.Subscription {
	didID := did.ID
	phone := did.PhoneNumber
	return &domain.Subscription{
		StoreID:                storeID,
		Enabled:                true,
		Status:                 domain.StatusActive,
		ExternalAssistantID:    &assistantID,
		ExternalPhoneBindingID: &bindingID,
		DIDID:                  &didID,
		PhoneNumber:            &phone,
		Plan:                   plan,
		UsedMinutes:            0,
		StartDate:              now,
		ExpiryDate:             now.AddDate(0, 0, subscriptionDays),
	}
}

// ApplyRenewal computes the renewal of sub at now. Renewal is legal from active and
// grace_period only.
func ApplyRenewal(sub *domain.Subscription, now time.Time) (domain.Renewal, error) {
	if sub == nil {
		return domain.Renewal{}, ErrNotFound
	}
	if !sub.Enabled || sub.Status == domain.StatusExpired {
		return domain.Renewal{}, ErrSubscriptionExpired
	}
	return domain.Renewal{
		ExpiryDate:      now.AddDate(0, 0, subscriptionDays),
		RenewalCount:    sub.RenewalCount + 1,
		LastRenewalDate: now,
	}, nil
}

// RenewalReminderDue reports whether the renew-soon notice should go out for sub.
// The marker holds the expiry date the notice was last sent for, so a renewal
// (which moves the expiry) re-arms it.
func RenewalReminderDue(sub *domain.Subscription, now time.Time) bool {
	if sub.Status != domain.StatusActive {
		return false
	}
	if !sub.ExpiryDate.After(now) || sub.ExpiryDate.Sub(now) > renewalReminderWindow {
		return false
	}
	return sub.RenewalReminderSentFor == nil || !sub.RenewalReminderSentFor.Equal(sub.ExpiryDate)
}

// DeletionWarningDue reports whether the final warning should go out for sub.
func DeletionWarningDue(sub *domain.Subscription, now time.Time) bool {
	if sub.Status != domain.StatusGracePeriod || sub.GracePeriodEndsAt == nil {
		return false
	}
	deadline := *sub.GracePeriodEndsAt
	if !deadline.After(now) || deadline.Sub(now) > deletionWarningWindow {
		return false
	}
	return sub.DeletionWarningSentFor == nil || !sub.DeletionWarningSentFor.Equal(deadline)
}

// MinutesForDuration converts a call duration to billable minutes, rounding up.
func MinutesForDuration(durationSeconds int) int {
	if durationSeconds <= 0 {
		return 0
	}
	return (durationSeconds + 59) / 60
}
