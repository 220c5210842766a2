package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/internal/store"
	"github.com/storefront/voice-addon-service/pkg/vapiclient"
)

// Messages spoken to callers whose call is blocked.
const (
	UnavailableMessage  = "Sorry, this store's phone assistant is currently unavailable. Please try again later. Goodbye."
	LimitReachedMessage = "Sorry, this store has used all of its calling minutes for this period. Please try again later. Goodbye."
)

// Decision is the outcome of an admission check.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionBlock  Decision = "block"
	DecisionReject Decision = "reject"
)

// AdmissionRequest identifies the dialed line. Either field may be empty.
type AdmissionRequest struct {
	PhoneNumber    string
	PhoneBindingID string
}

// AdmissionResult is the decision returned to the provider.
type AdmissionResult struct {
	Decision    Decision
	Reason      string
	StoreID     string
	AssistantID string
	Message     string
}

// Admit decides whether an inbound call may reach the store's assistant. It never
// returns an error: lookup failures block the call.
//
// The decision reads a snapshot of the record. A call that arrives just before the
// daily sweep moves the record out of active is still allowed; that window is
// accepted, since usage is billed at sub-day granularity anyway.
func (s *Service) Admit(ctx context.Context, req AdmissionRequest) AdmissionResult {
	start := time.Now()
	result := s.admit(ctx, req)
	AdmissionDuration.Observe(time.Since(start).Seconds())
	AdmissionDecisions.WithLabelValues(string(result.Decision), result.Reason).Inc()
	return result
}

func (s *Service) admit(ctx context.Context, req AdmissionRequest) AdmissionResult {
	ctx, cancel := context.WithTimeout(ctx, admissionReadTimeout)
	defer cancel()

	sub, err := s.lookupForAdmission(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrDIDNotFound) || errors.Is(err, store.ErrSubscriptionNotFound) || errors.Is(err, ErrNotFound) {
			s.logger.Info("admission rejected, unknown line", "phone_number", req.PhoneNumber, "binding_id", req.PhoneBindingID)
			return AdmissionResult{Decision: DecisionReject, Reason: "not_found"}
		}
		s.logger.Error("admission lookup failed, blocking call", "phone_number", req.PhoneNumber, "binding_id", req.PhoneBindingID, "error", err)
		return AdmissionResult{Decision: DecisionBlock, Reason: "lookup_failed", Message: UnavailableMessage}
	}

	return Decide(sub)
}

// Decide applies the admission table to a loaded record.
func Decide(sub *domain.Subscription) AdmissionResult {
	if sub == nil {
		return AdmissionResult{Decision: DecisionReject, Reason: "not_found"}
	}
	result := AdmissionResult{StoreID: sub.StoreID}
	switch {
	case !sub.Enabled || sub.Status != domain.StatusActive:
		result.Decision = DecisionBlock
		result.Reason = "unavailable"
		result.Message = UnavailableMessage
	case sub.UsedMinutes >= sub.Plan.MinutesIncluded:
		result.Decision = DecisionBlock
		result.Reason = "limit_reached"
		result.Message = LimitReachedMessage
	case sub.ExternalAssistantID == nil || *sub.ExternalAssistantID == "":
		result.Decision = DecisionBlock
		result.Reason = "unavailable"
		result.Message = UnavailableMessage
	default:
		result.Decision = DecisionAllow
		result.AssistantID = *sub.ExternalAssistantID
	}
	return result
}

func (s *Service) lookupForAdmission(ctx context.Context, req AdmissionRequest) (*domain.Subscription, error) {
	if number := strings.TrimSpace(req.PhoneNumber); number != "" {
		did, err := s.repo.FindDIDByPhoneNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		if !did.Assigned || did.StoreID == nil {
			return nil, ErrNotFound
		}
		return s.repo.GetSubscription(ctx, *did.StoreID)
	}
	if binding := strings.TrimSpace(req.PhoneBindingID); binding != "" {
		return s.repo.FindSubscriptionByPhoneBinding(ctx, binding)
	}
	return nil, ErrNotFound
}

// TransientAssistant builds the throwaway assistant that speaks a blocked-call
// message and hangs up.
func TransientAssistant(message string) vapiclient.AssistantPayload {
	return vapiclient.AssistantPayload{
		Name:               "Call blocked",
		FirstMessage:       message,
		EndCallMessage:     message,
		MaxDurationSeconds: blockedCallCeilingSeconds,
		EndCallPhrases:     []string{"Goodbye."},
	}
}
