package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/internal/store"
)

// CallEnded is a normalized call-completion report from the provider.
type CallEnded struct {
	CallID          string
	StoreID         string
	PhoneNumber     string
	PhoneBindingID  string
	CustomerPhone   string
	DurationSeconds float64
	Transcript      string
	Summary         string
	CSATScore       *int
	Cost            float64
	EndedAt         time.Time
}

// MeteringResult reports what a call-ended report changed.
type MeteringResult struct {
	StoreID   string
	Minutes   int
	Duplicate bool
}

// RecordCallEnded charges a finished call against the store's allowance and logs it.
// Reports are delivered at least once; a repeated call id changes nothing.
func (s *Service) RecordCallEnded(ctx context.Context, event CallEnded) (*MeteringResult, error) {
	if strings.TrimSpace(event.CallID) == "" {
		MeteringEvents.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: call id is required", ErrInvalidRequest)
	}

	storeID, err := s.resolveCallStore(ctx, event)
	if err != nil {
		MeteringEvents.WithLabelValues("failed").Inc()
		return nil, err
	}

	seconds := 0
	if event.DurationSeconds > 0 {
		seconds = int(math.Ceil(event.DurationSeconds))
	}
	minutes := MinutesForDuration(seconds)

	createdAt := event.EndedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	inserted, err := s.repo.RecordCall(ctx, domain.CallLog{
		StoreID:         storeID,
		CallID:          event.CallID,
		CustomerPhone:   event.CustomerPhone,
		DurationSeconds: seconds,
		Transcript:      event.Transcript,
		Summary:         event.Summary,
		CSATScore:       event.CSATScore,
		Cost:            event.Cost,
		CreatedAt:       createdAt,
	}, minutes)
	if err != nil {
		MeteringEvents.WithLabelValues("failed").Inc()
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record call: %w", err)
	}

	result := &MeteringResult{StoreID: storeID, Minutes: minutes, Duplicate: !inserted}
	if !inserted {
		MeteringEvents.WithLabelValues("duplicate").Inc()
		s.logger.Info("duplicate call report ignored", "store_id", storeID, "call_id", event.CallID)
		return result, nil
	}

	MeteringEvents.WithLabelValues("recorded").Inc()
	MeteredMinutes.Add(float64(minutes))
	s.logger.Info("call metered", "store_id", storeID, "call_id", event.CallID, "minutes", minutes)
	return result, nil
}

func (s *Service) resolveCallStore(ctx context.Context, event CallEnded) (string, error) {
	if id := strings.TrimSpace(event.StoreID); id != "" {
		return id, nil
	}
	if binding := strings.TrimSpace(event.PhoneBindingID); binding != "" {
		sub, err := s.repo.FindSubscriptionByPhoneBinding(ctx, binding)
		if err == nil {
			return sub.StoreID, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return "", fmt.Errorf("resolve binding: %w", err)
		}
	}
	if number := strings.TrimSpace(event.PhoneNumber); number != "" {
		did, err := s.repo.FindDIDByPhoneNumber(ctx, number)
		if err == nil && did.StoreID != nil {
			return *did.StoreID, nil
		}
		if err != nil && !errors.Is(err, store.ErrDIDNotFound) {
			return "", fmt.Errorf("resolve number: %w", err)
		}
	}
	return "", ErrNotFound
}
