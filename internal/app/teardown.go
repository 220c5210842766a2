package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/internal/store"
)

// TeardownReport records what each teardown step did. Only MarkedExpired is
// authoritative; the other steps are best-effort and can be retried by an operator.
type TeardownReport struct {
	StoreID           string   `json:"store_id"`
	AlreadyTornDown   bool     `json:"already_torn_down"`
	AssistantDeleted  bool     `json:"assistant_deleted"`
	BindingDeleted    bool     `json:"binding_deleted"`
	DIDReleased       bool     `json:"did_released"`
	CallLogsArchived  int      `json:"call_logs_archived"`
	ArchiveIncomplete bool     `json:"archive_incomplete"`
	MarkedExpired     bool     `json:"marked_expired"`
	Errors            []string `json:"errors,omitempty"`
}

func (r *TeardownReport) addError(step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
}

// TeardownDue tears down a store whose grace period ended at or before now. The
// record is claimed with a guarded write before anything is deleted; claimed is false
// when it was renewed in the meantime and nothing was touched.
func (s *Service) TeardownDue(ctx context.Context, storeID string, now time.Time) (*TeardownReport, bool, error) {
	claimed, err := s.repo.BeginDeletion(ctx, storeID, now)
	if err != nil {
		return nil, false, fmt.Errorf("claim subscription for deletion: %w", err)
	}
	if !claimed {
		return nil, false, nil
	}
	report, err := s.Teardown(ctx, storeID)
	return report, true, err
}

// Teardown releases everything tied to a store's add-on. Steps run in a fixed order
// and a failing external delete does not stop the internal cleanup. The returned
// error is non-nil only when the record could not be marked expired.
func (s *Service) Teardown(ctx context.Context, storeID string) (*TeardownReport, error) {
	report := &TeardownReport{StoreID: storeID}

	sub, err := s.repo.GetSubscription(ctx, storeID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			s.logger.Info("teardown skipped, no subscription", "store_id", storeID)
			report.AlreadyTornDown = true
			return report, nil
		}
		return report, fmt.Errorf("load subscription: %w", err)
	}

	if sub.Status == domain.StatusExpired && !sub.Enabled {
		// Already marked expired: only the archive step is worth retrying.
		report.AlreadyTornDown = true
		report.MarkedExpired = true
		s.archiveCallLogs(ctx, storeID, report)
		return report, nil
	}

	if sub.ExternalAssistantID != nil && *sub.ExternalAssistantID != "" {
		provCtx, cancel := context.WithTimeout(ctx, provisioningTimeout)
		err := s.provisioner.DeleteAssistant(provCtx, *sub.ExternalAssistantID)
		cancel()
		observeProvisioning("delete_assistant", err)
		if err != nil {
			s.logger.Error("teardown: failed to delete assistant", "store_id", storeID, "assistant_id", *sub.ExternalAssistantID, "error", err)
			report.addError("delete_assistant", err)
		} else {
			report.AssistantDeleted = true
		}
	}

	if sub.ExternalPhoneBindingID != nil && *sub.ExternalPhoneBindingID != "" {
		provCtx, cancel := context.WithTimeout(ctx, provisioningTimeout)
		err := s.provisioner.DeletePhoneBinding(provCtx, *sub.ExternalPhoneBindingID)
		cancel()
		observeProvisioning("delete_phone_binding", err)
		if err != nil {
			s.logger.Error("teardown: failed to delete phone binding", "store_id", storeID, "binding_id", *sub.ExternalPhoneBindingID, "error", err)
			report.addError("delete_phone_binding", err)
		} else {
			report.BindingDeleted = true
		}
	}

	if sub.DIDID != nil && *sub.DIDID != "" {
		if err := s.repo.ReleaseDID(ctx, *sub.DIDID); err != nil && !errors.Is(err, store.ErrDIDNotFound) {
			s.logger.Error("teardown: failed to release did", "store_id", storeID, "did_id", *sub.DIDID, "error", err)
			report.addError("release_did", err)
		} else {
			report.DIDReleased = true
		}
	}

	s.archiveCallLogs(ctx, storeID, report)

	deletedAt := s.now()
	if err := s.repo.MarkExpired(ctx, storeID, deletedAt); err != nil {
		s.logger.Error("teardown: failed to mark subscription expired", "store_id", storeID, "error", err)
		report.addError("mark_expired", err)
		return report, fmt.Errorf("mark expired: %w", err)
	}
	report.MarkedExpired = true
	s.logger.Info("voice add-on torn down", "store_id", storeID, "archived", report.CallLogsArchived, "errors", len(report.Errors))

	if err := s.notifier.Notify(ctx, storeID, domain.NotificationDeleted, nil); err != nil {
		s.logger.Warn("teardown: failed to notify store", "store_id", storeID, "error", err)
		report.addError("notify", err)
	}
	return report, nil
}

func (s *Service) archiveCallLogs(ctx context.Context, storeID string, report *TeardownReport) {
	moved, err := s.repo.ArchiveCallLogs(ctx, storeID, s.opts.ArchiveBatchSize)
	report.CallLogsArchived += moved
	if err != nil {
		s.logger.Error("teardown: call log archive incomplete", "store_id", storeID, "archived", moved, "error", err)
		report.ArchiveIncomplete = true
		report.addError("archive_call_logs", err)
	}
}
