/**
 * @description
 * Daily reconciliation passes for the voice add-on. Each pass is a separate
 * filtered query, and a failure on one record never stops the rest of the pass.
 */
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

const sweepLockTTL = 30 * time.Minute

// Pass names, used in logs, metrics and results.
const (
	PassExpireToGrace   = "expire_to_grace"
	PassGraceToDeleted  = "grace_to_deleted"
	PassRenewalReminder = "renewal_reminder"
	PassDeletionWarning = "deletion_warning"
)

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Pass      string `json:"pass"`
	Evaluated int    `json:"evaluated"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	QueryErr  string `json:"query_error,omitempty"`
}

// SweepResult summarizes a full sweep.
type SweepResult struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Locked     bool         `json:"locked"`
	Passes     []PassResult `json:"passes"`
}

type recordOutcome int

const (
	outcomeSucceeded recordOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// Jobs contains the logic for the scheduled reconciliation.
type Jobs struct {
	service     *Service
	lock        SweepLocker
	logger      *slog.Logger
	concurrency int
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *Service, lock SweepLocker, logger *slog.Logger, concurrency int) *Jobs {
	if lock == nil {
		lock = NoopSweepLock{}
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Jobs{service: service, lock: lock, logger: logger, concurrency: concurrency}
}

// ProcessDailySweep is the cron entry point.
func (j *Jobs) ProcessDailySweep() {
	if _, err := j.RunSweep(context.Background()); err != nil {
		j.logger.Error("daily sweep failed", "error", err)
	}
}

// RefreshPoolMetrics updates the DID pool gauges.
func (j *Jobs) RefreshPoolMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := j.service.PoolStats(ctx); err != nil {
		j.logger.Error("failed to refresh did pool metrics", "error", err)
	}
}

// RunSweep runs all four passes in order. If another replica holds the sweep lock the
// sweep is skipped and Locked is false.
func (j *Jobs) RunSweep(ctx context.Context) (*SweepResult, error) {
	now := j.service.now()
	result := &SweepResult{StartedAt: now}

	release, acquired, err := j.lock.Acquire(ctx, sweepLockTTL)
	if err != nil {
		return result, err
	}
	if !acquired {
		j.logger.Info("sweep already running on another replica, skipping")
		result.FinishedAt = j.service.now()
		return result, nil
	}
	defer release()
	result.Locked = true

	j.logger.Info("starting voice add-on sweep", "now", now)
	result.Passes = append(result.Passes,
		j.ExpireToGrace(ctx, now),
		j.GraceToDeleted(ctx, now),
		j.RenewalReminders(ctx, now),
		j.DeletionWarnings(ctx, now),
	)
	result.FinishedAt = j.service.now()
	j.logger.Info("voice add-on sweep finished", "duration", result.FinishedAt.Sub(result.StartedAt))
	return result, nil
}

// ExpireToGrace moves active records past their expiry into the grace period and
// tells the store once. The conditional update means a record only notifies on the
// run that actually moved it.
func (j *Jobs) ExpireToGrace(ctx context.Context, now time.Time) PassResult {
	subs, err := j.service.repo.ListExpiredActive(ctx, now)
	return j.runPass(ctx, PassExpireToGrace, subs, err, func(ctx context.Context, sub *domain.Subscription) recordOutcome {
		if NextTransition(sub, now) != TransitionExpire {
			return outcomeSkipped
		}
		graceEnds := GracePeriodEnd(sub.ExpiryDate)
		moved, err := j.service.repo.MarkGracePeriod(ctx, sub.StoreID, now, graceEnds)
		if err != nil {
			j.logger.Error("failed to move subscription to grace period", "store_id", sub.StoreID, "error", err)
			return outcomeFailed
		}
		if !moved {
			return outcomeSkipped
		}
		j.logger.Info("subscription entered grace period", "store_id", sub.StoreID, "grace_period_ends_at", graceEnds)
		if err := j.service.notifier.Notify(ctx, sub.StoreID, domain.NotificationExpired, &graceEnds); err != nil {
			j.logger.Warn("failed to send expiry notification", "store_id", sub.StoreID, "error", err)
		}
		return outcomeSucceeded
	})
}

// GraceToDeleted tears down records whose grace period has ended. The listed snapshot
// is only a candidate set: each record is claimed with a guarded write first, so one
// renewed after the listing is left alone. A record a previous run claimed but could
// not mark expired is picked up again.
func (j *Jobs) GraceToDeleted(ctx context.Context, now time.Time) PassResult {
	subs, err := j.service.repo.ListGraceElapsed(ctx, now)
	return j.runPass(ctx, PassGraceToDeleted, subs, err, func(ctx context.Context, sub *domain.Subscription) recordOutcome {
		report, claimed, err := j.service.TeardownDue(ctx, sub.StoreID, now)
		if err != nil {
			j.logger.Error("teardown failed", "store_id", sub.StoreID, "error", err)
			return outcomeFailed
		}
		if !claimed {
			j.logger.Info("teardown skipped, subscription no longer due", "store_id", sub.StoreID)
			return outcomeSkipped
		}
		if len(report.Errors) > 0 {
			j.logger.Warn("teardown completed with errors", "store_id", sub.StoreID, "errors", report.Errors)
		}
		return outcomeSucceeded
	})
}

// RenewalReminders sends the renew-soon notice for active records expiring within 7 days.
func (j *Jobs) RenewalReminders(ctx context.Context, now time.Time) PassResult {
	subs, err := j.service.repo.ListExpiringBetween(ctx, now, now.Add(renewalReminderWindow))
	return j.runPass(ctx, PassRenewalReminder, subs, err, func(ctx context.Context, sub *domain.Subscription) recordOutcome {
		if !RenewalReminderDue(sub, now) {
			return outcomeSkipped
		}
		expiry := sub.ExpiryDate
		if err := j.service.notifier.Notify(ctx, sub.StoreID, domain.NotificationRenewalReminder, &expiry); err != nil {
			j.logger.Error("failed to send renewal reminder", "store_id", sub.StoreID, "error", err)
			return outcomeFailed
		}
		if err := j.service.repo.SetRenewalReminderSent(ctx, sub.StoreID, expiry); err != nil {
			j.logger.Error("failed to record renewal reminder", "store_id", sub.StoreID, "error", err)
			return outcomeFailed
		}
		return outcomeSucceeded
	})
}

// DeletionWarnings sends the final warning for grace-period records due for deletion
// within 3 days.
func (j *Jobs) DeletionWarnings(ctx context.Context, now time.Time) PassResult {
	subs, err := j.service.repo.ListGraceEndingBetween(ctx, now, now.Add(deletionWarningWindow))
	return j.runPass(ctx, PassDeletionWarning, subs, err, func(ctx context.Context, sub *domain.Subscription) recordOutcome {
		if !DeletionWarningDue(sub, now) {
			return outcomeSkipped
		}
		deadline := *sub.GracePeriodEndsAt
		if err := j.service.notifier.Notify(ctx, sub.StoreID, domain.NotificationDeletionWarning, &deadline); err != nil {
			j.logger.Error("failed to send deletion warning", "store_id", sub.StoreID, "error", err)
			return outcomeFailed
		}
		if err := j.service.repo.SetDeletionWarningSent(ctx, sub.StoreID, deadline); err != nil {
			j.logger.Error("failed to record deletion warning", "store_id", sub.StoreID, "error", err)
			return outcomeFailed
		}
		return outcomeSucceeded
	})
}

func (j *Jobs) runPass(ctx context.Context, pass string, subs []domain.Subscription, queryErr error, fn func(context.Context, *domain.Subscription) recordOutcome) PassResult {
	start := time.Now()
	result := PassResult{Pass: pass}
	defer func() {
		SweepDuration.WithLabelValues(pass).Observe(time.Since(start).Seconds())
		j.logger.Info("sweep pass finished", "pass", pass, "evaluated", result.Evaluated,
			"succeeded", result.Succeeded, "failed", result.Failed, "skipped", result.Skipped)
	}()

	if queryErr != nil {
		j.logger.Error("sweep pass query failed", "pass", pass, "error", queryErr)
		result.QueryErr = queryErr.Error()
		return result
	}
	result.Evaluated = len(subs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for i := range subs {
		sub := &subs[i]
		g.Go(func() error {
			outcome := j.safeRun(gctx, pass, sub, fn)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSucceeded:
				result.Succeeded++
				SweepRecords.WithLabelValues(pass, "succeeded").Inc()
			case outcomeSkipped:
				result.Skipped++
				SweepRecords.WithLabelValues(pass, "skipped").Inc()
			default:
				result.Failed++
				SweepRecords.WithLabelValues(pass, "failed").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// safeRun isolates a panicking record from the rest of the pass.
func (j *Jobs) safeRun(ctx context.Context, pass string, sub *domain.Subscription, fn func(context.Context, *domain.Subscription) recordOutcome) (outcome recordOutcome) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("sweep record panicked", "pass", pass, "store_id", sub.StoreID, "panic", r)
			outcome = outcomeFailed
		}
	}()
	return fn(ctx, sub)
}
