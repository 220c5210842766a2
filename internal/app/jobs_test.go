package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/internal/store"
)

func newTestJobs(env *testEnv) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(env.service, nil, logger, 4)
}

func enableAt(t *testing.T, env *testEnv, storeID string, expiry time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.service.Enable(ctx, storeID); err != nil {
		t.Fatalf("enable %s: %v", storeID, err)
	}
	sub, _ := env.repo.GetSubscription(ctx, storeID)
	sub.ExpiryDate = expiry
	env.repo.PutSubscription(sub)
}

func TestExpireToGrace_TransitionsOnceAndNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	now := time.Now().UTC()
	expiry := now.Add(-time.Second)
	enableAt(t, env, "store-1", expiry)
	jobs := newTestJobs(env)
	ctx := context.Background()

	first := jobs.ExpireToGrace(ctx, now)
	if first.Succeeded != 1 || first.Failed != 0 {
		t.Fatalf("unexpected first pass result: %+v", first)
	}
	sub, _ := env.repo.GetSubscription(ctx, "store-1")
	if sub.Status != domain.StatusGracePeriod {
		t.Fatalf("expected grace_period, got %s", sub.Status)
	}
	if sub.GracePeriodEndsAt == nil || !sub.GracePeriodEndsAt.Equal(expiry.AddDate(0, 0, 30)) {
		t.Fatalf("expected grace end 30 days after expiry, got %v", sub.GracePeriodEndsAt)
	}

	second := jobs.ExpireToGrace(ctx, now)
	if second.Evaluated != 0 {
		t.Fatalf("expected nothing left to expire, got %+v", second)
	}
	if got := env.publisher.count("voice_addon.expired"); got != 1 {
		t.Fatalf("expected exactly one expired notification, got %d", got)
	}
}

func TestGraceToDeleted_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001", "+15550000002")
	ctx := context.Background()
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.AddDate(0, 0, -40))
	enableAt(t, env, "store-2", now.AddDate(0, 0, -40))
	env.enterGrace(t, "store-1", now.Add(-time.Hour))
	env.enterGrace(t, "store-2", now.Add(-time.Hour))
	env.provisioner.deleteAssistantErr = errors.New("provider down")

	result := newTestJobs(env).GraceToDeleted(ctx, now)
	if result.Evaluated != 2 || result.Succeeded != 2 {
		t.Fatalf("expected both stores torn down despite provider errors, got %+v", result)
	}
	for _, id := range []string{"store-1", "store-2"} {
		sub, _ := env.repo.GetSubscription(ctx, id)
		if sub.Status != domain.StatusExpired || sub.Enabled {
			t.Fatalf("expected %s to be expired, got %+v", id, sub)
		}
	}
	stats, _ := env.repo.PoolStats(ctx)
	if stats.Assigned != 0 {
		t.Fatalf("expected all dids released, got %+v", stats)
	}
}

// renewingRepo runs renew right after a sweep pass lists its candidates, the way a
// seller payment can land while a pass is still working through its snapshot.
type renewingRepo struct {
	*store.MemoryRepository
	renew func()
}

func (r *renewingRepo) ListExpiredActive(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	subs, err := r.MemoryRepository.ListExpiredActive(ctx, now)
	r.renew()
	return subs, err
}

func (r *renewingRepo) ListGraceElapsed(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	subs, err := r.MemoryRepository.ListGraceElapsed(ctx, now)
	r.renew()
	return subs, err
}

func renewDuringListing(t *testing.T, env *testEnv, storeID string) {
	t.Helper()
	env.payments.payments["pay_1"] = &domain.Payment{Reference: "pay_1", Status: domain.PaymentStatusApproved}
	env.service.repo = &renewingRepo{MemoryRepository: env.repo, renew: func() {
		if _, err := env.service.Renew(context.Background(), storeID, "pay_1"); err != nil {
			t.Errorf("renew during sweep: %v", err)
		}
	}}
}

func TestExpireToGrace_LeavesRecordRenewedAfterListing(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.Add(-time.Second))
	renewDuringListing(t, env, "store-1")
	ctx := context.Background()

	result := newTestJobs(env).ExpireToGrace(ctx, now)
	if result.Evaluated != 1 || result.Skipped != 1 || result.Succeeded != 0 {
		t.Fatalf("expected the renewed record to be skipped, got %+v", result)
	}
	sub, _ := env.repo.GetSubscription(ctx, "store-1")
	if sub.Status != domain.StatusActive || sub.GracePeriodEndsAt != nil || !sub.ExpiryDate.After(now) {
		t.Fatalf("expected renewed record to stay active, got %+v", sub)
	}
	if got := env.publisher.count("voice_addon.expired"); got != 0 {
		t.Fatalf("expected no expired notification, got %d", got)
	}
}

func TestGraceToDeleted_LeavesRecordRenewedAfterListing(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.AddDate(0, 0, -40))
	env.enterGrace(t, "store-1", now.Add(-time.Hour))
	renewDuringListing(t, env, "store-1")
	ctx := context.Background()

	result := newTestJobs(env).GraceToDeleted(ctx, now)
	if result.Evaluated != 1 || result.Skipped != 1 || result.Succeeded != 0 {
		t.Fatalf("expected the renewed record to be skipped, got %+v", result)
	}
	sub, _ := env.repo.GetSubscription(ctx, "store-1")
	if sub.Status != domain.StatusActive || !sub.Enabled || sub.ExternalAssistantID == nil || sub.DIDID == nil {
		t.Fatalf("expected renewed record to keep its resources, got %+v", sub)
	}
	if len(env.provisioner.deletedAssistants) != 0 || len(env.provisioner.deletedBindings) != 0 {
		t.Fatalf("expected no provider deletes, got %v %v", env.provisioner.deletedAssistants, env.provisioner.deletedBindings)
	}
	stats, _ := env.repo.PoolStats(ctx)
	if stats.Assigned != 1 {
		t.Fatalf("expected the number to stay assigned, got %+v", stats)
	}
}

func TestTeardownDue_ClaimBlocksRenewAndEnable(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001", "+15550000002")
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.AddDate(0, 0, -40))
	env.enterGrace(t, "store-1", now.Add(-time.Hour))
	env.payments.payments["pay_1"] = &domain.Payment{Reference: "pay_1", Status: domain.PaymentStatusApproved}
	ctx := context.Background()

	claimed, err := env.repo.BeginDeletion(ctx, "store-1", now)
	if err != nil || !claimed {
		t.Fatalf("expected claim, got %v %v", claimed, err)
	}
	if _, err := env.service.Renew(ctx, "store-1", "pay_1"); !errors.Is(err, ErrSubscriptionExpired) {
		t.Fatalf("expected renewal of a claimed record to fail, got %v", err)
	}
	if _, err := env.service.Enable(ctx, "store-1"); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected enable during teardown to be refused, got %v", err)
	}

	// A claimed record whose teardown never finished is picked up by the next run.
	report, claimed, err := env.service.TeardownDue(ctx, "store-1", now)
	if err != nil || !claimed || !report.MarkedExpired || !report.DIDReleased {
		t.Fatalf("expected teardown to finish, got %+v %v %v", report, claimed, err)
	}
}

func TestTeardownDue_SkipsRecordNotDue(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.AddDate(0, 0, -10))
	env.enterGrace(t, "store-1", now.AddDate(0, 0, 20))

	report, claimed, err := env.service.TeardownDue(context.Background(), "store-1", now)
	if err != nil || claimed || report != nil {
		t.Fatalf("expected nothing to happen, got %+v %v %v", report, claimed, err)
	}
	if len(env.provisioner.deletedAssistants) != 0 {
		t.Fatalf("expected no provider deletes, got %v", env.provisioner.deletedAssistants)
	}
}

func TestRenewalReminders_SentOncePerExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.AddDate(0, 0, 6))
	jobs := newTestJobs(env)
	ctx := context.Background()

	first := jobs.RenewalReminders(ctx, now)
	second := jobs.RenewalReminders(ctx, now.Add(time.Hour))

	if first.Succeeded != 1 {
		t.Fatalf("expected reminder on first run, got %+v", first)
	}
	if second.Skipped != 1 || second.Succeeded != 0 {
		t.Fatalf("expected reminder to be skipped on rerun, got %+v", second)
	}
	if got := env.publisher.count("voice_addon.renewal_reminder"); got != 1 {
		t.Fatalf("expected one reminder, got %d", got)
	}
}

func TestDeletionWarnings_SentOncePerDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	ctx := context.Background()
	now := time.Now().UTC()
	enableAt(t, env, "store-1", now.AddDate(0, 0, -28))
	env.enterGrace(t, "store-1", now.AddDate(0, 0, 2))
	jobs := newTestJobs(env)

	jobs.DeletionWarnings(ctx, now)
	jobs.DeletionWarnings(ctx, now)

	if got := env.publisher.count("voice_addon.deletion_warning"); got != 1 {
		t.Fatalf("expected one deletion warning, got %d", got)
	}
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestRunSweep_SkipsWhenLockHeld(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobs(env.service, heldLock{}, logger, 2)

	result, err := jobs.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep returned error: %v", err)
	}
	if result.Locked || len(result.Passes) != 0 {
		t.Fatalf("expected sweep to be skipped, got %+v", result)
	}
}

func TestRunSweep_RunsAllPasses(t *testing.T) {
	env := newTestEnv(t)
	result, err := newTestJobs(env).RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep returned error: %v", err)
	}
	if !result.Locked || len(result.Passes) != 4 {
		t.Fatalf("expected four passes, got %+v", result)
	}
	want := []string{PassExpireToGrace, PassGraceToDeleted, PassRenewalReminder, PassDeletionWarning}
	for i, pass := range result.Passes {
		if pass.Pass != want[i] {
			t.Fatalf("expected pass %d to be %s, got %s", i, want[i], pass.Pass)
		}
	}
}
