package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storefront/voice-addon-service/internal/domain"
)

func seedSubscription(t *testing.T, repo *MemoryRepository, storeID string, status domain.Status, expiry time.Time) {
	t.Helper()
	phone := "+15550000000"
	sub := &domain.Subscription{
		StoreID:     storeID,
		Enabled:     true,
		Status:      status,
		PhoneNumber: &phone,
		Plan:        domain.Plan{MonthlyFee: 2000, Currency: "USD", MinutesIncluded: 100},
		StartDate:   expiry.AddDate(0, 0, -30),
		ExpiryDate:  expiry,
	}
	if err := repo.SaveSubscription(context.Background(), sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func TestAllocateDID_ConcurrentCallersGetDistinctNumbers(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.AddDIDs(ctx, []string{"+15550000001", "+15550000002", "+15550000003"}); err != nil {
		t.Fatalf("add dids: %v", err)
	}

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		allocated = map[string]string{}
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			storeID := fmt.Sprintf("store-%d", i)
			did, err := repo.AllocateDID(ctx, storeID)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNoDIDAvailable) {
				exhausted++
				return
			}
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			if other, dup := allocated[did.ID]; dup {
				t.Errorf("did %s allocated to both %s and %s", did.ID, other, storeID)
			}
			allocated[did.ID] = storeID
		}(i)
	}
	wg.Wait()

	if len(allocated) != 3 {
		t.Fatalf("expected 3 allocations, got %d", len(allocated))
	}
	if exhausted != callers-3 {
		t.Fatalf("expected %d exhausted callers, got %d", callers-3, exhausted)
	}

	stats, _ := repo.PoolStats(ctx)
	if stats.Assigned != 3 || stats.Available != 0 {
		t.Fatalf("unexpected pool stats: %+v", stats)
	}
}

func TestReleaseDID_IsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.AddDIDs(ctx, []string{"+15550000001"})

	did, err := repo.AllocateDID(ctx, "store-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := repo.ReleaseDID(ctx, did.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := repo.ReleaseDID(ctx, did.ID); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}

	again, err := repo.AllocateDID(ctx, "store-2")
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if again.ID != did.ID {
		t.Fatalf("expected released did to be reusable")
	}
	if err := repo.ReleaseDID(ctx, "missing"); !errors.Is(err, ErrDIDNotFound) {
		t.Fatalf("expected ErrDIDNotFound, got %v", err)
	}
}

func TestRecordCall_ConcurrentIncrementsAreNotLost(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedSubscription(t, repo, "store-1", domain.StatusActive, time.Now().Add(24*time.Hour))

	const calls = 50
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.RecordCall(ctx, domain.CallLog{StoreID: "store-1", CallID: fmt.Sprintf("call-%d", i)}, 2)
			if err != nil {
				t.Errorf("record call: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sub, _ := repo.GetSubscription(ctx, "store-1")
	if sub.UsedMinutes != calls*2 {
		t.Fatalf("expected %d used minutes, got %d", calls*2, sub.UsedMinutes)
	}
}

func TestRecordCall_DuplicateCallIDIsNoOp(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedSubscription(t, repo, "store-1", domain.StatusActive, time.Now().Add(24*time.Hour))

	call := domain.CallLog{StoreID: "store-1", CallID: "call-1", DurationSeconds: 61}
	first, err := repo.RecordCall(ctx, call, 2)
	if err != nil || !first {
		t.Fatalf("expected first delivery to be recorded, got %v %v", first, err)
	}
	second, err := repo.RecordCall(ctx, call, 2)
	if err != nil || second {
		t.Fatalf("expected duplicate delivery to be ignored, got %v %v", second, err)
	}

	sub, _ := repo.GetSubscription(ctx, "store-1")
	if sub.UsedMinutes != 2 {
		t.Fatalf("expected 2 used minutes, got %d", sub.UsedMinutes)
	}
}

func TestRenewSubscription_PaymentReferenceIsSingleUse(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedSubscription(t, repo, "store-1", domain.StatusGracePeriod, now.Add(-time.Hour))

	renewal := domain.Renewal{ExpiryDate: now.AddDate(0, 0, 30), RenewalCount: 1, LastRenewalDate: now}
	sub, err := repo.RenewSubscription(ctx, "store-1", "pay-1", domain.PaymentUsageVoiceAddonRenewal, renewal)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if sub.Status != domain.StatusActive || sub.GracePeriodEndsAt != nil || sub.UsedMinutes != 0 {
		t.Fatalf("unexpected renewed record: %+v", sub)
	}

	if _, err := repo.RenewSubscription(ctx, "store-1", "pay-1", domain.PaymentUsageVoiceAddonRenewal, renewal); !errors.Is(err, ErrPaymentAlreadyUsed) {
		t.Fatalf("expected ErrPaymentAlreadyUsed, got %v", err)
	}
}

func TestRenewSubscription_RejectsExpiredRecord(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedSubscription(t, repo, "store-1", domain.StatusActive, now)
	if err := repo.MarkExpired(ctx, "store-1", now); err != nil {
		t.Fatalf("mark expired: %v", err)
	}

	_, err := repo.RenewSubscription(ctx, "store-1", "pay-1", domain.PaymentUsageVoiceAddonRenewal, domain.Renewal{})
	if !errors.Is(err, ErrNotRenewable) {
		t.Fatalf("expected ErrNotRenewable, got %v", err)
	}
}

func TestMarkGracePeriod_OnlyTransitionsOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedSubscription(t, repo, "store-1", domain.StatusActive, now.Add(-time.Minute))

	first, err := repo.MarkGracePeriod(ctx, "store-1", now, now.AddDate(0, 0, 30))
	if err != nil || !first {
		t.Fatalf("expected first transition, got %v %v", first, err)
	}
	second, err := repo.MarkGracePeriod(ctx, "store-1", now, now.AddDate(0, 0, 30))
	if err != nil || second {
		t.Fatalf("expected second transition to be skipped, got %v %v", second, err)
	}
}

func TestMarkGracePeriod_SkipsRecordNotYetExpired(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedSubscription(t, repo, "store-1", domain.StatusActive, now.AddDate(0, 0, 30))

	moved, err := repo.MarkGracePeriod(ctx, "store-1", now, now.AddDate(0, 0, 29))
	if err != nil || moved {
		t.Fatalf("expected renewed record to stay active, got %v %v", moved, err)
	}
	sub, _ := repo.GetSubscription(ctx, "store-1")
	if sub.Status != domain.StatusActive || sub.GracePeriodEndsAt != nil {
		t.Fatalf("expected untouched record, got %+v", sub)
	}
}

func TestBeginDeletion_OnlyClaimsElapsedGrace(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	seedSubscription(t, repo, "active", domain.StatusActive, now.Add(-time.Hour))
	seedSubscription(t, repo, "due", domain.StatusActive, now.AddDate(0, 0, -31))
	seedSubscription(t, repo, "waiting", domain.StatusActive, now.AddDate(0, 0, -1))
	repo.MarkGracePeriod(ctx, "due", now, now.Add(-time.Hour))
	repo.MarkGracePeriod(ctx, "waiting", now, now.AddDate(0, 0, 29))

	tests := []struct {
		storeID string
		want    bool
	}{
		{storeID: "active", want: false},
		{storeID: "waiting", want: false},
		{storeID: "due", want: true},
		{storeID: "missing", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.storeID, func(t *testing.T) {
			got, err := repo.BeginDeletion(ctx, tt.storeID, now)
			if err != nil || got != tt.want {
				t.Fatalf("expected %v, got %v %v", tt.want, got, err)
			}
		})
	}

	sub, _ := repo.GetSubscription(ctx, "due")
	if sub.Enabled {
		t.Fatalf("expected claimed record to be disabled")
	}
	if _, err := repo.RenewSubscription(ctx, "due", "pay-1", domain.PaymentUsageVoiceAddonRenewal, domain.Renewal{}); !errors.Is(err, ErrNotRenewable) {
		t.Fatalf("expected claimed record to refuse renewal, got %v", err)
	}
	if err := repo.SaveSubscription(ctx, &domain.Subscription{StoreID: "due", Enabled: true, Status: domain.StatusActive}); !errors.Is(err, ErrSubscriptionActive) {
		t.Fatalf("expected claimed record to refuse replacement, got %v", err)
	}
	again, err := repo.BeginDeletion(ctx, "due", now)
	if err != nil || !again {
		t.Fatalf("expected an unfinished claim to be claimable again, got %v %v", again, err)
	}
}

func TestSaveSubscription_RejectsLiveRecord(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now().UTC()
	seedSubscription(t, repo, "store-1", domain.StatusActive, now.Add(time.Hour))

	err := repo.SaveSubscription(context.Background(), &domain.Subscription{StoreID: "store-1", Enabled: true, Status: domain.StatusActive})
	if !errors.Is(err, ErrSubscriptionActive) {
		t.Fatalf("expected ErrSubscriptionActive, got %v", err)
	}
}

func TestArchiveCallLogs_MovesEverything(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedSubscription(t, repo, "store-1", domain.StatusGracePeriod, time.Now())

	for i := 0; i < 250; i++ {
		repo.RecordCall(ctx, domain.CallLog{StoreID: "store-1", CallID: fmt.Sprintf("call-%d", i)}, 0)
	}

	moved, err := repo.ArchiveCallLogs(ctx, "store-1", 100)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 250 {
		t.Fatalf("expected 250 moved, got %d", moved)
	}
	live, _ := repo.ListCallLogs(ctx, "store-1", domain.CallLogListOptions{Limit: 10})
	if len(live) != 0 {
		t.Fatalf("expected no live logs, got %d", len(live))
	}
	if got := len(repo.ArchivedCallLogs("store-1")); got != 250 {
		t.Fatalf("expected 250 archived logs, got %d", got)
	}
}

func TestRecordCall_ArchivedCallIDIsNoOp(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedSubscription(t, repo, "store-1", domain.StatusActive, time.Now().Add(time.Hour))
	call := domain.CallLog{StoreID: "store-1", CallID: "call-1", DurationSeconds: 90}

	if _, err := repo.RecordCall(ctx, call, 2); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := repo.ArchiveCallLogs(ctx, "store-1", 10); err != nil {
		t.Fatalf("archive: %v", err)
	}
	inserted, err := repo.RecordCall(ctx, call, 2)
	if err != nil || inserted {
		t.Fatalf("expected redelivery after archive to be a no-op, got %v %v", inserted, err)
	}
	sub, _ := repo.GetSubscription(ctx, "store-1")
	if sub.UsedMinutes != 2 {
		t.Fatalf("expected minutes charged once, got %d", sub.UsedMinutes)
	}
	if live, _ := repo.ListCallLogs(ctx, "store-1", domain.CallLogListOptions{}); len(live) != 0 {
		t.Fatalf("expected no live logs, got %+v", live)
	}
}

func TestListWindows(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

	seedSubscription(t, repo, "expired", domain.StatusActive, now.Add(-time.Hour))
	seedSubscription(t, repo, "soon", domain.StatusActive, now.AddDate(0, 0, 5))
	seedSubscription(t, repo, "later", domain.StatusActive, now.AddDate(0, 0, 20))

	expired, _ := repo.ListExpiredActive(ctx, now)
	if len(expired) != 1 || expired[0].StoreID != "expired" {
		t.Fatalf("unexpected expired list: %+v", expired)
	}
	soon, _ := repo.ListExpiringBetween(ctx, now, now.AddDate(0, 0, 7))
	if len(soon) != 1 || soon[0].StoreID != "soon" {
		t.Fatalf("unexpected expiring list: %+v", soon)
	}
}
