package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRecordCallEnded_RoundsUpAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	ctx := context.Background()
	sub, _ := env.service.Enable(ctx, "store-1")

	event := CallEnded{CallID: "call-1", PhoneBindingID: *sub.ExternalPhoneBindingID, DurationSeconds: 61}
	first, err := env.service.RecordCallEnded(ctx, event)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Minutes != 2 || first.Duplicate {
		t.Fatalf("expected 2 new minutes, got %+v", first)
	}

	second, err := env.service.RecordCallEnded(ctx, event)
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate delivery to be flagged")
	}

	got, _ := env.repo.GetSubscription(ctx, "store-1")
	if got.UsedMinutes != 2 {
		t.Fatalf("expected 2 used minutes after duplicate delivery, got %d", got.UsedMinutes)
	}
}

func TestRecordCallEnded_ConcurrentCallsAreAllCounted(t *testing.T) {
	env := newTestEnv(t)
	env.addNumbers(t, "+15550000001")
	ctx := context.Background()
	env.service.Enable(ctx, "store-1")

	const calls = 40
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.service.RecordCallEnded(ctx, CallEnded{CallID: fmt.Sprintf("call-%d", i), StoreID: "store-1", DurationSeconds: 30}); err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := env.repo.GetSubscription(ctx, "store-1")
	if got.UsedMinutes != calls {
		t.Fatalf("expected %d used minutes, got %d", calls, got.UsedMinutes)
	}
}

func TestRecordCallEnded_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.RecordCallEnded(ctx, CallEnded{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := env.service.RecordCallEnded(ctx, CallEnded{CallID: "call-1", PhoneNumber: "+19999999999"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown line, got %v", err)
	}
}
