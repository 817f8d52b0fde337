package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enqueue(t *testing.T, store *MemoryStore, eventType string) int64 {
	t.Helper()
	id, err := store.Add(context.Background(), Event{
		AggregateID: "acc-1",
		EventType:   eventType,
		EventData:   []byte(`{}`),
		TenantID:    "t1",
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	return id
}

func TestProcessBatchPublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := enqueue(t, store, "acc.journal.posted")

	var published []Event
	proc := NewProcessor(store, func(_ context.Context, evt Event) error {
		published = append(published, evt)
		return nil
	}, testLogger(), Config{})

	n, err := proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch failed: %v", err)
	}
	if n != 1 || len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}

	evt, ok := store.Get(id)
	if !ok {
		t.Fatal("event vanished")
	}
	if evt.Status != StatusProcessed {
		t.Fatalf("status = %s, want PROCESSED", evt.Status)
	}
	if evt.ProcessedAt == nil {
		t.Fatal("processed_at not set")
	}

	// A later poll must not pick it up again.
	n, err = proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if n != 0 || len(published) != 1 {
		t.Fatalf("processed event re-published (%d total)", len(published))
	}
}

func TestProcessBatchDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := enqueue(t, store, "inv.item.received")

	maxRetries := 3
	calls := 0
	proc := NewProcessor(store, func(context.Context, Event) error {
		calls++
		return errors.New("broker down")
	}, testLogger(), Config{MaxRetries: maxRetries})

	for i := 0; i < maxRetries; i++ {
		if _, err := proc.ProcessBatch(ctx); err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}
	}
	if calls != maxRetries {
		t.Fatalf("publish attempted %d times, want %d", calls, maxRetries)
	}

	evt, _ := store.Get(id)
	if evt.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", evt.Status)
	}
	if evt.RetryCount != maxRetries {
		t.Fatalf("retry count = %d, want %d", evt.RetryCount, maxRetries)
	}
	if evt.ErrorMessage != "broker down" {
		t.Fatalf("error message = %q", evt.ErrorMessage)
	}

	// Dead-lettered: excluded from further polling.
	if _, err := proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("post-dead-letter batch failed: %v", err)
	}
	if calls != maxRetries {
		t.Fatalf("dead-lettered event still polled (%d calls)", calls)
	}
}

func TestProcessBatchContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	bad := enqueue(t, store, "acc.bad")
	good := enqueue(t, store, "acc.good")

	proc := NewProcessor(store, func(_ context.Context, evt Event) error {
		if evt.ID == bad {
			return errors.New("poison payload")
		}
		return nil
	}, testLogger(), Config{})

	n, err := proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("published %d, want 1", n)
	}

	if evt, _ := store.Get(good); evt.Status != StatusProcessed {
		t.Fatalf("good event status = %s, want PROCESSED", evt.Status)
	}
	if evt, _ := store.Get(bad); evt.Status != StatusFailed || evt.RetryCount != 1 {
		t.Fatalf("bad event status = %s retries = %d, want FAILED/1", evt.Status, evt.RetryCount)
	}
}

func TestClaimReclaimsStaleProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := enqueue(t, store, "acc.x")

	// First claim marks PROCESSING; simulate the claimer dying by
	// backdating the claim.
	if _, err := store.Claim(ctx, 10, 5, time.Minute); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	store.mu.Lock()
	stale := time.Now().UTC().Add(-2 * time.Minute)
	store.events[id].ClaimedAt = &stale
	store.mu.Unlock()

	events, err := store.Claim(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != id {
		t.Fatalf("stale PROCESSING row not reclaimed (got %d rows)", len(events))
	}

	// A fresh claim must stay invisible.
	events, err = store.Claim(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("third claim failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("freshly claimed row visible to another claimer")
	}
}

func TestClaimOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if _, err := store.Add(ctx, Event{
			AggregateID: "a", EventType: "acc.x", EventData: []byte(`{}`), TenantID: "t1",
			CreatedAt: base.Add(time.Duration(2-i) * time.Second),
		}); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	events, err := store.Claim(ctx, 10, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt.Before(events[i-1].CreatedAt) {
			t.Fatalf("claim out of created_at order: %v before %v", events[i].CreatedAt, events[i-1].CreatedAt)
		}
	}
}

func TestSortByCreationRestoresBatchOrder(t *testing.T) {
	base := time.Now().UTC()
	events := []Event{
		{ID: 3, CreatedAt: base.Add(2 * time.Second)},
		{ID: 2, CreatedAt: base},
		{ID: 1, CreatedAt: base},
		{ID: 4, CreatedAt: base.Add(time.Second)},
	}
	sortByCreation(events)

	wantIDs := []int64{1, 2, 4, 3}
	for i, want := range wantIDs {
		if events[i].ID != want {
			t.Fatalf("position %d has id %d, want %d", i, events[i].ID, want)
		}
	}
}

func TestRequeueDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := enqueue(t, store, "acc.x")

	if err := store.Requeue(ctx, id); !errors.Is(err, ErrNotRequeueable) {
		t.Fatalf("requeue of PENDING row: err = %v, want ErrNotRequeueable", err)
	}

	proc := NewProcessor(store, func(context.Context, Event) error {
		return errors.New("down")
	}, testLogger(), Config{MaxRetries: 1})
	if _, err := proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if err := store.Requeue(ctx, id); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	evt, _ := store.Get(id)
	if evt.Status != StatusPending || evt.RetryCount != 0 || evt.ErrorMessage != "" {
		t.Fatalf("requeued row not reset: %+v", evt)
	}
}

func TestCleanupProcessed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := enqueue(t, store, "acc.x")

	proc := NewProcessor(store, func(context.Context, Event) error { return nil }, testLogger(), Config{})
	if _, err := proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	store.mu.Lock()
	old := time.Now().UTC().Add(-48 * time.Hour)
	store.events[id].ProcessedAt = &old
	store.mu.Unlock()

	deleted, err := store.CleanupProcessed(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d rows, want 1", deleted)
	}
	if _, ok := store.Get(id); ok {
		t.Fatal("processed row survived cleanup")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	enqueue(t, store, "acc.x")
	enqueue(t, store, "acc.y")

	proc := NewProcessor(store, func(_ context.Context, evt Event) error {
		if evt.EventType == "acc.y" {
			return errors.New("down")
		}
		return nil
	}, testLogger(), Config{})
	if _, err := proc.ProcessBatch(ctx); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	enqueue(t, store, "acc.z")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[StatusProcessed] != 1 || stats.ByStatus[StatusFailed] != 1 || stats.ByStatus[StatusPending] != 1 {
		t.Fatalf("by status = %v", stats.ByStatus)
	}
	if stats.OldestPendingAge <= 0 {
		t.Fatalf("oldest pending age = %v, want > 0", stats.OldestPendingAge)
	}
}
