package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testEvents(types ...string) []EventData {
	var out []EventData
	for _, t := range types {
		out = append(out, EventData{Type: t, Data: json.RawMessage(`{}`)})
	}
	return out
}

func TestAppendAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	res, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "acc-1", ExpectedVersion: 0,
		Events: testEvents("acc.account.created", "acc.account.renamed"),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res.NewVersion != 2 {
		t.Fatalf("new version = %d, want 2", res.NewVersion)
	}

	res, err = store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "acc-1", ExpectedVersion: 2,
		Events: testEvents("acc.account.closed"),
	})
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if res.NewVersion != 3 {
		t.Fatalf("new version = %d, want 3", res.NewVersion)
	}

	events, err := store.Events(ctx, "t1", "acc-1", 0)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Version != int64(i)+1 {
			t.Errorf("event %d has version %d, want %d", i, e.Version, i+1)
		}
	}
}

func TestAppendVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "inv-1", ExpectedVersion: 0,
		Events: testEvents("inv.item.received"),
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	_, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "inv-1", ExpectedVersion: 0,
		Events: testEvents("inv.item.received"),
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want ErrConcurrencyConflict", err)
	}

	version, err := store.CurrentVersion(ctx, "t1", "inv-1")
	if err != nil {
		t.Fatalf("current version failed: %v", err)
	}
	if version != 1 {
		t.Fatalf("stream changed by failed append: version = %d, want 1", version)
	}
}

func TestAppendIdempotencyKeyDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	req := AppendRequest{
		TenantID: "t1", StreamID: "acc-2", ExpectedVersion: 0,
		IdempotencyKey: "cmd-123",
		Events:         testEvents("acc.journal.posted"),
	}
	first, err := store.Append(ctx, req)
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if first.Deduplicated {
		t.Fatal("first append reported deduplicated")
	}

	second, err := store.Append(ctx, req)
	if err != nil {
		t.Fatalf("replayed append failed: %v", err)
	}
	if !second.Deduplicated {
		t.Fatal("replayed append not reported deduplicated")
	}
	if second.NewVersion != 1 {
		t.Fatalf("replayed append version = %d, want 1", second.NewVersion)
	}

	events, err := store.Events(ctx, "t1", "acc-2", 0)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after replayed append, want 1", len(events))
	}
}

func TestEventsFromVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "acc-3", ExpectedVersion: 0,
		Events: testEvents("acc.a", "acc.b", "acc.c"),
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := store.Events(ctx, "t1", "acc-3", 2)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Version != 2 || events[1].Version != 3 {
		t.Fatalf("got versions %d,%d, want 2,3", events[0].Version, events[1].Version)
	}
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cases := []struct {
		name string
		req  AppendRequest
	}{
		{"missing tenant", AppendRequest{StreamID: "s", Events: testEvents("x")}},
		{"missing stream", AppendRequest{TenantID: "t", Events: testEvents("x")}},
		{"no events", AppendRequest{TenantID: "t", StreamID: "s"}},
		{"negative expected version", AppendRequest{TenantID: "t", StreamID: "s", ExpectedVersion: -1, Events: testEvents("x")}},
		{"untyped event", AppendRequest{TenantID: "t", StreamID: "s", Events: []EventData{{}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Append(ctx, tc.req); err == nil {
				t.Fatal("append accepted invalid request")
			}
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, tenant := range []string{"t1", "t2"} {
		if _, err := store.Append(ctx, AppendRequest{
			TenantID: tenant, StreamID: "shared-id", ExpectedVersion: 0,
			Events: testEvents("acc.x"),
		}); err != nil {
			t.Fatalf("append for %s failed: %v", tenant, err)
		}
	}

	for _, tenant := range []string{"t1", "t2"} {
		version, err := store.CurrentVersion(ctx, tenant, "shared-id")
		if err != nil {
			t.Fatalf("current version for %s failed: %v", tenant, err)
		}
		if version != 1 {
			t.Fatalf("tenant %s version = %d, want 1", tenant, version)
		}
	}
}

func TestReadPagePagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "acc-1", ExpectedVersion: 0,
		Events: testEvents("acc.a", "acc.b", "acc.c"),
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "inv-1", ExpectedVersion: 0,
		Events: testEvents("inv.a", "inv.b"),
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	filter := Filter{To: time.Now().Add(time.Minute)}
	var (
		cursor Cursor
		total  int
	)
	for {
		events, next, err := store.ReadPage(ctx, filter, cursor, 2)
		if err != nil {
			t.Fatalf("read page failed: %v", err)
		}
		if len(events) == 0 {
			break
		}
		total += len(events)
		cursor = next
	}
	if total != 5 {
		t.Fatalf("paged through %d events, want 5", total)
	}
}

func TestReadPageDomainFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "acc-1", ExpectedVersion: 0,
		Events: testEvents("acc.journal.posted"),
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := store.Append(ctx, AppendRequest{
		TenantID: "t1", StreamID: "inv-1", ExpectedVersion: 0,
		Events: testEvents("inv.item.received"),
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, _, err := store.ReadPage(ctx, Filter{Domain: "acc", To: time.Now().Add(time.Minute)}, Cursor{}, 10)
	if err != nil {
		t.Fatalf("read page failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events for domain acc, want 1", len(events))
	}
	if events[0].Type != "acc.journal.posted" {
		t.Fatalf("got event type %s, want acc.journal.posted", events[0].Type)
	}

	count, streams, err := store.Count(ctx, Filter{Domain: "inv", To: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 || streams != 1 {
		t.Fatalf("count = %d/%d streams, want 1/1", count, streams)
	}
}

func TestDomainOfEventType(t *testing.T) {
	cases := map[string]string{
		"acc.journal.posted": "acc",
		"inv.item.received":  "inv",
		"audit.logged":       "audit",
		"plain":              "plain",
	}
	for in, want := range cases {
		if got := Domain(in); got != want {
			t.Errorf("Domain(%q) = %q, want %q", in, got, want)
		}
	}
}
