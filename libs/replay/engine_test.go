package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/eventstore"
	"github.com/tallyops/eventcore/libs/outbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendEvents(t *testing.T, store eventstore.Store, tenant, stream string, from int64, types ...string) {
	t.Helper()
	var events []eventstore.EventData
	for _, typ := range types {
		events = append(events, eventstore.EventData{Type: typ, Data: json.RawMessage(`{}`)})
	}
	if _, err := store.Append(context.Background(), eventstore.AppendRequest{
		TenantID: tenant, StreamID: stream, ExpectedVersion: from, Events: events,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

type capture struct {
	eventType string
	events    []eventstore.Event
	failOn    func(eventstore.Event) bool
}

func (c *capture) EventType() string { return c.eventType }

func (c *capture) Handle(_ context.Context, evt eventstore.Event) error {
	if c.failOn != nil && c.failOn(evt) {
		return errors.New("handler rejected event")
	}
	c.events = append(c.events, evt)
	return nil
}

func newEngine(store eventstore.Store) (*Engine, *checkpoint.Manager, *Registry) {
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), time.Minute)
	reg := NewRegistry()
	return NewEngine(store, mgr, reg, testLogger()), mgr, reg
}

func TestReplayInvokesHandlersInOrder(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.journal.posted", "acc.journal.posted", "acc.journal.posted")

	engine, _, reg := newEngine(store)
	h := &capture{eventType: "acc.journal.posted"}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{TenantID: "t1", StreamID: "acc-1"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.EventsRead != 3 || report.EventsHandled != 3 {
		t.Fatalf("report = %+v, want 3 read / 3 handled", report)
	}
	if len(h.events) != 3 {
		t.Fatalf("handler saw %d events, want 3", len(h.events))
	}
	for i, evt := range h.events {
		if evt.Version != int64(i)+1 {
			t.Fatalf("event %d has version %d, want %d", i, evt.Version, i+1)
		}
	}
}

func TestReplayWildcardHandler(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.a")
	appendEvents(t, store, "t1", "inv-1", 0, "inv.b")

	engine, _, reg := newEngine(store)
	h := &capture{eventType: WildcardType}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Streams != 2 || len(h.events) != 2 {
		t.Fatalf("report = %+v, handler saw %d", report, len(h.events))
	}
}

func TestReplayDomainFilter(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.journal.posted")
	appendEvents(t, store, "t1", "inv-1", 0, "inv.item.received")

	engine, _, reg := newEngine(store)
	h := &capture{eventType: WildcardType}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{Domain: "acc"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.EventsRead != 1 || len(h.events) != 1 || h.events[0].Type != "acc.journal.posted" {
		t.Fatalf("domain filter leaked: report = %+v", report)
	}
}

func TestReplayDryRunReportsScopeWithoutHandling(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.a", "acc.b")
	appendEvents(t, store, "t1", "inv-1", 0, "inv.a")

	engine, mgr, reg := newEngine(store)
	h := &capture{eventType: WildcardType}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{Projector: "ledger", DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !report.DryRun || report.EventsRead != 3 || report.Streams != 2 {
		t.Fatalf("report = %+v, want dry-run 3 events / 2 streams", report)
	}
	if len(h.events) != 0 {
		t.Fatal("dry run invoked handlers")
	}
	if _, found, _ := mgr.GetStatus(ctx, "ledger"); found {
		t.Fatal("dry run touched projection status")
	}
}

func TestReplayProjectorLifecycle(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.journal.posted")

	engine, mgr, reg := newEngine(store)
	h := &capture{eventType: "acc.journal.posted"}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{StreamID: "acc-1", Projector: "ledger"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.EventsHandled != 1 {
		t.Fatalf("handled = %d, want 1", report.EventsHandled)
	}

	st, found, err := mgr.GetStatus(ctx, "ledger")
	if err != nil || !found {
		t.Fatalf("status lookup: found=%v err=%v", found, err)
	}
	if st.Status != checkpoint.StatusStopped {
		t.Fatalf("status = %s, want stopped", st.Status)
	}
	if st.ProcessedCount != 1 {
		t.Fatalf("processed count = %d, want 1", st.ProcessedCount)
	}

	cp, found, err := mgr.Get(ctx, "ledger", "acc-1", 0)
	if err != nil || !found {
		t.Fatalf("checkpoint lookup: found=%v err=%v", found, err)
	}
	if cp.Offset != 1 {
		t.Fatalf("checkpoint offset = %d, want 1", cp.Offset)
	}
}

func TestReplayStoppedWithErrorOnFailure(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.a", "acc.b")

	engine, mgr, reg := newEngine(store)
	h := &capture{eventType: WildcardType, failOn: func(evt eventstore.Event) bool { return evt.Version == 2 }}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{StreamID: "acc-1", Projector: "ledger"})
	if err == nil {
		t.Fatal("run with failing handler returned nil error")
	}
	if report.HandlerErrors != 1 {
		t.Fatalf("handler errors = %d, want 1", report.HandlerErrors)
	}

	st, _, _ := mgr.GetStatus(ctx, "ledger")
	if st.Status != checkpoint.StatusStopped {
		t.Fatalf("status after failure = %s, want stopped", st.Status)
	}
	if st.LastError == "" {
		t.Fatal("last error not recorded")
	}
	if st.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", st.ErrorCount)
	}
}

func TestReplayIsolatesStreamFailures(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-bad", 0, "acc.a", "acc.b")
	appendEvents(t, store, "t1", "acc-good", 0, "acc.a", "acc.b")

	engine, _, reg := newEngine(store)
	h := &capture{eventType: WildcardType, failOn: func(evt eventstore.Event) bool { return evt.StreamID == "acc-bad" }}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{TenantID: "t1"})
	if err == nil {
		t.Fatal("run with failing stream returned nil error")
	}
	if len(report.FailedStreams) != 1 || report.FailedStreams[0] != "acc-bad" {
		t.Fatalf("failed streams = %v, want [acc-bad]", report.FailedStreams)
	}
	// The healthy stream was fully replayed despite the failure.
	if report.EventsHandled != 2 {
		t.Fatalf("handled = %d, want 2", report.EventsHandled)
	}
	for _, evt := range h.events {
		if evt.StreamID != "acc-good" {
			t.Fatalf("handler saw event from failed stream %s", evt.StreamID)
		}
	}
}

func TestReplayResumeSkipsCheckpointedEvents(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.a", "acc.b", "acc.c")

	engine, mgr, reg := newEngine(store)
	h := &capture{eventType: WildcardType}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// A previous run got through version 2.
	if err := mgr.Save(ctx, checkpoint.Checkpoint{Projector: "ledger", Topic: "acc-1", Partition: 0, Offset: 2}); err != nil {
		t.Fatalf("seed checkpoint failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{StreamID: "acc-1", Projector: "ledger", Resume: true})
	if err != nil {
		t.Fatalf("resume run failed: %v", err)
	}
	if report.EventsHandled != 1 || len(h.events) != 1 || h.events[0].Version != 3 {
		t.Fatalf("resume replayed wrong events: report = %+v", report)
	}

	cp, _, _ := mgr.Get(ctx, "ledger", "acc-1", 0)
	if cp.Offset != 3 {
		t.Fatalf("checkpoint offset after resume = %d, want 3", cp.Offset)
	}
}

func TestReplayResumeAfterResetStartsFromBeginning(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.a", "acc.b")

	engine, mgr, reg := newEngine(store)
	h := &capture{eventType: WildcardType}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := mgr.Save(ctx, checkpoint.Checkpoint{Projector: "ledger", Topic: "acc-1", Partition: 0, Offset: 2}); err != nil {
		t.Fatalf("seed checkpoint failed: %v", err)
	}
	if err := mgr.Reset(ctx, "ledger", "acc-1", 0); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	report, err := engine.Run(ctx, Options{StreamID: "acc-1", Projector: "ledger", Resume: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.EventsHandled != 2 {
		t.Fatalf("handled = %d after reset, want 2", report.EventsHandled)
	}
}

func TestReplayTimeRangeBounds(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	appendEvents(t, store, "t1", "acc-1", 0, "acc.a")

	engine, _, reg := newEngine(store)
	h := &capture{eventType: WildcardType}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// A window entirely in the past selects nothing.
	report, err := engine.Run(ctx, Options{
		From: time.Now().Add(-2 * time.Hour),
		To:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.EventsRead != 0 {
		t.Fatalf("past window read %d events, want 0", report.EventsRead)
	}

	if _, err := engine.Run(ctx, Options{From: time.Now(), To: time.Now().Add(-time.Hour)}); err == nil {
		t.Fatal("inverted time range accepted")
	}
}

// The full path an event takes: appended to the journal and enqueued
// for publication, drained by one processor poll, then replayed into a
// fresh projection.
func TestAppendPublishReplayFlow(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	queue := outbox.NewMemoryStore()

	payload := json.RawMessage(`{"amount":100}`)
	if _, err := store.Append(ctx, eventstore.AppendRequest{
		TenantID: "t1", StreamID: "acc-1", ExpectedVersion: 0,
		Events: []eventstore.EventData{{Type: "acc.journal.posted", Data: payload}},
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	id, err := queue.Add(ctx, outbox.Event{
		AggregateID: "acc-1", EventType: "acc.journal.posted", EventData: payload, TenantID: "t1",
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	var published []outbox.Event
	proc := outbox.NewProcessor(queue, func(_ context.Context, evt outbox.Event) error {
		published = append(published, evt)
		return nil
	}, testLogger(), outbox.Config{})
	n, err := proc.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process batch failed: %v", err)
	}
	if n != 1 || len(published) != 1 || published[0].AggregateID != "acc-1" {
		t.Fatalf("published %d events, want the enqueued one", n)
	}
	if evt, ok := queue.Get(id); !ok || evt.Status != outbox.StatusProcessed {
		t.Fatalf("outbox row status = %s, want PROCESSED", evt.Status)
	}

	engine, mgr, reg := newEngine(store)
	h := &capture{eventType: "acc.journal.posted"}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	report, err := engine.Run(ctx, Options{
		TenantID:  "t1",
		Projector: "ledger",
		From:      time.Unix(0, 0),
		To:        time.Now().Add(time.Second),
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if report.EventsHandled != 1 || len(h.events) != 1 || h.events[0].Version != 1 {
		t.Fatalf("replay handled %d events, report %+v", len(h.events), report)
	}

	st, found, err := mgr.GetStatus(ctx, "ledger")
	if err != nil || !found {
		t.Fatalf("status lookup: found=%v err=%v", found, err)
	}
	if st.Status != checkpoint.StatusStopped {
		t.Fatalf("status = %s, want stopped", st.Status)
	}
	if st.ProcessedCount != 1 {
		t.Fatalf("processed count = %d, want 1", st.ProcessedCount)
	}
}

func TestReplayResumeRequiresProjector(t *testing.T) {
	store := eventstore.NewMemoryStore()
	engine, _, _ := newEngine(store)
	if _, err := engine.Run(context.Background(), Options{Resume: true}); err == nil {
		t.Fatal("resume without projector accepted")
	}
}
