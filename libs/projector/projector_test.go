package projector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/eventstore"
	"github.com/tallyops/eventcore/libs/replay"
)

// fakeSource feeds a fixed message slice and cancels the run once
// drained, standing in for a partition reader.
type fakeSource struct {
	messages []kafka.Message
	offset   int64
	pos      int
	cancel   context.CancelFunc
	closed   bool
}

func (s *fakeSource) ReadMessage(ctx context.Context) (kafka.Message, error) {
	for s.pos < len(s.messages) {
		msg := s.messages[s.pos]
		s.pos++
		if s.offset != kafka.FirstOffset && msg.Offset < s.offset {
			continue
		}
		return msg, nil
	}
	s.cancel()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) SetOffset(offset int64) error {
	s.offset = offset
	return nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

func message(offset int64, eventType, streamID string) kafka.Message {
	return kafka.Message{
		Topic:  eventType,
		Offset: offset,
		Key:    []byte(streamID),
		Value:  []byte(`{}`),
		Time:   time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "tenant_id", Value: []byte("t1")},
		},
	}
}

type capture struct {
	events []eventstore.Event
	fail   bool
}

func (c *capture) EventType() string { return replay.WildcardType }

func (c *capture) Handle(_ context.Context, evt eventstore.Event) error {
	if c.fail {
		return errors.New("projection write failed")
	}
	c.events = append(c.events, evt)
	return nil
}

func newWorker(t *testing.T, cfg Config, source Source, h replay.Handler) (*Worker, *checkpoint.Manager) {
	t.Helper()
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), time.Minute)
	reg := replay.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(cfg, source, mgr, reg, log), mgr
}

func TestWorkerConsumesAndCheckpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{
		cancel: cancel,
		messages: []kafka.Message{
			message(0, "acc.journal.posted", "acc-1"),
			message(1, "acc.journal.posted", "acc-1"),
			message(2, "acc.journal.posted", "acc-2"),
		},
	}
	h := &capture{}
	worker, mgr := newWorker(t, Config{Name: "ledger", Topic: "acc.journal.posted", CheckpointInterval: 2}, source, h)

	if err := worker.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(h.events) != 3 {
		t.Fatalf("handler saw %d events, want 3", len(h.events))
	}
	if h.events[0].TenantID != "t1" || h.events[0].StreamID != "acc-1" {
		t.Fatalf("event metadata not extracted: %+v", h.events[0])
	}
	if !source.closed {
		t.Fatal("source not closed")
	}

	cp, found, err := mgr.Get(context.Background(), "ledger", "acc.journal.posted", 0)
	if err != nil || !found {
		t.Fatalf("checkpoint lookup: found=%v err=%v", found, err)
	}
	if cp.Offset != 2 {
		t.Fatalf("checkpoint offset = %d, want 2", cp.Offset)
	}

	st, _, _ := mgr.GetStatus(context.Background(), "ledger")
	if st.Status != checkpoint.StatusStopped {
		t.Fatalf("status after shutdown = %s, want stopped", st.Status)
	}
	if st.ProcessedCount != 3 {
		t.Fatalf("processed count = %d, want 3", st.ProcessedCount)
	}
}

func TestWorkerResumesPastCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgrSeed := func(mgr *checkpoint.Manager) {
		if err := mgr.Save(context.Background(), checkpoint.Checkpoint{
			Projector: "ledger", Topic: "acc.journal.posted", Partition: 0, Offset: 1,
		}); err != nil {
			t.Fatalf("seed checkpoint failed: %v", err)
		}
	}

	source := &fakeSource{
		cancel: cancel,
		messages: []kafka.Message{
			message(0, "acc.journal.posted", "acc-1"),
			message(1, "acc.journal.posted", "acc-1"),
			message(2, "acc.journal.posted", "acc-1"),
		},
	}
	h := &capture{}
	worker, mgr := newWorker(t, Config{Name: "ledger", Topic: "acc.journal.posted"}, source, h)
	mgrSeed(mgr)

	if err := worker.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(h.events) != 1 {
		t.Fatalf("handler saw %d events, want only the one past the checkpoint", len(h.events))
	}
	if source.offset != 2 {
		t.Fatalf("source positioned at %d, want 2", source.offset)
	}
}

func TestWorkerCountsHandlerFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &fakeSource{
		cancel:   cancel,
		messages: []kafka.Message{message(0, "acc.journal.posted", "acc-1")},
	}
	h := &capture{fail: true}
	worker, mgr := newWorker(t, Config{Name: "ledger", Topic: "acc.journal.posted"}, source, h)

	if err := worker.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, _, _ := mgr.GetStatus(context.Background(), "ledger")
	if st.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", st.ErrorCount)
	}
	if st.ProcessedCount != 0 {
		t.Fatalf("processed count = %d, want 0: failed messages are not processed", st.ProcessedCount)
	}
	// The poison message still advances the checkpoint; it is not
	// redelivered forever.
	cp, found, _ := mgr.Get(context.Background(), "ledger", "acc.journal.posted", 0)
	if !found || cp.Offset != 0 {
		t.Fatalf("checkpoint = %+v found=%v, want offset 0", cp, found)
	}
}
