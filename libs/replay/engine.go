package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/eventstore"
)

type Options struct {
	TenantID string
	StreamID string
	// Domain filters on the event-type prefix; empty means all domains.
	Domain string
	From   time.Time
	To     time.Time

	// Projector names the consumer whose status and checkpoints this
	// run maintains. Empty runs without lifecycle or checkpointing.
	Projector string

	BatchSize          int
	CheckpointInterval int
	DryRun             bool
	Resume             bool
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 100
	}
	if o.From.IsZero() {
		o.From = time.Unix(0, 0).UTC()
	}
	if o.To.IsZero() {
		o.To = time.Now().UTC()
	}
	return o
}

type Report struct {
	EventsRead    int64
	EventsHandled int64
	HandlerErrors int64
	Streams       int
	FailedStreams []string
	DryRun        bool
}

// Engine reads historical events page by page and fans each one out to
// the registered handlers. Cancellation takes effect at page boundaries.
type Engine struct {
	store       eventstore.Store
	checkpoints *checkpoint.Manager
	registry    *Registry
	log         *slog.Logger
}

func NewEngine(store eventstore.Store, checkpoints *checkpoint.Manager, registry *Registry, log *slog.Logger) *Engine {
	return &Engine{store: store, checkpoints: checkpoints, registry: registry, log: log}
}

// Run replays the events selected by opts. With a projector name the
// run is bracketed by running/stopped status transitions, progress is
// checkpointed every CheckpointInterval handled events, and Resume
// skips events already covered by a saved checkpoint.
//
// A handler failure in an all-streams replay fails that stream only:
// its remaining events are skipped and the run continues, returning the
// joined per-stream errors. A single-stream replay stops at the end of
// the failing batch.
func (e *Engine) Run(ctx context.Context, opts Options) (Report, error) {
	opts = opts.withDefaults()
	if err := validate(opts); err != nil {
		return Report{}, err
	}

	filter := eventstore.Filter{
		TenantID: opts.TenantID,
		StreamID: opts.StreamID,
		Domain:   opts.Domain,
		From:     opts.From,
		To:       opts.To,
	}

	if opts.DryRun {
		events, streams, err := e.store.Count(ctx, filter)
		if err != nil {
			return Report{}, err
		}
		return Report{EventsRead: events, Streams: int(streams), DryRun: true}, nil
	}

	if opts.Projector != "" {
		if err := e.checkpoints.UpdateStatus(ctx, opts.Projector, checkpoint.StatusRunning, ""); err != nil {
			return Report{}, fmt.Errorf("start projector %s: %w", opts.Projector, err)
		}
	}

	run := &runState{engine: e, opts: opts}
	err := run.consume(ctx, filter)

	if opts.Projector != "" {
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		}
		// The projector must end up stopped even on failure; use a
		// background-derived context so cancellation does not leave it
		// stuck in running.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if stopErr := e.checkpoints.UpdateStatus(stopCtx, opts.Projector, checkpoint.StatusStopped, lastErr); stopErr != nil {
			e.log.Error("failed to stop projector", "projector", opts.Projector, "err", stopErr)
		}
	}

	return run.report(), err
}

func validate(opts Options) error {
	if opts.To.Before(opts.From) {
		return fmt.Errorf("replay: to (%s) precedes from (%s)", opts.To.Format(time.RFC3339), opts.From.Format(time.RFC3339))
	}
	if opts.Resume && opts.Projector == "" {
		return fmt.Errorf("replay: resume requires a projector name")
	}
	return nil
}

type runState struct {
	engine *Engine
	opts   Options

	read     int64
	handled  int64
	errored  int64
	streams  map[string]struct{}
	failed   map[string]error
	resumeAt map[string]int64
	// pending maps stream id to the highest handled version not yet
	// checkpointed.
	pending         map[string]int64
	sinceCheckpoint int
}

func (r *runState) consume(ctx context.Context, filter eventstore.Filter) error {
	r.streams = make(map[string]struct{})
	r.failed = make(map[string]error)
	r.resumeAt = make(map[string]int64)
	r.pending = make(map[string]int64)

	var cursor eventstore.Cursor
	for {
		if err := ctx.Err(); err != nil {
			r.flushErr(ctx)
			return err
		}

		events, next, err := r.engine.store.ReadPage(ctx, filter, cursor, r.opts.BatchSize)
		if err != nil {
			r.flushErr(ctx)
			return err
		}
		if len(events) == 0 {
			break
		}
		cursor = next

		for _, evt := range events {
			r.read++
			r.streams[evt.StreamID] = struct{}{}
			if _, bad := r.failed[evt.StreamID]; bad {
				continue
			}
			if r.skipResumed(ctx, evt) {
				continue
			}
			if err := r.dispatch(ctx, evt); err != nil {
				r.failed[evt.StreamID] = fmt.Errorf("stream %s at version %d: %w", evt.StreamID, evt.Version, err)
				r.errored++
				r.countError(ctx)
				continue
			}
		}

		// Single-stream replay fails fast once its stream has errored.
		if r.opts.StreamID != "" && len(r.failed) > 0 {
			break
		}
	}

	r.flushErr(ctx)

	if len(r.failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.failed))
	for _, s := range r.failedStreams() {
		errs = append(errs, r.failed[s])
	}
	return errors.Join(errs...)
}

func (r *runState) dispatch(ctx context.Context, evt eventstore.Event) error {
	handlers := r.engine.registry.HandlersFor(evt.Type)
	if len(handlers) == 0 {
		return nil
	}
	for _, h := range handlers {
		if err := h.Handle(ctx, evt); err != nil {
			return err
		}
	}
	r.handled++
	r.pending[evt.StreamID] = evt.Version
	r.sinceCheckpoint++
	if r.opts.Projector != "" && r.sinceCheckpoint >= r.opts.CheckpointInterval {
		return r.flush(ctx)
	}
	return nil
}

// skipResumed reports whether a saved checkpoint already covers the
// event. Checkpoint lookups are cached per stream for the run.
func (r *runState) skipResumed(ctx context.Context, evt eventstore.Event) bool {
	if !r.opts.Resume {
		return false
	}
	offset, ok := r.resumeAt[evt.StreamID]
	if !ok {
		offset = checkpoint.NoProgress
		if cp, found, err := r.engine.checkpoints.Get(ctx, r.opts.Projector, evt.StreamID, 0); err == nil && found {
			offset = cp.Offset
		}
		r.resumeAt[evt.StreamID] = offset
	}
	return evt.Version <= offset
}

// flush persists pending checkpoints and the processed counter.
func (r *runState) flush(ctx context.Context) error {
	if r.opts.Projector == "" {
		return nil
	}
	if r.sinceCheckpoint > 0 {
		if err := r.engine.checkpoints.IncrementProcessed(ctx, r.opts.Projector, int64(r.sinceCheckpoint)); err != nil {
			return err
		}
		r.sinceCheckpoint = 0
	}
	for streamID, version := range r.pending {
		if err := r.engine.checkpoints.Save(ctx, checkpoint.Checkpoint{
			Projector: r.opts.Projector,
			Topic:     streamID,
			Partition: 0,
			Offset:    version,
		}); err != nil {
			return err
		}
		delete(r.pending, streamID)
	}
	return nil
}

func (r *runState) flushErr(ctx context.Context) {
	// Final flush runs even when the page loop is bailing out; losing
	// it only costs re-processing, so log and move on.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.flush(flushCtx); err != nil {
		r.engine.log.Error("checkpoint flush failed", "projector", r.opts.Projector, "err", err)
	}
}

func (r *runState) countError(ctx context.Context) {
	if r.opts.Projector == "" {
		return
	}
	if err := r.engine.checkpoints.IncrementErrors(ctx, r.opts.Projector, 1); err != nil {
		r.engine.log.Error("error counter update failed", "projector", r.opts.Projector, "err", err)
	}
}

func (r *runState) failedStreams() []string {
	streams := make([]string, 0, len(r.failed))
	for s := range r.failed {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	return streams
}

func (r *runState) report() Report {
	return Report{
		EventsRead:    r.read,
		EventsHandled: r.handled,
		HandlerErrors: r.errored,
		Streams:       len(r.streams),
		FailedStreams: r.failedStreams(),
	}
}
