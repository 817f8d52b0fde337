// Package projector runs a live event consumer that resumes from the
// durable checkpoint instead of broker-side group offsets: the same
// cursor the replay engine maintains, so a projection rebuilt by replay
// and one fed live share one notion of progress.
package projector

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tallyops/eventcore/libs/checkpoint"
	"github.com/tallyops/eventcore/libs/eventstore"
	"github.com/tallyops/eventcore/libs/kafkax"
	"github.com/tallyops/eventcore/libs/replay"
)

// Source is one partition's message feed. *kafka.Reader satisfies it.
type Source interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	SetOffset(offset int64) error
	Close() error
}

// NewKafkaSource opens a reader pinned to one partition; offset
// management stays with the checkpoint store, not a consumer group.
func NewKafkaSource(brokers []string, topic string, partition int32) Source {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: int(partition),
		MinBytes:  1,
		MaxBytes:  10e6,
	})
}

type Config struct {
	// Name is the projector whose checkpoint and status this worker
	// owns.
	Name      string
	Topic     string
	Partition int32
	// CheckpointInterval is how many handled messages may pass between
	// checkpoint writes.
	CheckpointInterval int
}

func (c Config) withDefaults() Config {
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 100
	}
	return c
}

// Worker drives one (topic, partition) feed through the handler
// registry, checkpointing as it goes.
type Worker struct {
	cfg         Config
	source      Source
	checkpoints *checkpoint.Manager
	registry    *replay.Registry
	log         *slog.Logger
}

func NewWorker(cfg Config, source Source, checkpoints *checkpoint.Manager, registry *replay.Registry, log *slog.Logger) *Worker {
	return &Worker{
		cfg:         cfg.withDefaults(),
		source:      source,
		checkpoints: checkpoints,
		registry:    registry,
		log:         log,
	}
}

// Run consumes until ctx is cancelled. The worker resumes one past the
// checkpointed offset; a reset (or absent) checkpoint starts from the
// partition's first message. Handler failures are counted and skipped,
// never blocking the partition.
func (w *Worker) Run(ctx context.Context) error {
	start := kafka.FirstOffset
	if cp, found, err := w.checkpoints.Get(ctx, w.cfg.Name, w.cfg.Topic, w.cfg.Partition); err != nil {
		return err
	} else if found && cp.Offset != checkpoint.NoProgress {
		start = cp.Offset + 1
	}
	if err := w.source.SetOffset(start); err != nil {
		return err
	}
	defer w.source.Close()

	if err := w.checkpoints.UpdateStatus(ctx, w.cfg.Name, checkpoint.StatusRunning, ""); err != nil {
		return err
	}
	var lastOffset int64 = checkpoint.NoProgress
	sinceCheckpoint := 0
	handledSince := 0
	flushCounters := func(flushCtx context.Context) {
		if handledSince == 0 {
			return
		}
		if err := w.checkpoints.IncrementProcessed(flushCtx, w.cfg.Name, int64(handledSince)); err != nil {
			w.log.Error("processed counter update failed", "projector", w.cfg.Name, "err", err)
		}
		handledSince = 0
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if sinceCheckpoint > 0 {
			w.saveCheckpoint(stopCtx, lastOffset)
		}
		flushCounters(stopCtx)
		if err := w.checkpoints.UpdateStatus(stopCtx, w.cfg.Name, checkpoint.StatusStopped, ""); err != nil {
			w.log.Error("failed to stop projector", "projector", w.cfg.Name, "err", err)
		}
	}()

	for {
		msg, err := w.source.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := w.handle(ctx, msg); err != nil {
			w.log.Error("projection handler failed",
				"projector", w.cfg.Name, "topic", msg.Topic, "offset", msg.Offset, "err", err)
			if cntErr := w.checkpoints.IncrementErrors(ctx, w.cfg.Name, 1); cntErr != nil {
				w.log.Error("error counter update failed", "projector", w.cfg.Name, "err", cntErr)
			}
		} else {
			handledSince++
		}

		// A failed message still advances the checkpoint so poison
		// input cannot wedge the partition; only the error counter
		// records it.
		lastOffset = msg.Offset
		sinceCheckpoint++
		if sinceCheckpoint >= w.cfg.CheckpointInterval {
			w.saveCheckpoint(ctx, lastOffset)
			flushCounters(ctx)
			sinceCheckpoint = 0
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)
	msgCtx := kafkax.ExtractTraceContext(ctx, msg)

	evt := eventstore.Event{
		TenantID:   meta.TenantID,
		StreamID:   string(msg.Key),
		Type:       meta.EventType,
		Data:       json.RawMessage(msg.Value),
		OccurredAt: msg.Time,
	}
	if v := kafkax.HeaderValue(msg.Headers, "stream_version"); v != "" {
		if version, err := strconv.ParseInt(v, 10, 64); err == nil {
			evt.Version = version
		}
	}

	for _, h := range w.registry.HandlersFor(evt.Type) {
		if err := h.Handle(msgCtx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) saveCheckpoint(ctx context.Context, offset int64) {
	if offset == checkpoint.NoProgress {
		return
	}
	err := w.checkpoints.Save(ctx, checkpoint.Checkpoint{
		Projector: w.cfg.Name,
		Topic:     w.cfg.Topic,
		Partition: w.cfg.Partition,
		Offset:    offset,
	})
	if err != nil {
		w.log.Error("checkpoint save failed",
			"projector", w.cfg.Name, "topic", w.cfg.Topic, "offset", offset, "err", err)
	}
}
