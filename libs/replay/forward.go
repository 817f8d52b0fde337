package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/tallyops/eventcore/libs/eventstore"
	"github.com/tallyops/eventcore/libs/kafkax"
)

// ForwardingHandler republishes every replayed event to Kafka, topic
// per event type, so downstream projections rebuild from the same feed
// they consume live.
type ForwardingHandler struct {
	writer *kafka.Writer
	runID  string
}

func NewForwardingHandler(writer *kafka.Writer, runID string) *ForwardingHandler {
	return &ForwardingHandler{writer: writer, runID: runID}
}

var _ Handler = (*ForwardingHandler)(nil)

func (h *ForwardingHandler) EventType() string { return WildcardType }

func (h *ForwardingHandler) Handle(ctx context.Context, evt eventstore.Event) error {
	msg := kafka.Message{
		Topic: evt.Type,
		Key:   []byte(evt.StreamID),
		Value: evt.Data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
			{Key: "tenant_id", Value: []byte(evt.TenantID)},
			{Key: "stream_id", Value: []byte(evt.StreamID)},
			{Key: "stream_version", Value: []byte(fmt.Sprintf("%d", evt.Version))},
			{Key: "replay_run_id", Value: []byte(h.runID)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return h.writer.WriteMessages(ctx, msg)
}

// LoggingHandler prints replayed events instead of forwarding them;
// the --sink log mode of the CLI.
type LoggingHandler struct {
	log *slog.Logger
}

func NewLoggingHandler(log *slog.Logger) *LoggingHandler {
	return &LoggingHandler{log: log}
}

var _ Handler = (*LoggingHandler)(nil)

func (h *LoggingHandler) EventType() string { return WildcardType }

func (h *LoggingHandler) Handle(_ context.Context, evt eventstore.Event) error {
	h.log.Info("replayed event",
		"tenant_id", evt.TenantID,
		"stream_id", evt.StreamID,
		"version", evt.Version,
		"event_type", evt.Type,
		"occurred_at", evt.OccurredAt,
	)
	return nil
}
