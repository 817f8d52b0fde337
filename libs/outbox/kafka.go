package outbox

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/tallyops/eventcore/libs/kafkax"
	otelx "github.com/tallyops/eventcore/libs/otel"
)

// NewKafkaPublisher returns a PublishFunc writing each event to the
// topic named after its event type, keyed by aggregate id so a stream's
// events land on one partition in order. The trace context captured at
// enqueue time is restored and injected into the message headers.
func NewKafkaPublisher(writer *kafka.Writer) PublishFunc {
	return func(ctx context.Context, evt Event) error {
		msgCtx := otelx.ContextWithTraceContext(ctx, evt.Traceparent, evt.Tracestate)
		msg := kafka.Message{
			Topic: evt.EventType,
			Key:   []byte(evt.AggregateID),
			Value: evt.EventData,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(strconv.FormatInt(evt.ID, 10))},
				{Key: "event_type", Value: []byte(evt.EventType)},
				{Key: "tenant_id", Value: []byte(evt.TenantID)},
			},
		}
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		return writer.WriteMessages(ctx, msg)
	}
}

// NewKafkaWriter builds the writer the publisher uses: hash balancing
// keeps per-aggregate ordering stable across partitions.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Balancer: &kafka.Hash{},
	})
}
