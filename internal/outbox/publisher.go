package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/rendis/stepflow/internal/store"
)

// Publisher delivers one outbox message to the outside world.
type Publisher interface {
	Publish(ctx context.Context, msg *store.OutboxMessage) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka header keys set on every published message.
const (
	HeaderEventType = "event_type"
	HeaderMessageID = "message_id"
)

// KafkaPublisher writes outbox messages to a single topic. The correlation id
// is the message key so events of one business entity stay ordered.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}, nil
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	key := msg.CorrelationID
	if key == "" {
		key = msg.ID
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderMessageID, Value: []byte(msg.ID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs messages instead of sending them. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	p.logger.InfoContext(ctx, "outbox event",
		slog.String("message_id", msg.ID),
		slog.String("event_type", msg.EventType),
		slog.String("correlation_id", msg.CorrelationID),
		slog.String("payload", string(msg.Payload)),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// FanOut publishes every message to all publishers. A message counts as
// published only when every publisher accepted it.
type FanOut []Publisher

func (f FanOut) Publish(ctx context.Context, msg *store.OutboxMessage) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f FanOut) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
