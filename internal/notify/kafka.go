package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// EventTypePrefix prefixes the event_type of published envelopes.
const EventTypePrefix = "literature_monitor.execution."

// messageWriter is the subset of *kafka.Writer used by KafkaSender.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// envelope is the JSON value of a published message.
type envelope struct {
	EventType string `json:"event_type"`
	*domain.Notification
}

// KafkaSender publishes notifications to a Kafka topic, keyed by stream id
// so that events of one stream stay ordered within a partition.
type KafkaSender struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// NewKafkaSender creates a sender backed by a kafka.Writer.
func NewKafkaSender(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *KafkaSender {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: false,
	}
	return newKafkaSender(writer, cfg, metrics, logger)
}

func newKafkaSender(w messageWriter, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *KafkaSender {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSender{
		writer:       w,
		topic:        cfg.Topic,
		writeTimeout: timeout,
		metrics:      metrics,
		logger:       observability.WithComponent(logger, "notify").With().Str("topic", cfg.Topic).Logger(),
	}
}

// Send publishes one notification.
func (s *KafkaSender) Send(ctx context.Context, n *domain.Notification) error {
	eventType := EventTypePrefix + n.Outcome
	value, err := json.Marshal(envelope{EventType: eventType, Notification: n})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(n.StreamID.String()),
		Value: value,
		Time:  n.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "execution_id", Value: []byte(n.ExecutionID.String())},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.writer.WriteMessages(writeCtx, msg); err != nil {
		s.metrics.RecordNotification(n.Outcome, err)
		return domain.NewExternalServiceError("kafka", 0, "publish notification", err)
	}

	s.metrics.RecordNotification(n.Outcome, nil)
	s.logger.Debug().
		Str("event_type", eventType).
		Str("execution_id", n.ExecutionID.String()).
		Msg("notification published")
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSender) Close() error {
	s.logger.Info().Msg("closing notification writer")
	return s.writer.Close()
}
