// Package streamsync consumes stream change events published by the admin
// surface and keeps next_scheduled_run in step with edited schedules.
package streamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
	"github.com/helixir/literature-monitor-service/internal/repository"
	"github.com/helixir/literature-monitor-service/internal/scheduler"
)

// Change types carried by StreamChangedEvent.
const (
	ChangeCreated         = "created"
	ChangeScheduleUpdated = "schedule_updated"
	ChangeConfigUpdated   = "config_updated"
)

// StreamChangedEvent is the message value on the stream changes topic.
type StreamChangedEvent struct {
	StreamID   string `json:"stream_id"`
	ChangeType string `json:"change_type"`
}

// Waker triggers an early scheduler pass.
type Waker interface {
	Wake()
}

// messageReader is the subset of *kafka.Reader used by Listener.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config holds configuration for the stream change listener.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic for stream change events.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// Listener reschedules streams whose schedule changed and wakes the scheduler.
type Listener struct {
	reader  messageReader
	streams repository.StreamRepository
	waker   Waker
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewListener creates a listener backed by a kafka.Reader in a consumer group.
func NewListener(
	cfg Config,
	streams repository.StreamRepository,
	waker Waker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return newListener(reader, streams, waker, metrics, logger)
}

func newListener(r messageReader, streams repository.StreamRepository, waker Waker, metrics *observability.Metrics, logger zerolog.Logger) *Listener {
	return &Listener{
		reader:  r,
		streams: streams,
		waker:   waker,
		metrics: metrics,
		logger:  observability.WithComponent(logger, "stream_listener"),
		now:     time.Now,
	}
}

// Run starts the listener loop. Blocks until context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting stream change listener")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("stream change listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received stream change event")

		var event StreamChangedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			l.logger.Error().Err(err).
				Str("raw_value", string(msg.Value)).
				Msg("failed to unmarshal stream change event")
			continue
		}

		err = l.handleStreamChanged(ctx, event)
		l.metrics.RecordStreamEvent(event.ChangeType, err)
		if err != nil {
			l.logger.Error().Err(err).
				Str("stream_id", event.StreamID).
				Str("change_type", event.ChangeType).
				Msg("failed to handle stream change event")
		}
	}
}

// handleStreamChanged recomputes next_scheduled_run for schedule edits and
// wakes the scheduler so new or rescheduled streams are picked up promptly.
// Config-only edits leave next_scheduled_run alone so a due run is not skipped.
func (l *Listener) handleStreamChanged(ctx context.Context, event StreamChangedEvent) error {
	id, err := uuid.Parse(event.StreamID)
	if err != nil {
		return domain.NewValidationError("stream_id", "must be a valid UUID")
	}

	switch event.ChangeType {
	case ChangeCreated:
		// The scheduler seeds unscheduled streams on its next pass.
		l.waker.Wake()
		return nil
	case ChangeConfigUpdated:
		l.logger.Debug().Str("stream_id", id.String()).Msg("config change needs no rescheduling")
		return nil
	case ChangeScheduleUpdated:
	default:
		return domain.NewValidationError("change_type", fmt.Sprintf("unsupported change type %q", event.ChangeType))
	}

	stream, err := l.streams.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			l.logger.Warn().Str("stream_id", id.String()).Msg("changed stream no longer exists")
			return nil
		}
		return fmt.Errorf("get stream: %w", err)
	}

	if !stream.Schedule.Enabled {
		l.logger.Info().Str("stream_id", id.String()).Msg("stream schedule disabled")
		return nil
	}

	next, err := scheduler.NextScheduledRun(stream.Schedule, l.now())
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	if err := l.streams.UpdateNextScheduledRun(ctx, id, next); err != nil {
		return fmt.Errorf("update next run: %w", err)
	}

	l.logger.Info().
		Str("stream_id", id.String()).
		Time("next_scheduled_run", next).
		Msg("stream rescheduled")
	l.waker.Wake()
	return nil
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing stream change listener")
	return l.reader.Close()
}
