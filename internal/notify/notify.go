// Package notify delivers admin notifications for scheduled runs: an
// approval request when a report is ready, an alert when a run fails.
//
// Notifications are best effort. Senders return errors for logging only;
// a failed send never changes an execution's outcome.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n *domain.Notification) error
	Close() error
}

// Config selects and configures the sender.
type Config struct {
	// Enabled publishes to Kafka. When false notifications are only logged.
	Enabled      bool
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// New returns a KafkaSender when Kafka is enabled and configured, otherwise a LogSender.
func New(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) Sender {
	if cfg.Enabled && len(cfg.Brokers) > 0 && cfg.Topic != "" {
		return NewKafkaSender(cfg, metrics, logger)
	}
	return NewLogSender(metrics, logger)
}

// LogSender writes notifications to the structured log.
type LogSender struct {
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(metrics *observability.Metrics, logger zerolog.Logger) *LogSender {
	return &LogSender{
		metrics: metrics,
		logger:  observability.WithComponent(logger, "notify"),
	}
}

// Send logs n at info level, or warn for failure alerts.
func (s *LogSender) Send(_ context.Context, n *domain.Notification) error {
	evt := s.logger.Info()
	if n.Outcome == domain.OutcomeFailed {
		evt = s.logger.Warn()
	}
	evt = evt.
		Str("outcome", n.Outcome).
		Str("execution_id", n.ExecutionID.String()).
		Str("stream_id", n.StreamID.String()).
		Str("stream_name", n.StreamName).
		Str("user_id", n.UserID.String()).
		Int("article_count", n.ArticleCount)
	if n.ReportID != nil {
		evt = evt.Str("report_id", n.ReportID.String()).Str("report_name", n.ReportName)
	}
	if n.Error != "" {
		evt = evt.Str("error", n.Error)
	}
	evt.Msg("admin notification")

	s.metrics.RecordNotification(n.Outcome, nil)
	return nil
}

// Close is a no-op.
func (s *LogSender) Close() error {
	return nil
}
