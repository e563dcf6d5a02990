package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
	deadline bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func approvalNotification() *domain.Notification {
	reportID := uuid.New()
	return &domain.Notification{
		ExecutionID:  uuid.New(),
		StreamID:     uuid.New(),
		StreamName:   "CRISPR weekly",
		UserID:       uuid.New(),
		Outcome:      domain.OutcomeApprovalRequested,
		ReportID:     &reportID,
		ReportName:   "CRISPR weekly 2025-03-03",
		ArticleCount: 42,
		OccurredAt:   time.Date(2025, 3, 3, 8, 0, 5, 0, time.UTC),
	}
}

func TestKafkaSender_Send(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSender(w, Config{Topic: "admin-notifications"}, nil, zerolog.Nop())
	n := approvalNotification()

	require.NoError(t, s.Send(context.Background(), n))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, n.StreamID.String(), string(msg.Key))
	assert.Equal(t, n.OccurredAt, msg.Time)
	assert.True(t, w.deadline)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "literature_monitor.execution.approval_requested", string(msg.Headers[0].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "literature_monitor.execution.approval_requested", body["event_type"])
	assert.Equal(t, "CRISPR weekly", body["stream_name"])
	assert.Equal(t, "CRISPR weekly 2025-03-03", body["report_name"])
	assert.Equal(t, float64(42), body["article_count"])
	assert.NotContains(t, body, "error")
}

func TestKafkaSender_SendError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := newKafkaSender(w, Config{Topic: "t"}, nil, zerolog.Nop())

	err := s.Send(context.Background(), approvalNotification())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalService)
	assert.Contains(t, err.Error(), "kafka")
}

func TestKafkaSender_Close(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSender(w, Config{Topic: "t"}, nil, zerolog.Nop())
	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestLogSender_Send(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(nil, zerolog.New(&buf))

	n := approvalNotification()
	n.Outcome = domain.OutcomeFailed
	n.ReportID = nil
	n.Error = "pubmed API error (status 503): unavailable"

	require.NoError(t, s.Send(context.Background(), n))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "notify", entry["component"])
	assert.Equal(t, "failed", entry["outcome"])
	assert.Equal(t, n.Error, entry["error"])
	assert.NotContains(t, entry, "report_id")
	assert.NoError(t, s.Close())
}

func TestNew(t *testing.T) {
	t.Run("log sender when disabled", func(t *testing.T) {
		s := New(Config{Enabled: false, Brokers: []string{"localhost:9092"}, Topic: "t"}, nil, zerolog.Nop())
		_, ok := s.(*LogSender)
		assert.True(t, ok)
	})

	t.Run("log sender without brokers", func(t *testing.T) {
		s := New(Config{Enabled: true, Topic: "t"}, nil, zerolog.Nop())
		_, ok := s.(*LogSender)
		assert.True(t, ok)
	})

	t.Run("kafka sender when configured", func(t *testing.T) {
		s := New(Config{Enabled: true, Brokers: []string{"localhost:9092"}, Topic: "t"}, nil, zerolog.Nop())
		ks, ok := s.(*KafkaSender)
		require.True(t, ok)
		assert.Equal(t, "t", ks.topic)
		assert.Equal(t, 10*time.Second, ks.writeTimeout)
		require.NoError(t, ks.Close())
	})
}
