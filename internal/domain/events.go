package domain

import (
	"time"

	"github.com/google/uuid"
)

// Stage labels carried by status events.
const (
	StageStarting   = "starting"
	StageRetrieval  = "retrieval"
	StageDedup      = "dedup"
	StageFilter     = "filter"
	StageCategorize = "categorize"
	StageReport     = "report"
	StageCompleted  = "completed"
	StageFailed     = "failed"
)

// IsTerminalStage reports whether stage ends an execution's event stream.
func IsTerminalStage(stage string) bool {
	return stage == StageCompleted || stage == StageFailed
}

// StatusEvent is an ephemeral progress event delivered to live subscribers.
type StatusEvent struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notification outcomes.
const (
	OutcomeApprovalRequested = "approval_requested"
	OutcomeFailed            = "failed"
)

// Notification is the payload handed to the notification sender after a scheduled run.
type Notification struct {
	ExecutionID  uuid.UUID  `json:"execution_id"`
	StreamID     uuid.UUID  `json:"stream_id"`
	StreamName   string     `json:"stream_name"`
	UserID       uuid.UUID  `json:"user_id"`
	Outcome      string     `json:"outcome"`
	ReportID     *uuid.UUID `json:"report_id,omitempty"`
	ReportName   string     `json:"report_name,omitempty"`
	ArticleCount int        `json:"article_count"`
	Error        string     `json:"error,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// maxNotificationErrorRunes bounds the error text carried by failure alerts.
const maxNotificationErrorRunes = 500

// TruncateError shortens msg to the length carried by failure alerts.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxNotificationErrorRunes {
		return msg
	}
	return string(r[:maxNotificationErrorRunes]) + "..."
}

// Report is the result of report assembly for one execution.
type Report struct {
	ID          uuid.UUID     `json:"id"`
	StreamID    uuid.UUID     `json:"stream_id"`
	ExecutionID uuid.UUID     `json:"execution_id"`
	Name        string        `json:"name"`
	Window      DateWindow    `json:"window"`
	Stats       CoverageStats `json:"stats"`
	IsHidden    bool          `json:"is_hidden"`
	CreatedAt   time.Time     `json:"created_at"`
}
