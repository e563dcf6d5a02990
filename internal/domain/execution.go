// Package domain provides domain models and business logic for the literature monitoring service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle states of an execution.
// These values must match the executions.status CHECK constraint.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// validStatusTransitions lists the statuses each status may move to.
var validStatusTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {ExecutionStatusRunning, ExecutionStatusFailed},
	ExecutionStatusRunning: {ExecutionStatusCompleted, ExecutionStatusFailed},
}

// IsTerminal returns true if the status represents a final state that will not change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowedPredecessors returns the statuses from which next may be reached.
func AllowedPredecessors(next ExecutionStatus) []ExecutionStatus {
	var from []ExecutionStatus
	for _, s := range []ExecutionStatus{ExecutionStatusPending, ExecutionStatusRunning} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// RunType identifies how an execution was initiated.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
	RunTypeTest      RunType = "test"
)

// IsValid reports whether t is a known run type.
func (t RunType) IsValid() bool {
	return t == RunTypeScheduled || t == RunTypeManual || t == RunTypeTest
}

// CancelledByUser is the error text recorded when a client cancels an execution.
const CancelledByUser = "Cancelled by user"

// Execution is one concrete run of the pipeline for one stream over one date window.
type Execution struct {
	ID       uuid.UUID `json:"id"`
	StreamID uuid.UUID `json:"stream_id"`
	UserID   uuid.UUID `json:"user_id"`

	Status  ExecutionStatus `json:"status"`
	RunType RunType         `json:"run_type"`

	// ReportName overrides the generated report name (optional).
	ReportName string `json:"report_name,omitempty"`

	// Window is the publication date range retrieved by this execution.
	Window DateWindow `json:"window"`

	// Snapshot is captured at creation and never updated afterwards.
	Snapshot ConfigSnapshot `json:"config_snapshot"`

	ReportID *uuid.UUID `json:"report_id,omitempty"`
	Error    *string    `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Duration returns the run time of the execution.
// Returns zero if it has not started and the elapsed time if it is still running.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil {
		return 0
	}
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(*e.StartedAt)
	}
	return time.Since(*e.StartedAt)
}

// JobKey returns the worker-state key for the job driving this execution.
func (e *Execution) JobKey() string {
	if e.RunType == RunTypeScheduled {
		return ScheduledJobKey(e.StreamID)
	}
	return e.ID.String()
}

// ErrorMessage returns the recorded error text or an empty string.
func (e *Execution) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return *e.Error
}

// ScheduledJobKey returns the worker-state key used for scheduled runs of a stream.
// A single key per stream keeps two scheduled runs of the same stream from overlapping.
func ScheduledJobKey(streamID uuid.UUID) string {
	return "scheduled_" + streamID.String()
}
