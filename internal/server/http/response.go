package httpserver

import (
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type createRunResponse struct {
	ExecutionID string `json:"execution_id"`
	StreamID    string `json:"stream_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

type cancelRunResponse struct {
	Message string `json:"message"`
}

// executionResponse is the status record of one execution.
type executionResponse struct {
	ExecutionID string     `json:"execution_id"`
	StreamID    string     `json:"stream_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	RunType     string     `json:"run_type"`
	ReportName  string     `json:"report_name,omitempty"`
	StartDate   string     `json:"start_date"`
	EndDate     string     `json:"end_date"`
	ReportID    *uuid.UUID `json:"report_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`

	Config *domain.ConfigSnapshot `json:"config_snapshot,omitempty"`
}

type listRunsResponse struct {
	Runs  []executionResponse `json:"runs"`
	Total int64               `json:"total"`
}

// toExecutionResponse converts an execution into its status record. The
// configuration snapshot is only included in the detail view.
func toExecutionResponse(e *domain.Execution, withConfig bool) executionResponse {
	resp := executionResponse{
		ExecutionID: e.ID.String(),
		StreamID:    e.StreamID.String(),
		UserID:      e.UserID.String(),
		Status:      string(e.Status),
		RunType:     string(e.RunType),
		ReportName:  e.ReportName,
		StartDate:   e.Window.Start.Format(domain.DateLayout),
		EndDate:     e.Window.End.Format(domain.DateLayout),
		ReportID:    e.ReportID,
		Error:       e.ErrorMessage(),
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
	if d := e.Duration(); d > 0 {
		resp.Duration = d.Round(time.Millisecond).String()
	}
	if withConfig {
		snapshot := e.Snapshot
		resp.Config = &snapshot
	}
	return resp
}

// terminalEvent builds the single event sent to a subscriber that attaches
// after the execution has finished.
func terminalEvent(e *domain.Execution, now time.Time) domain.StatusEvent {
	event := domain.StatusEvent{
		ExecutionID: e.ID,
		Stage:       domain.StageCompleted,
		Message:     "execution completed",
		Timestamp:   now,
	}
	if e.CompletedAt != nil {
		event.Timestamp = *e.CompletedAt
	}
	if e.Status == domain.ExecutionStatusFailed {
		event.Stage = domain.StageFailed
		event.Message = e.ErrorMessage()
		if event.Message == "" {
			event.Message = "execution failed"
		}
	}
	return event
}
