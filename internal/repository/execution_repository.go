package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// ExecutionRepository is the execution state store. It is the single source
// of truth for the execution lifecycle.
type ExecutionRepository interface {
	// Create inserts a new execution with its configuration snapshot.
	// Returns domain.ErrConflict if the stream already has a running scheduled execution.
	Create(ctx context.Context, exec *domain.Execution) error

	// Get retrieves an execution by ID.
	// Returns domain.ErrNotFound if no execution exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error)

	// UpdateStatus moves an execution to status and records errMsg when non-nil.
	// Moving to running stamps started_at if unset; moving to completed or failed
	// stamps completed_at. The update only applies when the current status is an
	// allowed predecessor; otherwise a *domain.TransitionError is returned.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errMsg *string) error

	// SetReportID records the report produced by the execution.
	SetReportID(ctx context.Context, id, reportID uuid.UUID) error

	// FindPending returns pending executions, oldest first.
	FindPending(ctx context.Context) ([]*domain.Execution, error)

	// FindByStream returns the most recent executions of a stream, newest first.
	FindByStream(ctx context.Context, streamID uuid.UUID, limit int) ([]*domain.Execution, error)

	// List returns executions matching filter and the total match count.
	List(ctx context.Context, filter ExecutionFilter) ([]*domain.Execution, int64, error)

	// FailOrphaned fails every running execution. It is called once at startup,
	// before the scheduler loop runs, so any running row belongs to a dead process.
	FailOrphaned(ctx context.Context, reason string) (int64, error)
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	// Status filters by one or more statuses (optional).
	Status []domain.ExecutionStatus

	// StreamID filters by stream (optional).
	StreamID *uuid.UUID

	// Limit specifies maximum number of results (default: 50, max: 500).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks the filter and applies pagination defaults.
func (f *ExecutionFilter) Validate() error {
	for _, s := range f.Status {
		if !s.IsValid() {
			return domain.NewValidationError("status", "unknown status "+string(s))
		}
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
