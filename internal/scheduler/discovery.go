package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// ReadyJobs is the work found by one discovery pass.
type ReadyJobs struct {
	// Pending executions, oldest first.
	Pending []*domain.Execution
	// Scheduled streams that are due and have no scheduled run in flight.
	Scheduled []*domain.Stream
}

// Discovery finds work without mutating anything.
type Discovery struct {
	executions repository.ExecutionRepository
	streams    repository.StreamRepository
	state      *WorkerState
	now        func() time.Time
}

// NewDiscovery creates a Discovery.
func NewDiscovery(executions repository.ExecutionRepository, streams repository.StreamRepository, state *WorkerState) *Discovery {
	return &Discovery{
		executions: executions,
		streams:    streams,
		state:      state,
		now:        time.Now,
	}
}

// FindAllReadyJobs returns pending executions and due streams whose scheduled
// job key is not already active.
func (d *Discovery) FindAllReadyJobs(ctx context.Context) (*ReadyJobs, error) {
	pending, err := d.executions.FindPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("find pending executions: %w", err)
	}

	due, err := d.streams.ListDue(ctx, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list due streams: %w", err)
	}

	ready := &ReadyJobs{Pending: pending}
	for _, s := range due {
		if d.state.IsActive(domain.ScheduledJobKey(s.ID)) {
			continue
		}
		ready.Scheduled = append(ready.Scheduled, s)
	}
	return ready, nil
}
