package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// StreamRepository provides read access to stream configuration. The only
// column written by this service is next_scheduled_run.
type StreamRepository interface {
	// Create inserts a stream. Streams are normally owned by the admin surface;
	// Create exists for seeding and tests.
	Create(ctx context.Context, stream *domain.Stream) error

	// Get retrieves a stream by ID.
	// Returns domain.ErrNotFound if no stream exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Stream, error)

	// ListDue returns streams with an enabled schedule whose next run is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*domain.Stream, error)

	// ListUnscheduled returns streams with an enabled schedule and no next run yet.
	ListUnscheduled(ctx context.Context) ([]*domain.Stream, error)

	// UpdateNextScheduledRun persists the next run time of a stream.
	UpdateNextScheduledRun(ctx context.Context, id uuid.UUID, next time.Time) error
}
