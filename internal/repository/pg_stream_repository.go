package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

var _ StreamRepository = (*PgStreamRepository)(nil)

// PgStreamRepository is a PostgreSQL implementation of StreamRepository.
type PgStreamRepository struct {
	db DBTX
}

// NewPgStreamRepository creates a new PostgreSQL stream repository.
func NewPgStreamRepository(db DBTX) *PgStreamRepository {
	return &PgStreamRepository{db: db}
}

const streamColumns = `id, user_id, name, config, schedule, next_scheduled_run, created_at, updated_at`

// Create inserts a stream.
func (r *PgStreamRepository) Create(ctx context.Context, stream *domain.Stream) error {
	if stream == nil {
		return domain.NewValidationError("stream", "stream cannot be nil")
	}
	if stream.Name == "" {
		return domain.NewValidationError("name", "name is required")
	}
	if stream.ID == uuid.Nil {
		stream.ID = uuid.New()
	}

	configJSON, err := json.Marshal(stream.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal stream config: %w", err)
	}
	scheduleJSON, err := json.Marshal(stream.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal stream schedule: %w", err)
	}

	now := time.Now().UTC()
	stream.CreatedAt = now
	stream.UpdatedAt = now

	query := `
		INSERT INTO streams (` + streamColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.Exec(ctx, query,
		stream.ID, stream.UserID, stream.Name, configJSON, scheduleJSON,
		stream.NextScheduledRun, stream.CreatedAt, stream.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("stream %s already exists: %w", stream.ID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Get retrieves a stream by ID.
func (r *PgStreamRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE id = $1`

	stream, err := scanStream(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("stream", id.String())
		}
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return stream, nil
}

// ListDue returns streams due at now, earliest first.
func (r *PgStreamRepository) ListDue(ctx context.Context, now time.Time) ([]*domain.Stream, error) {
	query := `SELECT ` + streamColumns + `
		FROM streams
		WHERE (schedule ->> 'enabled')::boolean
			AND next_scheduled_run IS NOT NULL
			AND next_scheduled_run <= $1
		ORDER BY next_scheduled_run ASC`

	return r.queryStreams(ctx, query, now)
}

// ListUnscheduled returns enabled streams that have never been given a next run.
func (r *PgStreamRepository) ListUnscheduled(ctx context.Context) ([]*domain.Stream, error) {
	query := `SELECT ` + streamColumns + `
		FROM streams
		WHERE (schedule ->> 'enabled')::boolean AND next_scheduled_run IS NULL
		ORDER BY created_at ASC`

	return r.queryStreams(ctx, query)
}

// UpdateNextScheduledRun persists the next run time.
func (r *PgStreamRepository) UpdateNextScheduledRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	query := `UPDATE streams SET next_scheduled_run = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, next.UTC())
	if err != nil {
		return fmt.Errorf("failed to update next scheduled run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("stream", id.String())
	}
	return nil
}

func (r *PgStreamRepository) queryStreams(ctx context.Context, query string, args ...interface{}) ([]*domain.Stream, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}
	defer rows.Close()

	var streams []*domain.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating streams: %w", err)
	}
	return streams, nil
}

type streamScanDest struct {
	stream       domain.Stream
	configJSON   []byte
	scheduleJSON []byte
}

func (d *streamScanDest) destinations() []interface{} {
	return []interface{}{
		&d.stream.ID, &d.stream.UserID, &d.stream.Name, &d.configJSON, &d.scheduleJSON,
		&d.stream.NextScheduledRun, &d.stream.CreatedAt, &d.stream.UpdatedAt,
	}
}

func (d *streamScanDest) finalize() (*domain.Stream, error) {
	if err := json.Unmarshal(d.configJSON, &d.stream.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream config: %w", err)
	}
	if len(d.scheduleJSON) > 0 {
		if err := json.Unmarshal(d.scheduleJSON, &d.stream.Schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stream schedule: %w", err)
		}
	}
	return &d.stream, nil
}

func scanStream(row pgx.Row) (*domain.Stream, error) {
	var dest streamScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
