package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

var streamColumnNames = []string{
	"id", "user_id", "name", "config", "schedule", "next_scheduled_run", "created_at", "updated_at",
}

func newTestStream() *domain.Stream {
	now := time.Now().UTC()
	next := now.Add(-time.Minute)
	return &domain.Stream{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Name:   "Gene editing safety",
		Config: newTestSnapshot(),
		Schedule: domain.Schedule{
			Enabled:   true,
			Frequency: domain.FrequencyWeekly,
			AnchorDay: "monday",
			TimeOfDay: "08:00",
			Timezone:  "UTC",
		},
		NextScheduledRun: &next,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func streamRows(t *testing.T, streams ...*domain.Stream) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows(streamColumnNames)
	for _, s := range streams {
		configJSON, err := json.Marshal(s.Config)
		require.NoError(t, err)
		scheduleJSON, err := json.Marshal(s.Schedule)
		require.NoError(t, err)
		rows.AddRow(s.ID, s.UserID, s.Name, configJSON, scheduleJSON, s.NextScheduledRun, s.CreatedAt, s.UpdatedAt)
	}
	return rows
}

func TestPgStreamRepository_Create(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStreamRepository(mock)
	s := newTestStream()

	mock.ExpectExec("INSERT INTO streams").
		WithArgs(s.ID, s.UserID, s.Name, pgxmock.AnyArg(), pgxmock.AnyArg(), s.NextScheduledRun, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(ctx, s))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, repo.Create(ctx, &domain.Stream{}), domain.ErrInvalidInput)
}

func TestPgStreamRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes config and schedule", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgStreamRepository(mock)
		s := newTestStream()

		mock.ExpectQuery("SELECT .* FROM streams WHERE id = \\$1").
			WithArgs(s.ID).
			WillReturnRows(streamRows(t, s))

		got, err := repo.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.Name, got.Name)
		assert.Equal(t, s.Config, got.Config)
		assert.Equal(t, s.Schedule, got.Schedule)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgStreamRepository(mock)
		mock.ExpectQuery("FROM streams").WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPgStreamRepository_ListDue(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStreamRepository(mock)
	s := newTestStream()
	now := time.Now().UTC()

	mock.ExpectQuery("next_scheduled_run <= \\$1").
		WithArgs(now).
		WillReturnRows(streamRows(t, s))

	streams, err := repo.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.True(t, streams[0].IsDue(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStreamRepository_ListUnscheduled(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStreamRepository(mock)
	s := newTestStream()
	s.NextScheduledRun = nil

	mock.ExpectQuery("next_scheduled_run IS NULL").
		WillReturnRows(streamRows(t, s))

	streams, err := repo.ListUnscheduled(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Nil(t, streams[0].NextScheduledRun)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStreamRepository_UpdateNextScheduledRun(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgStreamRepository(mock)
	id := uuid.New()
	next := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE streams SET next_scheduled_run").
		WithArgs(id, next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE streams SET next_scheduled_run").
		WithArgs(id, next).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.UpdateNextScheduledRun(ctx, id, next))
	assert.ErrorIs(t, repo.UpdateNextScheduledRun(ctx, id, next), domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
