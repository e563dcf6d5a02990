package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

var _ ExecutionRepository = (*PgExecutionRepository)(nil)

// PgExecutionRepository is a PostgreSQL implementation of ExecutionRepository.
type PgExecutionRepository struct {
	db DBTX
}

// NewPgExecutionRepository creates a new PostgreSQL execution repository.
func NewPgExecutionRepository(db DBTX) *PgExecutionRepository {
	return &PgExecutionRepository{db: db}
}

const executionColumns = `
		id, stream_id, user_id, status, run_type, report_name,
		start_date, end_date, config_snapshot, report_id, error,
		started_at, completed_at, created_at, updated_at`

// Create inserts a new execution.
func (r *PgExecutionRepository) Create(ctx context.Context, exec *domain.Execution) error {
	if exec == nil {
		return domain.NewValidationError("execution", "execution cannot be nil")
	}
	if exec.StreamID == uuid.Nil {
		return domain.NewValidationError("stream_id", "stream ID is required")
	}
	if !exec.Status.IsValid() {
		return domain.NewValidationError("status", "unknown status "+string(exec.Status))
	}
	if exec.Status.IsTerminal() {
		return domain.NewValidationError("status", "executions cannot be created in a terminal status")
	}
	if !exec.RunType.IsValid() {
		return domain.NewValidationError("run_type", "unknown run type "+string(exec.RunType))
	}
	if err := exec.Window.Validate(); err != nil {
		return err
	}

	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if exec.Status == domain.ExecutionStatusRunning && exec.StartedAt == nil {
		exec.StartedAt = &now
	}

	snapshotJSON, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal config snapshot: %w", err)
	}

	query := `
		INSERT INTO executions (` + executionColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15
		)`

	_, err = r.db.Exec(ctx, query,
		exec.ID, exec.StreamID, exec.UserID, exec.Status, exec.RunType, exec.ReportName,
		exec.Window.Start, exec.Window.End, snapshotJSON, exec.ReportID, exec.Error,
		exec.StartedAt, exec.CompletedAt, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		switch {
		case isPgUniqueViolation(err):
			return fmt.Errorf("stream %s already has a running scheduled execution: %w", exec.StreamID, domain.ErrConflict)
		case isPgForeignKeyViolation(err):
			return domain.NewNotFoundError("stream", exec.StreamID.String())
		}
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// Get retrieves an execution by ID.
func (r *PgExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	exec, err := scanExecution(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("execution", id.String())
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// UpdateStatus performs a guarded status transition.
func (r *PgExecutionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ExecutionStatus, errMsg *string) error {
	if !status.IsValid() {
		return domain.NewValidationError("status", "unknown status "+string(status))
	}

	from := domain.AllowedPredecessors(status)
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE executions SET
			status = $2,
			error = COALESCE($3, error),
			started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`

	result, err := r.db.Exec(ctx, query, id, string(status), errMsg, allowed)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current domain.ExecutionStatus
	err = r.db.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("execution", id.String())
		}
		return fmt.Errorf("failed to read execution status: %w", err)
	}
	return &domain.TransitionError{From: current, To: status}
}

// SetReportID records the report produced by the execution.
func (r *PgExecutionRepository) SetReportID(ctx context.Context, id, reportID uuid.UUID) error {
	query := `UPDATE executions SET report_id = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, reportID)
	if err != nil {
		return fmt.Errorf("failed to set report id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("execution", id.String())
	}
	return nil
}

// FindPending returns pending executions, oldest first.
func (r *PgExecutionRepository) FindPending(ctx context.Context) ([]*domain.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE status = 'pending'
		ORDER BY created_at ASC`

	return r.queryExecutions(ctx, query)
}

// FindByStream returns the most recent executions of a stream.
func (r *PgExecutionRepository) FindByStream(ctx context.Context, streamID uuid.UUID, limit int) ([]*domain.Execution, error) {
	offset := 0
	applyPaginationDefaults(&limit, &offset)

	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE stream_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return r.queryExecutions(ctx, query, streamID, limit)
}

// List returns executions matching filter, newest first.
func (r *PgExecutionRepository) List(ctx context.Context, filter ExecutionFilter) ([]*domain.Execution, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	conditions := []string{"TRUE"}
	args := []interface{}{}
	argIndex := 1

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIndex))
		args = append(args, statuses)
		argIndex++
	}

	if filter.StreamID != nil {
		conditions = append(conditions, fmt.Sprintf("stream_id = $%d", argIndex))
		args = append(args, *filter.StreamID)
		argIndex++
	}

	whereClause := strings.Join(conditions, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM executions WHERE " + whereClause
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	selectQuery := fmt.Sprintf(`SELECT %s
		FROM executions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		executionColumns, whereClause, argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	execs, err := r.queryExecutions(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	return execs, total, nil
}

// FailOrphaned fails every running execution with reason.
func (r *PgExecutionRepository) FailOrphaned(ctx context.Context, reason string) (int64, error) {
	query := `
		UPDATE executions SET
			status = 'failed',
			error = $1,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE status = 'running'`

	result, err := r.db.Exec(ctx, query, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned executions: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PgExecutionRepository) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*domain.Execution, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []*domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// executionScanDest holds the destination pointers for scanning an execution row.
type executionScanDest struct {
	exec         domain.Execution
	snapshotJSON []byte
}

func (d *executionScanDest) destinations() []interface{} {
	return []interface{}{
		&d.exec.ID, &d.exec.StreamID, &d.exec.UserID, &d.exec.Status, &d.exec.RunType, &d.exec.ReportName,
		&d.exec.Window.Start, &d.exec.Window.End, &d.snapshotJSON, &d.exec.ReportID, &d.exec.Error,
		&d.exec.StartedAt, &d.exec.CompletedAt, &d.exec.CreatedAt, &d.exec.UpdatedAt,
	}
}

func (d *executionScanDest) finalize() (*domain.Execution, error) {
	if len(d.snapshotJSON) > 0 {
		if err := json.Unmarshal(d.snapshotJSON, &d.exec.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config snapshot: %w", err)
		}
	}
	return &d.exec, nil
}

// scanExecution scans one row from a pgx.Row or the current row of pgx.Rows.
func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var dest executionScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
