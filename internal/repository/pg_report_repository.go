package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/database"
	"github.com/helixir/literature-monitor-service/internal/domain"
)

var _ ReportRepository = (*PgReportRepository)(nil)

// PgReportRepository is a PostgreSQL implementation of ReportRepository.
type PgReportRepository struct {
	db     DBTX
	logger zerolog.Logger
}

// NewPgReportRepository creates a new PostgreSQL report repository.
func NewPgReportRepository(db DBTX, logger zerolog.Logger) *PgReportRepository {
	return &PgReportRepository{db: db, logger: logger}
}

// Assemble writes the report row and its articles. When the underlying DBTX
// can begin transactions both writes share one; inside an existing transaction
// they simply join it.
func (r *PgReportRepository) Assemble(ctx context.Context, in ReportInput) (*domain.Report, error) {
	if in.Execution == nil {
		return nil, domain.NewValidationError("execution", "execution is required")
	}
	if in.Name == "" {
		return nil, domain.NewValidationError("name", "report name is required")
	}

	report := &domain.Report{
		ID:          uuid.New(),
		StreamID:    in.Execution.StreamID,
		ExecutionID: in.Execution.ID,
		Name:        in.Name,
		Window:      in.Execution.Window,
		Stats:       in.Stats,
		CreatedAt:   time.Now().UTC(),
	}

	write := func(db DBTX) error {
		return r.insertReport(ctx, db, report, in.Candidates)
	}

	var err error
	if b, ok := r.db.(database.TxBeginner); ok {
		err = database.WithTransaction(ctx, b, r.logger, func(tx pgx.Tx) error {
			return write(tx)
		})
	} else {
		err = write(r.db)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (r *PgReportRepository) insertReport(ctx context.Context, db DBTX, report *domain.Report, candidates []*domain.Candidate) error {
	statsJSON, err := json.Marshal(report.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal report stats: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO reports (id, stream_id, execution_id, name, start_date, end_date, stats, is_hidden, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`,
		report.ID, report.StreamID, report.ExecutionID, report.Name,
		report.Window.Start, report.Window.End, statsJSON, report.CreatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("execution %s already has a report: %w", report.ExecutionID, domain.ErrConflict)
		}
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if len(candidates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, c := range candidates {
		batch.Queue(`
			INSERT INTO report_articles (report_id, candidate_id, category_id, position)
			VALUES ($1, $2, $3, $4)`,
			report.ID, c.ID, c.CategoryID, i+1,
		)
	}

	br := db.SendBatch(ctx, batch)
	defer br.Close()

	for _, c := range candidates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to link candidate %s to report: %w", c.ID, err)
		}
	}
	return nil
}

// Get retrieves a report by ID.
func (r *PgReportRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Report, error) {
	query := `
		SELECT id, stream_id, execution_id, name, start_date, end_date, stats, is_hidden, created_at
		FROM reports
		WHERE id = $1`

	var (
		report    domain.Report
		statsJSON []byte
	)
	err := r.db.QueryRow(ctx, query, id).Scan(
		&report.ID, &report.StreamID, &report.ExecutionID, &report.Name,
		&report.Window.Start, &report.Window.End, &statsJSON, &report.IsHidden, &report.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("report", id.String())
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &report.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report stats: %w", err)
	}
	return &report, nil
}

// SetHidden updates report visibility.
func (r *PgReportRepository) SetHidden(ctx context.Context, id uuid.UUID, hidden bool) error {
	result, err := r.db.Exec(ctx, `UPDATE reports SET is_hidden = $2 WHERE id = $1`, id, hidden)
	if err != nil {
		return fmt.Errorf("failed to update report visibility: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("report", id.String())
	}
	return nil
}
