package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// ReportInput is the qualifying set handed to report assembly.
type ReportInput struct {
	Execution  *domain.Execution
	Name       string
	Candidates []*domain.Candidate
	Stats      domain.CoverageStats
}

// ReportRepository assembles and reads reports.
type ReportRepository interface {
	// Assemble persists a report and its ordered article list atomically.
	// Returns domain.ErrConflict if the execution already produced a report.
	Assemble(ctx context.Context, in ReportInput) (*domain.Report, error)

	// Get retrieves a report by ID.
	Get(ctx context.Context, id uuid.UUID) (*domain.Report, error)

	// SetHidden hides or restores a report. Hidden reports no longer take part
	// in historical deduplication.
	SetHidden(ctx context.Context, id uuid.UUID, hidden bool) error
}
