package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// CandidateRepository stages and mutates the candidate rows of an execution.
// Deduplication and inclusion are set-based statements over the whole
// execution, so every mutating method is safe to repeat.
type CandidateRepository interface {
	// StageBatch inserts candidates in a single round trip.
	StageBatch(ctx context.Context, candidates []*domain.Candidate) error

	// MarkIntraExecutionDuplicates flags candidates that share a normalized DOI,
	// or a source and external id, with an earlier candidate of the same execution.
	// Returns the number of newly flagged rows.
	MarkIntraExecutionDuplicates(ctx context.Context, executionID uuid.UUID) (int64, error)

	// MarkHistoricalDuplicates flags candidates already present in a prior,
	// non-hidden report of the same stream. Returns the number of newly flagged rows.
	MarkHistoricalDuplicates(ctx context.Context, executionID uuid.UUID) (int64, error)

	// ListForFiltering returns non-duplicate candidates that have not been evaluated.
	ListForFiltering(ctx context.Context, executionID uuid.UUID) ([]*domain.Candidate, error)

	// RecordFilterResults persists relevance evaluations keyed by candidate id.
	RecordFilterResults(ctx context.Context, results []domain.FilterResult) error

	// BypassFilter marks every unevaluated non-duplicate candidate as passed
	// without a score. Returns the number of rows marked.
	BypassFilter(ctx context.Context, executionID uuid.UUID) (int64, error)

	// ListForCategorization returns passed non-duplicate candidates without a category.
	ListForCategorization(ctx context.Context, executionID uuid.UUID) ([]*domain.Candidate, error)

	// RecordCategoryResults persists classifications keyed by candidate id.
	RecordCategoryResults(ctx context.Context, results []domain.CategoryResult) error

	// RefreshInclusion recomputes included_in_report for every candidate of the execution.
	RefreshInclusion(ctx context.Context, executionID uuid.UUID) (int64, error)

	// ListIncluded returns the qualifying set in staging order.
	ListIncluded(ctx context.Context, executionID uuid.UUID) ([]*domain.Candidate, error)

	// Stats computes coverage statistics for the execution.
	Stats(ctx context.Context, executionID uuid.UUID) (*domain.CoverageStats, error)

	// Get retrieves a candidate of an execution.
	// Returns domain.ErrNotFound if the candidate does not belong to the execution.
	Get(ctx context.Context, executionID, candidateID uuid.UUID) (*domain.Candidate, error)

	// SetCuration applies a curator override and recomputes inclusion.
	SetCuration(ctx context.Context, executionID, candidateID uuid.UUID, action domain.CurationAction) (*domain.Candidate, error)
}
