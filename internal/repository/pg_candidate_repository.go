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

var _ CandidateRepository = (*PgCandidateRepository)(nil)

// PgCandidateRepository is a PostgreSQL implementation of CandidateRepository.
type PgCandidateRepository struct {
	db DBTX
}

// NewPgCandidateRepository creates a new PostgreSQL candidate repository.
func NewPgCandidateRepository(db DBTX) *PgCandidateRepository {
	return &PgCandidateRepository{db: db}
}

const candidateColumns = `
		id, execution_id, stream_id, retrieval_group_id,
		source, external_id, doi, title, abstract, authors,
		journal, publication_date, url, raw_metadata,
		is_duplicate, duplicate_of, duplicate_reason,
		passed_semantic_filter, filter_score, filter_reasoning, filter_error,
		category_id, category_error,
		curator_included, curator_excluded, included_in_report,
		created_at, updated_at`

// inclusionExpr is the SQL form of domain.ComputeInclusion over the row's own columns.
const inclusionExpr = `CASE
			WHEN curator_included THEN TRUE
			WHEN curator_excluded THEN FALSE
			ELSE COALESCE(passed_semantic_filter, FALSE) AND NOT is_duplicate
		END`

// StageBatch inserts candidates using pgx.Batch so a whole retrieval result
// is staged in one network round trip.
func (r *PgCandidateRepository) StageBatch(ctx context.Context, candidates []*domain.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	for i, c := range candidates {
		if c == nil {
			return domain.NewValidationError("candidate", fmt.Sprintf("candidate at index %d is nil", i))
		}
		if c.ExecutionID == uuid.Nil || c.StreamID == uuid.Nil {
			return domain.NewValidationError("candidate", fmt.Sprintf("candidate at index %d has no execution or stream", i))
		}
	}

	query := `
		INSERT INTO candidates (
			id, execution_id, stream_id, retrieval_group_id,
			source, external_id, doi, title, abstract, authors,
			journal, publication_date, url, raw_metadata,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)`

	// Successive created_at values keep staging order stable for first-seen dedup.
	base := time.Now().UTC()
	batch := &pgx.Batch{}

	for i, c := range candidates {
		authors := c.Authors
		if authors == nil {
			authors = []domain.Author{}
		}
		authorsJSON, err := json.Marshal(authors)
		if err != nil {
			return fmt.Errorf("failed to marshal authors: %w", err)
		}

		var metadataJSON []byte
		if c.RawMetadata != nil {
			metadataJSON, err = json.Marshal(c.RawMetadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
		}

		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.CreatedAt = base.Add(time.Duration(i) * time.Microsecond)
		c.UpdatedAt = c.CreatedAt

		batch.Queue(query,
			c.ID, c.ExecutionID, c.StreamID, c.RetrievalGroupID,
			c.Source, c.ExternalID, c.DOI, c.Title, c.Abstract, authorsJSON,
			c.Journal, c.PublicationDate, c.URL, metadataJSON,
			c.CreatedAt, c.UpdatedAt,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range candidates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to stage candidate at index %d: %w", i, err)
		}
	}

	return nil
}

// MarkIntraExecutionDuplicates runs two window-function passes: first over the
// normalized DOI, then over source and external id. Within each partition the
// earliest staged row is kept and the rest point at it.
func (r *PgCandidateRepository) MarkIntraExecutionDuplicates(ctx context.Context, executionID uuid.UUID) (int64, error) {
	byDOI := `
		WITH ranked AS (
			SELECT id, first_value(id) OVER (PARTITION BY doi ORDER BY created_at, id) AS first_id
			FROM candidates
			WHERE execution_id = $1 AND doi <> ''
		)
		UPDATE candidates c SET
			is_duplicate = TRUE,
			duplicate_of = ranked.first_id,
			duplicate_reason = 'intra_execution',
			updated_at = NOW()
		FROM ranked
		WHERE c.id = ranked.id AND ranked.id <> ranked.first_id AND NOT c.is_duplicate`

	byExternalID := `
		WITH ranked AS (
			SELECT id, first_value(id) OVER (PARTITION BY source, external_id ORDER BY created_at, id) AS first_id
			FROM candidates
			WHERE execution_id = $1 AND external_id <> ''
		)
		UPDATE candidates c SET
			is_duplicate = TRUE,
			duplicate_of = ranked.first_id,
			duplicate_reason = 'intra_execution',
			updated_at = NOW()
		FROM ranked
		WHERE c.id = ranked.id AND ranked.id <> ranked.first_id AND NOT c.is_duplicate`

	var total int64
	for _, q := range []string{byDOI, byExternalID} {
		result, err := r.db.Exec(ctx, q, executionID)
		if err != nil {
			return total, fmt.Errorf("failed to mark intra-execution duplicates: %w", err)
		}
		total += result.RowsAffected()
	}
	return total, nil
}

// MarkHistoricalDuplicates joins the execution's remaining candidates against
// candidates of other executions of the same stream that appear in a visible report.
func (r *PgCandidateRepository) MarkHistoricalDuplicates(ctx context.Context, executionID uuid.UUID) (int64, error) {
	query := `
		UPDATE candidates c SET
			is_duplicate = TRUE,
			duplicate_of = prior.prior_id,
			duplicate_reason = 'historical',
			updated_at = NOW()
		FROM (
			SELECT DISTINCT ON (cur.id) cur.id AS candidate_id, p.id AS prior_id
			FROM candidates cur
			JOIN candidates p
				ON p.stream_id = cur.stream_id
				AND p.execution_id <> cur.execution_id
				AND (
					(cur.doi <> '' AND p.doi = cur.doi)
					OR (cur.external_id <> '' AND p.source = cur.source AND p.external_id = cur.external_id)
				)
			JOIN report_articles ra ON ra.candidate_id = p.id
			JOIN reports rep ON rep.id = ra.report_id AND rep.stream_id = cur.stream_id AND NOT rep.is_hidden
			WHERE cur.execution_id = $1 AND NOT cur.is_duplicate
			ORDER BY cur.id, rep.created_at DESC
		) prior
		WHERE c.id = prior.candidate_id AND NOT c.is_duplicate`

	result, err := r.db.Exec(ctx, query, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark historical duplicates: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListForFiltering returns non-duplicate, unevaluated candidates.
func (r *PgCandidateRepository) ListForFiltering(ctx context.Context, executionID uuid.UUID) ([]*domain.Candidate, error) {
	query := `SELECT ` + candidateColumns + `
		FROM candidates
		WHERE execution_id = $1 AND NOT is_duplicate AND passed_semantic_filter IS NULL
		ORDER BY created_at, id`

	return r.queryCandidates(ctx, query, executionID)
}

// RecordFilterResults writes evaluations in one batch. Failed evaluations only
// set filter_error and leave the candidate unevaluated.
func (r *PgCandidateRepository) RecordFilterResults(ctx context.Context, results []domain.FilterResult) error {
	if len(results) == 0 {
		return nil
	}

	scored := `
		UPDATE candidates SET
			passed_semantic_filter = $2,
			filter_score = $3,
			filter_reasoning = $4,
			filter_error = NULL,
			updated_at = NOW()
		WHERE id = $1`

	failed := `
		UPDATE candidates SET
			filter_error = $2,
			updated_at = NOW()
		WHERE id = $1`

	batch := &pgx.Batch{}
	for _, res := range results {
		if res.Err != "" {
			batch.Queue(failed, res.CandidateID, res.Err)
			continue
		}
		batch.Queue(scored, res.CandidateID, res.Passed, res.Score, nullString(res.Reasoning))
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, res := range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to record filter result for candidate %s: %w", res.CandidateID, err)
		}
	}
	return nil
}

// BypassFilter marks remaining non-duplicates as passed. No score or reasoning
// is recorded for bypassed rows.
func (r *PgCandidateRepository) BypassFilter(ctx context.Context, executionID uuid.UUID) (int64, error) {
	query := `
		UPDATE candidates SET
			passed_semantic_filter = TRUE,
			updated_at = NOW()
		WHERE execution_id = $1 AND NOT is_duplicate AND passed_semantic_filter IS NULL`

	result, err := r.db.Exec(ctx, query, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to bypass semantic filter: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListForCategorization returns passed non-duplicates without a category.
func (r *PgCandidateRepository) ListForCategorization(ctx context.Context, executionID uuid.UUID) ([]*domain.Candidate, error) {
	query := `SELECT ` + candidateColumns + `
		FROM candidates
		WHERE execution_id = $1 AND NOT is_duplicate AND passed_semantic_filter AND category_id IS NULL
		ORDER BY created_at, id`

	return r.queryCandidates(ctx, query, executionID)
}

// RecordCategoryResults writes classifications in one batch. An empty category
// is stored as domain.CategoryNone.
func (r *PgCandidateRepository) RecordCategoryResults(ctx context.Context, results []domain.CategoryResult) error {
	if len(results) == 0 {
		return nil
	}

	assigned := `
		UPDATE candidates SET
			category_id = $2,
			category_error = NULL,
			updated_at = NOW()
		WHERE id = $1`

	failed := `
		UPDATE candidates SET
			category_error = $2,
			updated_at = NOW()
		WHERE id = $1`

	batch := &pgx.Batch{}
	for _, res := range results {
		if res.Err != "" {
			batch.Queue(failed, res.CandidateID, res.Err)
			continue
		}
		category := res.CategoryID
		if category == "" {
			category = domain.CategoryNone
		}
		batch.Queue(assigned, res.CandidateID, category)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, res := range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to record category for candidate %s: %w", res.CandidateID, err)
		}
	}
	return nil
}

// RefreshInclusion recomputes included_in_report for the execution.
func (r *PgCandidateRepository) RefreshInclusion(ctx context.Context, executionID uuid.UUID) (int64, error) {
	query := `
		UPDATE candidates SET
			included_in_report = ` + inclusionExpr + `,
			updated_at = NOW()
		WHERE execution_id = $1`

	result, err := r.db.Exec(ctx, query, executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh inclusion: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListIncluded returns the qualifying set in staging order.
func (r *PgCandidateRepository) ListIncluded(ctx context.Context, executionID uuid.UUID) ([]*domain.Candidate, error) {
	query := `SELECT ` + candidateColumns + `
		FROM candidates
		WHERE execution_id = $1 AND included_in_report
		ORDER BY created_at, id`

	return r.queryCandidates(ctx, query, executionID)
}

// Stats computes coverage statistics. ByCategory counts included candidates,
// ByGroup counts retrieved candidates per broad query.
func (r *PgCandidateRepository) Stats(ctx context.Context, executionID uuid.UUID) (*domain.CoverageStats, error) {
	totals := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE duplicate_reason = 'intra_execution'),
			COUNT(*) FILTER (WHERE duplicate_reason = 'historical'),
			COUNT(*) FILTER (WHERE NOT is_duplicate AND passed_semantic_filter IS NOT NULL),
			COUNT(*) FILTER (WHERE NOT is_duplicate AND passed_semantic_filter),
			COUNT(*) FILTER (WHERE NOT is_duplicate AND NOT passed_semantic_filter),
			COUNT(*) FILTER (WHERE filter_error IS NOT NULL),
			COUNT(*) FILTER (WHERE included_in_report)
		FROM candidates
		WHERE execution_id = $1`

	stats := &domain.CoverageStats{
		ByCategory: make(map[string]int),
		ByGroup:    make(map[string]int),
	}
	err := r.db.QueryRow(ctx, totals, executionID).Scan(
		&stats.Retrieved, &stats.IntraDuplicates, &stats.HistoricalDuplicates,
		&stats.Evaluated, &stats.Passed, &stats.Rejected, &stats.FilterErrors, &stats.Included,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute coverage totals: %w", err)
	}

	byCategory := `
		SELECT COALESCE(category_id, '` + domain.CategoryNone + `'), COUNT(*)
		FROM candidates
		WHERE execution_id = $1 AND included_in_report
		GROUP BY 1`
	if err := r.countInto(ctx, byCategory, executionID, stats.ByCategory); err != nil {
		return nil, fmt.Errorf("failed to count by category: %w", err)
	}

	byGroup := `
		SELECT retrieval_group_id, COUNT(*)
		FROM candidates
		WHERE execution_id = $1
		GROUP BY 1`
	if err := r.countInto(ctx, byGroup, executionID, stats.ByGroup); err != nil {
		return nil, fmt.Errorf("failed to count by group: %w", err)
	}

	return stats, nil
}

// Get retrieves a candidate scoped to its execution.
func (r *PgCandidateRepository) Get(ctx context.Context, executionID, candidateID uuid.UUID) (*domain.Candidate, error) {
	query := `SELECT ` + candidateColumns + `
		FROM candidates
		WHERE id = $1 AND execution_id = $2`

	c, err := scanCandidate(r.db.QueryRow(ctx, query, candidateID, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("candidate", candidateID.String())
		}
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}
	return c, nil
}

// SetCuration applies a curator override. The inclusion CASE reads the new
// flags from parameters since SET expressions see the pre-update row.
func (r *PgCandidateRepository) SetCuration(ctx context.Context, executionID, candidateID uuid.UUID, action domain.CurationAction) (*domain.Candidate, error) {
	included, excluded, err := action.Flags()
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE candidates SET
			curator_included = $3,
			curator_excluded = $4,
			included_in_report = CASE
				WHEN $3 THEN TRUE
				WHEN $4 THEN FALSE
				ELSE COALESCE(passed_semantic_filter, FALSE) AND NOT is_duplicate
			END,
			updated_at = NOW()
		WHERE id = $1 AND execution_id = $2
		RETURNING ` + candidateColumns

	c, err := scanCandidate(r.db.QueryRow(ctx, query, candidateID, executionID, included, excluded))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("candidate", candidateID.String())
		}
		return nil, fmt.Errorf("failed to apply curation: %w", err)
	}
	return c, nil
}

func (r *PgCandidateRepository) countInto(ctx context.Context, query string, executionID uuid.UUID, into map[string]int) error {
	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func (r *PgCandidateRepository) queryCandidates(ctx context.Context, query string, args ...interface{}) ([]*domain.Candidate, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}

	return candidates, nil
}

// candidateScanDest holds the destination pointers for scanning a candidate row.
type candidateScanDest struct {
	c            domain.Candidate
	authorsJSON  []byte
	metadataJSON []byte
}

func (d *candidateScanDest) destinations() []interface{} {
	return []interface{}{
		&d.c.ID, &d.c.ExecutionID, &d.c.StreamID, &d.c.RetrievalGroupID,
		&d.c.Source, &d.c.ExternalID, &d.c.DOI, &d.c.Title, &d.c.Abstract, &d.authorsJSON,
		&d.c.Journal, &d.c.PublicationDate, &d.c.URL, &d.metadataJSON,
		&d.c.IsDuplicate, &d.c.DuplicateOf, &d.c.DuplicateReason,
		&d.c.PassedSemanticFilter, &d.c.FilterScore, &d.c.FilterReasoning, &d.c.FilterError,
		&d.c.CategoryID, &d.c.CategoryError,
		&d.c.CuratorIncluded, &d.c.CuratorExcluded, &d.c.IncludedInReport,
		&d.c.CreatedAt, &d.c.UpdatedAt,
	}
}

func (d *candidateScanDest) finalize() (*domain.Candidate, error) {
	if len(d.authorsJSON) > 0 {
		if err := json.Unmarshal(d.authorsJSON, &d.c.Authors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authors: %w", err)
		}
	}
	if len(d.metadataJSON) > 0 {
		if err := json.Unmarshal(d.metadataJSON, &d.c.RawMetadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &d.c, nil
}

func scanCandidate(row pgx.Row) (*domain.Candidate, error) {
	var dest candidateScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
