package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

var candidateColumnNames = []string{
	"id", "execution_id", "stream_id", "retrieval_group_id",
	"source", "external_id", "doi", "title", "abstract", "authors",
	"journal", "publication_date", "url", "raw_metadata",
	"is_duplicate", "duplicate_of", "duplicate_reason",
	"passed_semantic_filter", "filter_score", "filter_reasoning", "filter_error",
	"category_id", "category_error",
	"curator_included", "curator_excluded", "included_in_report",
	"created_at", "updated_at",
}

func newTestCandidate(exec *domain.Execution) *domain.Candidate {
	pub := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return domain.NewCandidate(exec, "g1", &domain.Article{
		Source:          "pubmed",
		ExternalID:      "38000001",
		DOI:             "https://doi.org/10.1000/ABC.1",
		Title:           "Off-target effects of base editors in primary T cells",
		Abstract:        "We profile off-target editing...",
		Authors:         []domain.Author{{Name: "Ada Lovelace"}},
		Journal:         "Nature Biotechnology",
		PublicationDate: &pub,
		URL:             "https://pubmed.ncbi.nlm.nih.gov/38000001/",
		RawMetadata:     map[string]any{"pmid": "38000001"},
	})
}

func candidateRows(t *testing.T, cands ...*domain.Candidate) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows(candidateColumnNames)
	for _, c := range cands {
		authorsJSON, err := json.Marshal(c.Authors)
		require.NoError(t, err)
		metadataJSON, err := json.Marshal(c.RawMetadata)
		require.NoError(t, err)
		rows.AddRow(
			c.ID, c.ExecutionID, c.StreamID, c.RetrievalGroupID,
			c.Source, c.ExternalID, c.DOI, c.Title, c.Abstract, authorsJSON,
			c.Journal, c.PublicationDate, c.URL, metadataJSON,
			c.IsDuplicate, c.DuplicateOf, c.DuplicateReason,
			c.PassedSemanticFilter, c.FilterScore, c.FilterReasoning, c.FilterError,
			c.CategoryID, c.CategoryError,
			c.CuratorIncluded, c.CuratorExcluded, c.IncludedInReport,
			c.CreatedAt, c.UpdatedAt,
		)
	}
	return rows
}

func TestPgCandidateRepository_StageBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("empty batch is a no-op", func(t *testing.T) {
		repo := NewPgCandidateRepository(nil)
		assert.NoError(t, repo.StageBatch(ctx, nil))
	})

	t.Run("rejects nil candidate", func(t *testing.T) {
		repo := NewPgCandidateRepository(nil)
		err := repo.StageBatch(ctx, []*domain.Candidate{nil})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("rejects candidate without execution", func(t *testing.T) {
		repo := NewPgCandidateRepository(nil)
		c := newTestCandidate(newTestExecution())
		c.ExecutionID = uuid.Nil
		err := repo.StageBatch(ctx, []*domain.Candidate{c})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestPgCandidateRepository_MarkIntraExecutionDuplicates(t *testing.T) {
	ctx := context.Background()

	t.Run("sums both passes", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCandidateRepository(mock)
		execID := uuid.New()

		mock.ExpectExec("PARTITION BY doi").
			WithArgs(execID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 2))
		mock.ExpectExec("PARTITION BY source, external_id").
			WithArgs(execID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		n, err := repo.MarkIntraExecutionDuplicates(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("propagates error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCandidateRepository(mock)

		mock.ExpectExec("PARTITION BY doi").
			WillReturnError(errors.New("connection reset"))

		_, err = repo.MarkIntraExecutionDuplicates(ctx, uuid.New())
		assert.Error(t, err)
	})
}

func TestPgCandidateRepository_MarkHistoricalDuplicates(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgCandidateRepository(mock)
	execID := uuid.New()

	mock.ExpectExec("duplicate_reason = 'historical'.*JOIN report_articles.*NOT rep.is_hidden").
		WithArgs(execID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.MarkHistoricalDuplicates(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCandidateRepository_ListForFiltering(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgCandidateRepository(mock)
	exec := newTestExecution()
	c := newTestCandidate(exec)

	mock.ExpectQuery("NOT is_duplicate AND passed_semantic_filter IS NULL").
		WithArgs(exec.ID).
		WillReturnRows(candidateRows(t, c))

	got, err := repo.ListForFiltering(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].ID)
	assert.Equal(t, "10.1000/abc.1", got[0].DOI)
	assert.Equal(t, c.Authors, got[0].Authors)
	assert.Nil(t, got[0].PassedSemanticFilter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCandidateRepository_BypassFilter(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgCandidateRepository(mock)
	execID := uuid.New()

	mock.ExpectExec("SET\\s+passed_semantic_filter = TRUE").
		WithArgs(execID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 42))

	n, err := repo.BypassFilter(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCandidateRepository_RecordResultsEmpty(t *testing.T) {
	repo := NewPgCandidateRepository(nil)
	assert.NoError(t, repo.RecordFilterResults(context.Background(), nil))
	assert.NoError(t, repo.RecordCategoryResults(context.Background(), nil))
}

func TestPgCandidateRepository_RefreshInclusion(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgCandidateRepository(mock)
	execID := uuid.New()

	mock.ExpectExec("included_in_report = CASE\\s+WHEN curator_included THEN TRUE\\s+WHEN curator_excluded THEN FALSE").
		WithArgs(execID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 10))

	n, err := repo.RefreshInclusion(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCandidateRepository_Stats(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgCandidateRepository(mock)
	execID := uuid.New()

	mock.ExpectQuery("SELECT\\s+COUNT\\(\\*\\)").
		WithArgs(execID).
		WillReturnRows(pgxmock.NewRows([]string{"a", "b", "c", "d", "e", "f", "g", "h"}).
			AddRow(100, 2, 3, 95, 40, 55, 1, 41))
	mock.ExpectQuery("COALESCE\\(category_id, 'none'\\)").
		WithArgs(execID).
		WillReturnRows(pgxmock.NewRows([]string{"category", "count"}).
			AddRow("clinical", 30).
			AddRow("none", 11))
	mock.ExpectQuery("SELECT retrieval_group_id, COUNT").
		WithArgs(execID).
		WillReturnRows(pgxmock.NewRows([]string{"group", "count"}).
			AddRow("g1", 60).
			AddRow("g2", 40))

	stats, err := repo.Stats(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Retrieved)
	assert.Equal(t, 2, stats.IntraDuplicates)
	assert.Equal(t, 3, stats.HistoricalDuplicates)
	assert.Equal(t, 95, stats.Evaluated)
	assert.Equal(t, 40, stats.Passed)
	assert.Equal(t, 55, stats.Rejected)
	assert.Equal(t, 1, stats.FilterErrors)
	assert.Equal(t, 41, stats.Included)
	assert.Equal(t, map[string]int{"clinical": 30, "none": 11}, stats.ByCategory)
	assert.Equal(t, map[string]int{"g1": 60, "g2": 40}, stats.ByGroup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCandidateRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("scoped to execution", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCandidateRepository(mock)
		exec := newTestExecution()
		c := newTestCandidate(exec)

		mock.ExpectQuery("FROM candidates\\s+WHERE id = \\$1 AND execution_id = \\$2").
			WithArgs(c.ID, exec.ID).
			WillReturnRows(candidateRows(t, c))

		got, err := repo.Get(ctx, exec.ID, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCandidateRepository(mock)
		mock.ExpectQuery("FROM candidates").WillReturnError(pgx.ErrNoRows)

		_, err = repo.Get(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPgCandidateRepository_SetCuration(t *testing.T) {
	ctx := context.Background()

	t.Run("include forces inclusion", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCandidateRepository(mock)
		exec := newTestExecution()
		c := newTestCandidate(exec)
		c.CuratorIncluded = true
		c.IncludedInReport = true

		mock.ExpectQuery("UPDATE candidates SET\\s+curator_included = \\$3,\\s+curator_excluded = \\$4").
			WithArgs(c.ID, exec.ID, true, false).
			WillReturnRows(candidateRows(t, c))

		got, err := repo.SetCuration(ctx, exec.ID, c.ID, domain.CurationInclude)
		require.NoError(t, err)
		assert.True(t, got.CuratorIncluded)
		assert.True(t, got.IncludedInReport)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown action", func(t *testing.T) {
		repo := NewPgCandidateRepository(nil)
		_, err := repo.SetCuration(ctx, uuid.New(), uuid.New(), "promote")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("candidate of another execution", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgCandidateRepository(mock)
		mock.ExpectQuery("UPDATE candidates SET").WillReturnError(pgx.ErrNoRows)

		_, err = repo.SetCuration(ctx, uuid.New(), uuid.New(), domain.CurationClear)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
