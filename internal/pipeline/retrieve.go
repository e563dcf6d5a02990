package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/papersources"
)

// retrieve runs every broad query against its source over the execution
// window and stages the results in one batch. Any failed query fails the
// stage; nothing is staged in that case.
func (p *Pipeline) retrieve(ctx context.Context, r *run) error {
	snap := r.exec.Snapshot
	queries := snap.Retrieval.Queries
	if len(queries) == 0 {
		return domain.NewConfigurationError("retrieval", "no queries configured")
	}

	maxResults := snap.Retrieval.MaxResultsPerQuery
	if maxResults <= 0 {
		maxResults = p.cfg.DefaultMaxResults
	}

	p.publisher.Publish(r.exec.ID, domain.StageRetrieval, fmt.Sprintf(
		"Searching %d queries from %s to %s",
		len(queries), r.exec.Window.Start.Format(domain.DateLayout), r.exec.Window.End.Format(domain.DateLayout)))

	var staged []*domain.Candidate
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return err
		}

		source, err := p.sources.Resolve(q.Source)
		if err != nil {
			return err
		}

		params := papersources.SearchParams{
			Query:            q.Expression,
			Window:           r.exec.Window,
			MaxResults:       maxResults,
			IncludeAbstracts: snap.Enrichment.IncludeAbstracts,
			IncludeMeSH:      snap.Enrichment.IncludeMeSH,
		}

		res, err := p.search(ctx, source, params)
		if err != nil {
			return fmt.Errorf("query group %q: %w", q.GroupID, err)
		}

		for _, a := range res.Articles {
			staged = append(staged, domain.NewCandidate(r.exec, q.GroupID, a))
		}
		p.metrics.RecordCandidatesStaged(source.Name(), len(res.Articles))

		r.logger.Info().
			Str("group_id", q.GroupID).
			Str("source", source.Name()).
			Int("articles", len(res.Articles)).
			Int("total_results", res.TotalResults).
			Bool("truncated", res.HasMore).
			Msg("query completed")

		p.publisher.Publish(r.exec.ID, domain.StageRetrieval, fmt.Sprintf(
			"Query %d/%d (%s): %d articles", i+1, len(queries), q.GroupID, len(res.Articles)))
	}

	if len(staged) > 0 {
		if err := p.candidates.StageBatch(ctx, staged); err != nil {
			return fmt.Errorf("failed to stage candidates: %w", err)
		}
	}

	p.publisher.Publish(r.exec.ID, domain.StageRetrieval, fmt.Sprintf("Retrieved %d candidates", len(staged)))
	return nil
}

// search calls the source under SearchTimeout and records request metrics.
func (p *Pipeline) search(ctx context.Context, source papersources.Source, params papersources.SearchParams) (*papersources.SearchResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.SearchTimeout)
	defer cancel()

	start := time.Now()
	res, err := source.Search(callCtx, params)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		p.metrics.RecordSourceRequestFailed(source.Name(), elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if callCtx.Err() != nil {
			return nil, domain.NewExternalServiceError(source.Name(), 0,
				fmt.Sprintf("search timed out after %s", p.cfg.SearchTimeout), err)
		}
		return nil, err
	}
	p.metrics.RecordSourceRequest(source.Name(), elapsed)
	return res, nil
}
