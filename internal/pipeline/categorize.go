package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/llm"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// categorize assigns each passed candidate at most one category of the
// stream's taxonomy. Streams without categories skip the stage.
func (p *Pipeline) categorize(ctx context.Context, r *run) error {
	categories := r.exec.Snapshot.Presentation.Categories
	if len(categories) == 0 {
		p.publisher.Publish(r.exec.ID, domain.StageCategorize, "No categories configured")
		return nil
	}

	candidates, err := p.candidates.ListForCategorization(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("failed to list candidates for categorization: %w", err)
	}
	if len(candidates) == 0 {
		p.publisher.Publish(r.exec.ID, domain.StageCategorize, "No candidates to categorize")
		return nil
	}

	evaluator, err := p.llm.For(r.exec.Snapshot.Model)
	if err != nil {
		return err
	}

	p.publisher.Publish(r.exec.ID, domain.StageCategorize, fmt.Sprintf("Categorizing %d candidates", len(candidates)))

	instructions := r.exec.Snapshot.Analysis.Instructions
	results := make([]domain.CategoryResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut(p.cfg.CategorizeConcurrency))

	for i, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			req := llm.BuildCategorizePrompt(categories, instructions, c, r.exec.Snapshot.Enrichment)
			applyModel(&req, r.exec.Snapshot.Model)

			answer, err := evaluator.Evaluate(gctx, req)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				candLogger := observability.WithCandidateContext(r.logger, c.ID.String(), c.ExternalID)
				candLogger.Warn().
					Err(err).
					Msg("categorization failed")
				results[i] = domain.CategoryResult{CandidateID: c.ID, Err: err.Error()}
				return nil
			}

			id := llm.ResolveCategory(categories, answer)
			if id == domain.CategoryNone {
				id = ""
			}
			results[i] = domain.CategoryResult{CandidateID: c.ID, CategoryID: id}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.candidates.RecordCategoryResults(ctx, results); err != nil {
		return fmt.Errorf("failed to record category results: %w", err)
	}

	var assigned, uncategorized, failed int
	for _, res := range results {
		switch {
		case res.Err != "":
			failed++
		case res.CategoryID == "":
			uncategorized++
		default:
			assigned++
		}
	}
	p.metrics.RecordCategoryOutcome("assigned", assigned)
	p.metrics.RecordCategoryOutcome(domain.CategoryNone, uncategorized)
	p.metrics.RecordCategoryOutcome(outcomeError, failed)

	r.logger.Info().
		Int("assigned", assigned).
		Int("uncategorized", uncategorized).
		Int("errors", failed).
		Msg("categorization completed")

	p.publisher.Publish(r.exec.ID, domain.StageCategorize, fmt.Sprintf(
		"%d categorized, %d uncategorized, %d failed", assigned, uncategorized, failed))
	return nil
}
