package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/llm"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// Filter outcome labels.
const (
	outcomePassed   = "passed"
	outcomeRejected = "rejected"
	outcomeError    = "error"
	outcomeBypassed = "bypassed"
)

// filter scores every unevaluated non-duplicate candidate against the
// snapshot's criteria. A failed evaluation is recorded on that candidate
// only and leaves it out of the report.
func (p *Pipeline) filter(ctx context.Context, r *run) error {
	cfg := r.exec.Snapshot.Retrieval.SemanticFilter
	if !cfg.Enabled {
		return p.bypassFilter(ctx, r)
	}

	candidates, err := p.candidates.ListForFiltering(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("failed to list candidates for filtering: %w", err)
	}
	if len(candidates) == 0 {
		p.publisher.Publish(r.exec.ID, domain.StageFilter, "No candidates to evaluate")
		return nil
	}

	evaluator, err := p.llm.For(r.exec.Snapshot.Model)
	if err != nil {
		return err
	}

	p.publisher.Publish(r.exec.ID, domain.StageFilter, fmt.Sprintf("Evaluating relevance of %d candidates", len(candidates)))

	results := make([]domain.FilterResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut(p.cfg.FilterConcurrency))

	for i, c := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			req := llm.BuildFilterPrompt(cfg.Criteria, c, r.exec.Snapshot.Enrichment)
			applyModel(&req, r.exec.Snapshot.Model)

			answer, err := evaluator.Evaluate(gctx, req)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				candLogger := observability.WithCandidateContext(r.logger, c.ID.String(), c.ExternalID)
				candLogger.Warn().
					Err(err).
					Msg("relevance evaluation failed")
				results[i] = domain.FilterResult{CandidateID: c.ID, Err: err.Error()}
				return nil
			}

			score := answer.Score()
			results[i] = domain.FilterResult{
				CandidateID: c.ID,
				Passed:      score >= cfg.Threshold,
				Score:       score,
				Reasoning:   answer.Reasoning,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.candidates.RecordFilterResults(ctx, results); err != nil {
		return fmt.Errorf("failed to record filter results: %w", err)
	}

	var passed, rejected, failed int
	for _, res := range results {
		switch {
		case res.Err != "":
			failed++
		case res.Passed:
			passed++
		default:
			rejected++
		}
	}
	p.metrics.RecordFilterOutcome(outcomePassed, passed)
	p.metrics.RecordFilterOutcome(outcomeRejected, rejected)
	p.metrics.RecordFilterOutcome(outcomeError, failed)

	r.logger.Info().
		Int("passed", passed).
		Int("rejected", rejected).
		Int("errors", failed).
		Float64("threshold", cfg.Threshold).
		Msg("semantic filter completed")

	p.publisher.Publish(r.exec.ID, domain.StageFilter, fmt.Sprintf(
		"%d passed, %d rejected, %d failed", passed, rejected, failed))
	return nil
}

// bypassFilter marks every remaining non-duplicate candidate as passed.
// No score or reasoning is stored for these rows.
func (p *Pipeline) bypassFilter(ctx context.Context, r *run) error {
	n, err := p.candidates.BypassFilter(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("failed to bypass semantic filter: %w", err)
	}
	r.bypassed = true
	p.metrics.RecordFilterOutcome(outcomeBypassed, int(n))

	r.logger.Warn().
		Int64("candidates", n).
		Msg("semantic filter disabled: candidates marked passed without score or reasoning")

	p.publisher.Publish(r.exec.ID, domain.StageFilter, fmt.Sprintf("Semantic filter disabled, %d candidates passed", n))
	return nil
}
