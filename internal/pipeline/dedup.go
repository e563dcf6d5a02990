package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// dedup flags duplicates within the execution first, then against prior
// reports of the stream. Both passes are set-based and safe to repeat.
func (p *Pipeline) dedup(ctx context.Context, r *run) error {
	intra, err := p.candidates.MarkIntraExecutionDuplicates(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("intra-execution deduplication: %w", err)
	}
	p.metrics.RecordDuplicates(string(domain.DuplicateIntraExecution), intra)

	if err := ctx.Err(); err != nil {
		return err
	}

	historical, err := p.candidates.MarkHistoricalDuplicates(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("historical deduplication: %w", err)
	}
	p.metrics.RecordDuplicates(string(domain.DuplicateHistorical), historical)

	r.logger.Info().
		Int64("intra_execution", intra).
		Int64("historical", historical).
		Msg("deduplication completed")

	p.publisher.Publish(r.exec.ID, domain.StageDedup, fmt.Sprintf(
		"Removed %d duplicates (%d within run, %d previously reported)", intra+historical, intra, historical))
	return nil
}
