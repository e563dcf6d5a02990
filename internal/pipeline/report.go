package pipeline

import (
	"context"
	"fmt"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// report recomputes inclusion, hands the qualifying set to report assembly
// and links the report to the execution.
func (p *Pipeline) report(ctx context.Context, r *run) error {
	if _, err := p.candidates.RefreshInclusion(ctx, r.exec.ID); err != nil {
		return fmt.Errorf("failed to refresh inclusion: %w", err)
	}

	included, err := p.candidates.ListIncluded(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("failed to load qualifying set: %w", err)
	}

	stats, err := p.candidates.Stats(ctx, r.exec.ID)
	if err != nil {
		return fmt.Errorf("failed to compute coverage statistics: %w", err)
	}
	stats.FilterBypassed = r.bypassed

	if err := ctx.Err(); err != nil {
		return err
	}

	report, err := p.reports.Assemble(ctx, repository.ReportInput{
		Execution:  r.exec,
		Name:       ReportName(r.exec),
		Candidates: included,
		Stats:      *stats,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble report: %w", err)
	}

	if err := p.executions.SetReportID(ctx, r.exec.ID, report.ID); err != nil {
		return fmt.Errorf("failed to link report: %w", err)
	}

	r.logger.Info().
		Str("report_id", report.ID.String()).
		Int("retrieved", stats.Retrieved).
		Int("included", stats.Included).
		Bool("filter_bypassed", stats.FilterBypassed).
		Msg("report assembled")

	p.publisher.Publish(r.exec.ID, domain.StageReport, fmt.Sprintf("Report %q assembled with %d articles", report.Name, len(included)))
	r.result = &Result{Report: report, Stats: *stats}
	return nil
}

// ReportName returns the execution's report name override, or a name
// derived from its date window.
func ReportName(exec *domain.Execution) string {
	if exec.ReportName != "" {
		return exec.ReportName
	}
	start := exec.Window.Start.Format(domain.DateLayout)
	end := exec.Window.End.Format(domain.DateLayout)
	if start == end {
		return "Literature update " + start
	}
	return fmt.Sprintf("Literature update %s to %s", start, end)
}
