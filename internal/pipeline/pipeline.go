// Package pipeline runs the article processing stages of one execution:
// retrieval, deduplication, semantic filtering, categorization and report
// handoff.
//
// Every stage reads and writes the execution's candidate rows through the
// candidate store, so a stage only depends on what the previous stage
// persisted. The pipeline never changes the execution's status; that is the
// dispatcher's job.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/llm"
	"github.com/helixir/literature-monitor-service/internal/observability"
	"github.com/helixir/literature-monitor-service/internal/papersources"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// MaxConcurrency caps concurrent LLM calls within a single stage.
const MaxConcurrency = 50

// Publisher receives progress messages for live subscribers.
type Publisher interface {
	Publish(executionID uuid.UUID, stage, message string)
}

// SourceResolver maps a query's source name to a literature source.
type SourceResolver interface {
	Resolve(name string) (papersources.Source, error)
}

// EvaluatorProvider returns the LLM evaluator for a snapshot's model selection.
type EvaluatorProvider interface {
	For(model domain.ModelConfig) (llm.Evaluator, error)
}

// Config holds pipeline tuning.
type Config struct {
	// FilterConcurrency bounds concurrent relevance evaluations (capped at MaxConcurrency).
	FilterConcurrency int
	// CategorizeConcurrency bounds concurrent classifications (capped at MaxConcurrency).
	CategorizeConcurrency int
	// SearchTimeout bounds a single source search, retries included.
	SearchTimeout time.Duration
	// DefaultMaxResults applies when a snapshot does not cap results per query.
	DefaultMaxResults int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		FilterConcurrency:     MaxConcurrency,
		CategorizeConcurrency: MaxConcurrency,
		SearchTimeout:         5 * time.Minute,
		DefaultMaxResults:     500,
	}
}

// Deps are the collaborators of a Pipeline. Metrics may be nil.
type Deps struct {
	Candidates repository.CandidateRepository
	Reports    repository.ReportRepository
	Executions repository.ExecutionRepository
	Sources    SourceResolver
	LLM        EvaluatorProvider
	Publisher  Publisher
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// Result is the outcome of a successful run.
type Result struct {
	Report *domain.Report
	Stats  domain.CoverageStats
}

// Pipeline executes the article processing stages for an execution.
type Pipeline struct {
	cfg        Config
	candidates repository.CandidateRepository
	reports    repository.ReportRepository
	executions repository.ExecutionRepository
	sources    SourceResolver
	llm        EvaluatorProvider
	publisher  Publisher
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// New creates a Pipeline. Zero config values fall back to DefaultConfig.
func New(cfg Config, deps Deps) *Pipeline {
	def := DefaultConfig()
	if cfg.FilterConcurrency <= 0 {
		cfg.FilterConcurrency = def.FilterConcurrency
	}
	if cfg.CategorizeConcurrency <= 0 {
		cfg.CategorizeConcurrency = def.CategorizeConcurrency
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = def.SearchTimeout
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = def.DefaultMaxResults
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = discard{}
	}
	return &Pipeline{
		cfg:        cfg,
		candidates: deps.Candidates,
		reports:    deps.Reports,
		executions: deps.Executions,
		sources:    deps.Sources,
		llm:        deps.LLM,
		publisher:  publisher,
		metrics:    deps.Metrics,
		logger:     observability.WithComponent(deps.Logger, "pipeline"),
	}
}

// run carries per-execution state between stages.
type run struct {
	exec     *domain.Execution
	logger   zerolog.Logger
	bypassed bool
	result   *Result
}

type stage struct {
	name string
	fn   func(ctx context.Context, r *run) error
}

// Run executes every stage in order for exec. Context cancellation is
// checked between stages and before each external call; a cancelled run
// returns an error satisfying errors.Is(err, context.Canceled).
func (p *Pipeline) Run(ctx context.Context, exec *domain.Execution) (*Result, error) {
	if exec == nil {
		return nil, domain.NewValidationError("execution", "execution is required")
	}

	r := &run{
		exec:   exec,
		logger: observability.WithExecutionContext(p.logger, exec.ID.String(), exec.StreamID.String(), string(exec.RunType)),
	}

	stages := []stage{
		{domain.StageRetrieval, p.retrieve},
		{domain.StageDedup, p.dedup},
		{domain.StageFilter, p.filter},
		{domain.StageCategorize, p.categorize},
		{domain.StageReport, p.report},
	}

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger := observability.WithStageContext(r.logger, s.name)
		logger.Debug().Msg("stage started")

		start := time.Now()
		err := s.fn(ctx, r)
		p.metrics.RecordStage(s.name, time.Since(start).Seconds())
		if err != nil {
			return nil, fmt.Errorf("%s stage: %w", s.name, err)
		}

		logger.Debug().Dur("duration", time.Since(start)).Msg("stage finished")
	}

	return r.result, nil
}

// fanOut clamps a configured concurrency to [1, MaxConcurrency].
func fanOut(n int) int {
	return min(max(n, 1), MaxConcurrency)
}

// applyModel copies the snapshot's model overrides onto a request.
func applyModel(req *llm.Request, model domain.ModelConfig) {
	req.Model = model.Model
	if model.Temperature > 0 {
		t := model.Temperature
		req.Temperature = &t
	}
}

type discard struct{}

func (discard) Publish(uuid.UUID, string, string) {}
