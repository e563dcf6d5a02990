// Package scheduler discovers due work and runs it as concurrent jobs.
//
// A single loop goroutine polls for pending executions and due streams,
// starts at most MaxConcurrentJobs jobs at once and reaps finished ones.
// The loop is woken early when a run is triggered over HTTP.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// drainTimeout bounds the wait for cancelled jobs to record their failure
// after the shutdown timeout has elapsed.
const drainTimeout = 5 * time.Second

// Config holds scheduler loop settings.
type Config struct {
	PollInterval       time.Duration
	MaxConcurrentJobs  int
	UnhealthyThreshold int
	ShutdownTimeout    time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       30 * time.Second,
		MaxConcurrentJobs:  4,
		UnhealthyThreshold: 5,
		ShutdownTimeout:    2 * time.Minute,
	}
}

// Scheduler is the polling loop.
type Scheduler struct {
	cfg        Config
	state      *WorkerState
	discovery  *Discovery
	dispatcher *Dispatcher
	executions repository.ExecutionRepository
	streams    repository.StreamRepository
	publisher  Publisher
	metrics    *observability.Metrics
	logger     zerolog.Logger

	healthy           atomic.Bool
	consecutiveErrors int

	jobsMu  sync.Mutex
	jobsCtx context.Context
}

// Deps are the collaborators of a Scheduler. Metrics may be nil.
type Deps struct {
	State      *WorkerState
	Dispatcher *Dispatcher
	Executions repository.ExecutionRepository
	Streams    repository.StreamRepository
	Publisher  Publisher
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// New creates a Scheduler. Zero config values fall back to DefaultConfig.
func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	state := deps.State
	if state == nil {
		state = NewWorkerState()
	}

	s := &Scheduler{
		cfg:        cfg,
		state:      state,
		discovery:  NewDiscovery(deps.Executions, deps.Streams, state),
		dispatcher: deps.Dispatcher,
		executions: deps.Executions,
		streams:    deps.Streams,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     observability.WithComponent(deps.Logger, "scheduler"),
		jobsCtx:    context.Background(),
	}
	s.healthy.Store(true)
	return s
}

// Healthy reports false once UnhealthyThreshold consecutive iterations have failed.
func (s *Scheduler) Healthy() bool {
	return s.healthy.Load()
}

// Running reports whether the loop is running.
func (s *Scheduler) Running() bool {
	return s.state.Running()
}

// Wake triggers a discovery pass without waiting for the poll interval.
func (s *Scheduler) Wake() {
	s.state.Wake()
}

// Run polls until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight jobs before cancelling them.
func (s *Scheduler) Run(ctx context.Context) error {
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	s.setJobsContext(jobsCtx)

	s.state.SetRunning(true)
	defer s.state.SetRunning(false)

	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs).
		Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.iterate(ctx)

		select {
		case <-ctx.Done():
			return s.shutdown(cancelJobs)
		case <-ticker.C:
		case <-s.state.Woken():
		}
		if ctx.Err() != nil {
			return s.shutdown(cancelJobs)
		}
	}
}

// iterate runs one pass and updates the health counter.
func (s *Scheduler) iterate(ctx context.Context) {
	err := s.safeProcess(ctx)
	if err != nil {
		s.consecutiveErrors++
		s.logger.Error().Err(err).Int("consecutive_errors", s.consecutiveErrors).Msg("scheduler iteration failed")
		if s.consecutiveErrors >= s.cfg.UnhealthyThreshold && s.healthy.Swap(false) {
			s.logger.Error().Int("threshold", s.cfg.UnhealthyThreshold).Msg("scheduler marked unhealthy")
		}
	} else {
		if !s.healthy.Swap(true) {
			s.logger.Info().Msg("scheduler recovered")
		}
		s.consecutiveErrors = 0
	}
	s.metrics.RecordSchedulerIteration(err, s.consecutiveErrors)
}

func (s *Scheduler) safeProcess(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler iteration panicked: %v", r)
		}
	}()
	return s.ProcessReadyJobs(ctx)
}

func (s *Scheduler) shutdown(cancelJobs context.CancelFunc) error {
	active := s.state.ActiveCount()
	s.logger.Info().Int("active_jobs", active).Msg("scheduler stopping, waiting for in-flight jobs")

	waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.state.Wait(waitCtx); err == nil {
		s.logger.Info().Msg("scheduler stopped")
		return nil
	}

	s.logger.Warn().Int("active_jobs", s.state.ActiveCount()).Msg("shutdown timeout reached, cancelling jobs")
	cancelJobs()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := s.state.Wait(drainCtx); err != nil {
		return fmt.Errorf("jobs still running after cancellation: %w", err)
	}
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// ProcessReadyJobs reaps finished jobs, seeds unscheduled streams and starts
// ready work up to the concurrency cap. Work over the cap is left for a
// later pass.
func (s *Scheduler) ProcessReadyJobs(ctx context.Context) error {
	for _, f := range s.state.Reap() {
		logger := s.logger.With().Str("job_key", f.Key).Str("execution_id", f.ExecutionID.String()).Logger()
		if f.Err != nil {
			logger.Error().Err(f.Err).Dur("duration", f.Duration).Msg("job finished with error")
			continue
		}
		logger.Debug().Dur("duration", f.Duration).Msg("job finished")
	}

	if err := s.seedUnscheduled(ctx); err != nil {
		return err
	}

	ready, err := s.discovery.FindAllReadyJobs(ctx)
	if err != nil {
		return err
	}

	jobsCtx := s.jobsContext()
	capacity := s.cfg.MaxConcurrentJobs - s.state.ActiveCount()
	var started, deferred int

	for _, exec := range ready.Pending {
		key := exec.JobKey()
		if s.state.IsActive(key) {
			continue
		}
		if capacity <= 0 {
			deferred++
			s.logger.Debug().Str("execution_id", exec.ID.String()).Err(domain.ErrConcurrencyDeferred).Msg("pending execution deferred")
			continue
		}
		if s.state.Start(jobsCtx, key, exec.ID, func(ctx context.Context) error {
			return s.dispatcher.ExecutePending(ctx, exec)
		}) {
			capacity--
			started++
		}
	}

	for _, stream := range ready.Scheduled {
		key := domain.ScheduledJobKey(stream.ID)
		if s.state.IsActive(key) {
			continue
		}
		if capacity <= 0 {
			deferred++
			s.logger.Debug().Str("stream_id", stream.ID.String()).Err(domain.ErrConcurrencyDeferred).Msg("scheduled run deferred")
			continue
		}
		if s.state.Start(jobsCtx, key, uuid.Nil, func(ctx context.Context) error {
			return s.dispatcher.ExecuteScheduled(ctx, stream, func(id uuid.UUID) {
				s.state.Bind(key, id)
			})
		}) {
			capacity--
			started++
		}
	}

	s.metrics.SetActiveJobs(s.state.ActiveCount())
	s.metrics.RecordJobsDeferred(deferred)
	if started > 0 || deferred > 0 {
		s.logger.Info().Int("started", started).Int("deferred", deferred).Msg("dispatched ready jobs")
	}
	return nil
}

// seedUnscheduled gives streams with an enabled schedule but no next run
// their first next_scheduled_run.
func (s *Scheduler) seedUnscheduled(ctx context.Context) error {
	streams, err := s.streams.ListUnscheduled(ctx)
	if err != nil {
		return fmt.Errorf("list unscheduled streams: %w", err)
	}
	now := time.Now()
	for _, stream := range streams {
		next, err := NextScheduledRun(stream.Schedule, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("stream_id", stream.ID.String()).Msg("stream has an invalid schedule")
			continue
		}
		if err := s.streams.UpdateNextScheduledRun(ctx, stream.ID, next); err != nil {
			return fmt.Errorf("seed next run for stream %s: %w", stream.ID, err)
		}
		s.logger.Info().Str("stream_id", stream.ID.String()).Time("next_scheduled_run", next).Msg("stream scheduled")
	}
	return nil
}

// CancelOutcome describes what a cancel request did.
type CancelOutcome string

const (
	// CancelApplied means the execution was pending and is now FAILED.
	CancelApplied CancelOutcome = "cancelled"
	// CancelRequested means the execution is running and its job was asked to stop.
	CancelRequested CancelOutcome = "cancellation_requested"
)

// CancelExecution cancels a pending or running execution. Terminal
// executions return domain.ErrConflict. Cancelling a running execution is
// best-effort: the job stops at its next cancellation check.
func (s *Scheduler) CancelExecution(ctx context.Context, id uuid.UUID) (CancelOutcome, error) {
	exec, err := s.executions.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if exec.Status.IsTerminal() {
		return "", fmt.Errorf("execution %s is already %s: %w", id, exec.Status, domain.ErrConflict)
	}

	if s.state.Cancel(id) {
		s.logger.Info().Str("execution_id", id.String()).Msg("cancellation requested")
		return CancelRequested, nil
	}

	// No job in this process owns the execution: fail it directly. This
	// covers pending rows and running rows orphaned by a crashed process.
	msg := domain.CancelledByUser
	if err := s.executions.UpdateStatus(ctx, id, domain.ExecutionStatusFailed, &msg); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// A job picked it up or it finished between the read and the write.
			if s.state.Cancel(id) {
				return CancelRequested, nil
			}
			return "", fmt.Errorf("execution %s changed state: %w", id, domain.ErrConflict)
		}
		return "", err
	}

	s.metrics.RecordExecutionCancelled()
	if s.publisher != nil {
		s.publisher.PublishComplete(id, false, msg)
	}
	s.logger.Info().Str("execution_id", id.String()).Str("status", string(exec.Status)).Msg("execution cancelled")
	return CancelApplied, nil
}

func (s *Scheduler) setJobsContext(ctx context.Context) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobsCtx = ctx
}

func (s *Scheduler) jobsContext() context.Context {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.jobsCtx
}
