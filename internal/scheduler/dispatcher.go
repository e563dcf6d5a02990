package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/notify"
	"github.com/helixir/literature-monitor-service/internal/observability"
	"github.com/helixir/literature-monitor-service/internal/pipeline"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// InterruptedByShutdown is recorded when a job is cancelled by process shutdown.
const InterruptedByShutdown = "Interrupted by service shutdown"

// persistTimeout bounds the final status writes of a job, which run even
// after the job context is cancelled.
const persistTimeout = 10 * time.Second

// Runner executes the article pipeline for an execution.
type Runner interface {
	Run(ctx context.Context, exec *domain.Execution) (*pipeline.Result, error)
}

// Publisher delivers progress and terminal events to live subscribers.
type Publisher interface {
	Publish(executionID uuid.UUID, stage, message string)
	PublishComplete(executionID uuid.UUID, success bool, errMsg string)
}

// DispatcherDeps are the collaborators of a Dispatcher. Metrics may be nil.
type DispatcherDeps struct {
	Executions repository.ExecutionRepository
	Streams    repository.StreamRepository
	Runner     Runner
	Publisher  Publisher
	Notifier   notify.Sender
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

// Dispatcher runs one job to completion and owns every status transition
// that happens while the job is in flight.
type Dispatcher struct {
	executions repository.ExecutionRepository
	streams    repository.StreamRepository
	runner     Runner
	publisher  Publisher
	notifier   notify.Sender
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	return &Dispatcher{
		executions: deps.Executions,
		streams:    deps.Streams,
		runner:     deps.Runner,
		publisher:  deps.Publisher,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     observability.WithComponent(deps.Logger, "dispatcher"),
		now:        time.Now,
	}
}

// ExecutePending runs a pending manual or test execution. The execution is
// reloaded first; if it is no longer pending (for example it was cancelled
// after discovery) nothing happens.
//
// The returned error is the recorded failure reason; the execution row and
// the terminal event are already written when it is returned.
func (d *Dispatcher) ExecutePending(ctx context.Context, exec *domain.Execution) error {
	// A cancel that lands before the row is RUNNING must still end in a
	// terminal status, so the claim ignores ctx and run observes it.
	claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	current, err := d.executions.Get(claimCtx, exec.ID)
	if err != nil {
		return fmt.Errorf("reload execution: %w", err)
	}

	logger := d.execLogger(current)
	if current.Status != domain.ExecutionStatusPending {
		logger.Info().Str("status", string(current.Status)).Msg("execution no longer pending, skipping")
		return nil
	}
	if !current.Status.CanTransitionTo(domain.ExecutionStatusRunning) {
		return &domain.TransitionError{From: current.Status, To: domain.ExecutionStatusRunning}
	}

	if err := d.executions.UpdateStatus(claimCtx, current.ID, domain.ExecutionStatusRunning, nil); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Info().Err(err).Msg("execution changed before start, skipping")
			return nil
		}
		return fmt.Errorf("mark execution running: %w", err)
	}
	current.Status = domain.ExecutionStatusRunning

	_, err = d.run(ctx, current)
	return err
}

// ExecuteScheduled creates and runs the scheduled execution for a due stream.
// onCreated, when non-nil, receives the new execution id before the pipeline
// starts. The stream's next run is always recomputed, and a notification is
// sent once the run has finished or when the execution cannot be built.
func (d *Dispatcher) ExecuteScheduled(ctx context.Context, stream *domain.Stream, onCreated func(uuid.UUID)) error {
	now := d.now()
	logger := d.logger.With().Str("stream_id", stream.ID.String()).Logger()
	defer d.advanceSchedule(ctx, stream, now, logger)

	exec, err := d.newScheduledExecution(stream, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build scheduled execution")
		d.sendNotification(ctx, stream, nil, nil, err)
		return err
	}

	if err := d.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Info().Msg("stream already has a running scheduled execution, skipping")
			return nil
		}
		return fmt.Errorf("create scheduled execution: %w", err)
	}
	if onCreated != nil {
		onCreated(exec.ID)
	}

	result, runErr := d.run(ctx, exec)
	d.sendNotification(ctx, stream, exec, result, runErr)
	return runErr
}

// NextScheduledRun returns the first run strictly after now, in UTC.
func NextScheduledRun(schedule domain.Schedule, now time.Time) (time.Time, error) {
	return schedule.NextRun(now)
}

func (d *Dispatcher) newScheduledExecution(stream *domain.Stream, now time.Time) (*domain.Execution, error) {
	loc, err := stream.Schedule.Location()
	if err != nil {
		return nil, err
	}
	snapshot, err := stream.Config.Clone()
	if err != nil {
		return nil, domain.NewConfigurationError("snapshot", err.Error())
	}
	return &domain.Execution{
		ID:       uuid.New(),
		StreamID: stream.ID,
		UserID:   stream.UserID,
		Status:   domain.ExecutionStatusRunning,
		RunType:  domain.RunTypeScheduled,
		Window:   domain.WindowEndingYesterday(now, loc, stream.Schedule.Frequency.LookbackDays()),
		Snapshot: snapshot,
	}, nil
}

// run drives a RUNNING execution through the pipeline and records the outcome.
func (d *Dispatcher) run(ctx context.Context, exec *domain.Execution) (*pipeline.Result, error) {
	logger := d.execLogger(exec)
	runType := string(exec.RunType)
	start := d.now()

	d.metrics.RecordExecutionStarted(runType)
	d.publisher.Publish(exec.ID, domain.StageStarting, "Execution started")
	logger.Info().
		Str("window_start", exec.Window.Start.Format(domain.DateLayout)).
		Str("window_end", exec.Window.End.Format(domain.DateLayout)).
		Msg("execution started")

	result, err := d.runPipeline(ctx, exec)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err == nil {
		if uerr := d.executions.UpdateStatus(persistCtx, exec.ID, domain.ExecutionStatusCompleted, nil); uerr != nil {
			err = fmt.Errorf("mark execution completed: %w", uerr)
		}
	}

	elapsed := d.now().Sub(start).Seconds()
	if err != nil {
		msg := failureMessage(ctx, err)
		if msg == domain.CancelledByUser {
			d.metrics.RecordExecutionCancelled()
		}
		d.metrics.RecordExecutionFailed(runType, elapsed)

		if uerr := d.executions.UpdateStatus(persistCtx, exec.ID, domain.ExecutionStatusFailed, &msg); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to record execution failure")
		}
		d.publisher.PublishComplete(exec.ID, false, msg)
		logger.Warn().Str("error", msg).Float64("duration_seconds", elapsed).Msg("execution failed")

		exec.Status = domain.ExecutionStatusFailed
		exec.Error = &msg
		return nil, errors.New(msg)
	}

	d.metrics.RecordExecutionCompleted(runType, elapsed)
	d.publisher.PublishComplete(exec.ID, true, "")
	exec.Status = domain.ExecutionStatusCompleted
	if result.Report != nil {
		exec.ReportID = &result.Report.ID
	}
	logger.Info().
		Int("included", result.Stats.Included).
		Float64("duration_seconds", elapsed).
		Msg("execution completed")
	return result, nil
}

// runPipeline validates the snapshot and runs the pipeline, converting a
// panic into an error.
func (d *Dispatcher) runPipeline(ctx context.Context, exec *domain.Execution) (result *pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	if verr := exec.Snapshot.Validate(); verr != nil {
		return nil, fmt.Errorf("invalid configuration snapshot: %w", verr)
	}
	result, err = d.runner.Run(ctx, exec)
	if err == nil && result == nil {
		err = errors.New("pipeline returned no result")
	}
	return result, err
}

// failureMessage maps a run error to the text stored on the execution.
func failureMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
			return domain.CancelledByUser
		}
		return InterruptedByShutdown
	}
	return err.Error()
}

// advanceSchedule persists the stream's next run. It runs whether or not
// the execution succeeded so a failing stream is retried on its schedule,
// not on every poll.
func (d *Dispatcher) advanceSchedule(ctx context.Context, stream *domain.Stream, now time.Time, logger zerolog.Logger) {
	next, err := NextScheduledRun(stream.Schedule, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute next scheduled run")
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := d.streams.UpdateNextScheduledRun(persistCtx, stream.ID, next); err != nil {
		logger.Error().Err(err).Msg("failed to persist next scheduled run")
		return
	}
	logger.Debug().Time("next_scheduled_run", next).Msg("schedule advanced")
}

// sendNotification hands the outcome of a scheduled run to the notifier.
// Delivery failures are logged and never change the execution.
func (d *Dispatcher) sendNotification(ctx context.Context, stream *domain.Stream, exec *domain.Execution, result *pipeline.Result, runErr error) {
	if d.notifier == nil {
		return
	}

	n := &domain.Notification{
		StreamID:   stream.ID,
		StreamName: stream.Name,
		UserID:     stream.UserID,
		OccurredAt: d.now().UTC(),
	}
	logger := d.logger.With().Str("stream_id", stream.ID.String()).Logger()
	if exec != nil {
		n.ExecutionID = exec.ID
		logger = d.execLogger(exec)
	}
	if runErr != nil {
		n.Outcome = domain.OutcomeFailed
		n.Error = domain.TruncateError(runErr.Error())
	} else {
		n.Outcome = domain.OutcomeApprovalRequested
		if result.Report != nil {
			n.ReportID = &result.Report.ID
			n.ReportName = result.Report.Name
		}
		n.ArticleCount = result.Stats.Included
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := d.notifier.Send(sendCtx, n); err != nil {
		logger.Warn().Err(err).Str("outcome", n.Outcome).Msg("failed to send notification")
	}
}

func (d *Dispatcher) execLogger(exec *domain.Execution) zerolog.Logger {
	return observability.WithExecutionContext(d.logger, exec.ID.String(), exec.StreamID.String(), string(exec.RunType))
}
