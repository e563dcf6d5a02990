package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

type schedulerFixture struct {
	*dispatcherFixture
	state     *WorkerState
	scheduler *Scheduler
}

func newSchedulerFixture(cfg Config, runner Runner, streams ...*domain.Stream) *schedulerFixture {
	df := newDispatcherFixture(runner, streams...)
	df.notifier.On("Send", mock.Anything, mock.Anything).Return(nil).Maybe()
	df.dispatcher.now = time.Now
	state := NewWorkerState()
	s := New(cfg, Deps{
		State:      state,
		Dispatcher: df.dispatcher,
		Executions: df.executions,
		Streams:    df.streams,
		Publisher:  df.publisher,
		Logger:     zerolog.Nop(),
	})
	return &schedulerFixture{dispatcherFixture: df, state: state, scheduler: s}
}

func awaitStarted(t *testing.T, r *blockingRunner, n int) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for i := 0; i < n; i++ {
		select {
		case id := <-r.started:
			ids = append(ids, id)
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d jobs started", i, n)
		}
	}
	return ids
}

func TestScheduler_ProcessReadyJobs_ConcurrencyCap(t *testing.T) {
	runner := newBlockingRunner()
	f := newSchedulerFixture(Config{MaxConcurrentJobs: 2}, runner)
	for i := 0; i < 5; i++ {
		newPendingExecution(t, f.executions, domain.RunTypeManual)
	}

	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
	awaitStarted(t, runner, 2)
	assert.Equal(t, 2, f.state.ActiveCount())

	// Nothing more starts while the cap is reached.
	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
	select {
	case <-runner.started:
		t.Fatal("job started over the concurrency cap")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	require.NoError(t, f.state.Wait(context.Background()))

	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
	awaitStarted(t, runner, 2)
	require.NoError(t, f.state.Wait(context.Background()))
	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
	awaitStarted(t, runner, 1)
	require.NoError(t, f.state.Wait(context.Background()))

	pending, err := f.executions.FindPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduler_ProcessReadyJobs_OneScheduledRunPerStream(t *testing.T) {
	runner := newBlockingRunner()
	stream := newDueStream(time.Now())
	f := newSchedulerFixture(Config{MaxConcurrentJobs: 4}, runner, stream)

	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
	awaitStarted(t, runner, 1)
	assert.True(t, f.state.IsActive(domain.ScheduledJobKey(stream.ID)))

	// The stream is still due until the job advances it, but its key is active.
	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
	select {
	case <-runner.started:
		t.Fatal("second scheduled run started for the same stream")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	require.NoError(t, f.state.Wait(context.Background()))
	assert.Len(t, f.executions.byStream(stream.ID), 1)
	assert.True(t, f.streams.nextRun(stream.ID).After(time.Now()))
}

func TestScheduler_ProcessReadyJobs_SeedsUnscheduledStreams(t *testing.T) {
	stream := newDueStream(time.Now())
	stream.NextScheduledRun = nil
	f := newSchedulerFixture(Config{}, succeed(0), stream)

	require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))

	next := f.streams.nextRun(stream.ID)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 0, f.state.ActiveCount(), "a freshly seeded stream is not due yet")
}

func TestScheduler_Health(t *testing.T) {
	f := newSchedulerFixture(Config{UnhealthyThreshold: 3}, succeed(0))
	f.executions.setFindError(errors.New("connection refused"))

	for i := 0; i < 2; i++ {
		f.scheduler.iterate(context.Background())
		assert.True(t, f.scheduler.Healthy(), "below threshold after %d failures", i+1)
	}
	f.scheduler.iterate(context.Background())
	assert.False(t, f.scheduler.Healthy())

	f.executions.setFindError(nil)
	f.scheduler.iterate(context.Background())
	assert.True(t, f.scheduler.Healthy())
	assert.Equal(t, 0, f.scheduler.consecutiveErrors)
}

func TestScheduler_Run(t *testing.T) {
	runner := newBlockingRunner()
	f := newSchedulerFixture(Config{PollInterval: time.Hour, ShutdownTimeout: time.Second}, runner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()

	require.Eventually(t, f.scheduler.Running, time.Second, 5*time.Millisecond)

	// A wake runs discovery without waiting for the poll interval.
	exec := newPendingExecution(t, f.executions, domain.RunTypeManual)
	f.scheduler.Wake()
	awaitStarted(t, runner, 1)

	// Shutdown waits for the in-flight job.
	cancel()
	select {
	case <-done:
		t.Fatal("scheduler returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, f.scheduler.Running())
	status, _ := f.executions.status(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, status)
}

func TestScheduler_Run_ShutdownTimeoutCancelsJobs(t *testing.T) {
	runner := newBlockingRunner()
	f := newSchedulerFixture(Config{PollInterval: time.Hour, ShutdownTimeout: 30 * time.Millisecond}, runner)
	exec := newPendingExecution(t, f.executions, domain.RunTypeManual)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()
	awaitStarted(t, runner, 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	status, msg := f.executions.status(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, status)
	assert.Equal(t, InterruptedByShutdown, msg)
}

func TestScheduler_CancelExecution(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		f := newSchedulerFixture(Config{}, succeed(0))
		exec := newPendingExecution(t, f.executions, domain.RunTypeManual)

		outcome, err := f.scheduler.CancelExecution(context.Background(), exec.ID)
		require.NoError(t, err)
		assert.Equal(t, CancelApplied, outcome)

		status, msg := f.executions.status(exec.ID)
		assert.Equal(t, domain.ExecutionStatusFailed, status)
		assert.Equal(t, domain.CancelledByUser, msg)
		last := f.publisher.last(exec.ID)
		assert.Equal(t, domain.StageFailed, last.stage)
	})

	t.Run("running", func(t *testing.T) {
		runner := newBlockingRunner()
		f := newSchedulerFixture(Config{}, runner)
		exec := newPendingExecution(t, f.executions, domain.RunTypeManual)
		require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
		awaitStarted(t, runner, 1)

		outcome, err := f.scheduler.CancelExecution(context.Background(), exec.ID)
		require.NoError(t, err)
		assert.Equal(t, CancelRequested, outcome)

		require.NoError(t, f.state.Wait(context.Background()))
		status, msg := f.executions.status(exec.ID)
		assert.Equal(t, domain.ExecutionStatusFailed, status)
		assert.Equal(t, domain.CancelledByUser, msg)
	})

	t.Run("running scheduled execution", func(t *testing.T) {
		runner := newBlockingRunner()
		stream := newDueStream(time.Now())
		f := newSchedulerFixture(Config{}, runner, stream)
		require.NoError(t, f.scheduler.ProcessReadyJobs(context.Background()))
		id := awaitStarted(t, runner, 1)[0]

		outcome, err := f.scheduler.CancelExecution(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, CancelRequested, outcome)
		require.NoError(t, f.state.Wait(context.Background()))

		_, msg := f.executions.status(id)
		assert.Equal(t, domain.CancelledByUser, msg)
	})

	t.Run("orphaned running row", func(t *testing.T) {
		f := newSchedulerFixture(Config{}, succeed(0))
		exec := newPendingExecution(t, f.executions, domain.RunTypeManual)
		require.NoError(t, f.executions.UpdateStatus(context.Background(), exec.ID, domain.ExecutionStatusRunning, nil))

		outcome, err := f.scheduler.CancelExecution(context.Background(), exec.ID)
		require.NoError(t, err)
		assert.Equal(t, CancelApplied, outcome)
	})

	t.Run("terminal", func(t *testing.T) {
		f := newSchedulerFixture(Config{}, succeed(0))
		exec := newPendingExecution(t, f.executions, domain.RunTypeManual)
		msg := "boom"
		require.NoError(t, f.executions.UpdateStatus(context.Background(), exec.ID, domain.ExecutionStatusFailed, &msg))

		_, err := f.scheduler.CancelExecution(context.Background(), exec.ID)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("unknown", func(t *testing.T) {
		f := newSchedulerFixture(Config{}, succeed(0))
		_, err := f.scheduler.CancelExecution(context.Background(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
