package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// JobFunc is the body of an in-flight job.
type JobFunc func(ctx context.Context) error

// job is the handle of one in-flight job.
type job struct {
	key         string
	executionID uuid.UUID
	cancel      context.CancelCauseFunc
	done        chan struct{}
	err         error
	startedAt   time.Time
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// FinishedJob describes a reaped job.
type FinishedJob struct {
	Key         string
	ExecutionID uuid.UUID
	Err         error
	Duration    time.Duration
}

// WorkerState tracks in-flight jobs by key. Keys are the execution id for
// manual and test runs and domain.ScheduledJobKey for scheduled runs, so a
// stream never has two scheduled runs in flight.
//
// The loop goroutine starts and reaps jobs; the HTTP cancel path only reads
// the map, so a plain mutex is enough.
type WorkerState struct {
	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	running atomic.Bool
	wake    chan struct{}
}

// NewWorkerState creates an empty WorkerState.
func NewWorkerState() *WorkerState {
	return &WorkerState{
		jobs: make(map[string]*job),
		wake: make(chan struct{}, 1),
	}
}

// Wake nudges the scheduler loop. It never blocks; wakes coalesce.
func (w *WorkerState) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Woken returns the channel the loop waits on alongside its poll ticker.
func (w *WorkerState) Woken() <-chan struct{} {
	return w.wake
}

// SetRunning records whether the scheduler loop is running.
func (w *WorkerState) SetRunning(running bool) {
	w.running.Store(running)
}

// Running reports whether the scheduler loop is running.
func (w *WorkerState) Running() bool {
	return w.running.Load()
}

// Start launches fn in its own goroutine under key. It returns false without
// starting anything if a job with the same key is still tracked. executionID
// may be uuid.Nil when the execution does not exist yet; see Bind.
func (w *WorkerState) Start(parent context.Context, key string, executionID uuid.UUID, fn JobFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.jobs[key]; exists {
		return false
	}

	ctx, cancel := context.WithCancelCause(parent)
	j := &job{
		key:         key,
		executionID: executionID,
		cancel:      cancel,
		done:        make(chan struct{}),
		startedAt:   time.Now(),
	}
	w.jobs[key] = j
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer w.Wake()
		defer close(j.done)
		defer cancel(nil)
		defer func() {
			if r := recover(); r != nil {
				j.err = fmt.Errorf("job %s panicked: %v", key, r)
			}
		}()
		j.err = fn(ctx)
	}()

	return true
}

// Bind associates an execution with a running job so it can be cancelled by id.
func (w *WorkerState) Bind(key string, executionID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if j, ok := w.jobs[key]; ok {
		j.executionID = executionID
	}
}

// Reap removes finished jobs and returns them.
func (w *WorkerState) Reap() []FinishedJob {
	w.mu.Lock()
	defer w.mu.Unlock()

	var finished []FinishedJob
	for key, j := range w.jobs {
		if !j.finished() {
			continue
		}
		finished = append(finished, FinishedJob{
			Key:         key,
			ExecutionID: j.executionID,
			Err:         j.err,
			Duration:    time.Since(j.startedAt),
		})
		delete(w.jobs, key)
	}
	return finished
}

// ActiveCount returns the number of tracked jobs that have not finished.
func (w *WorkerState) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, j := range w.jobs {
		if !j.finished() {
			n++
		}
	}
	return n
}

// IsActive reports whether a job is tracked under key. Finished jobs count
// until they are reaped.
func (w *WorkerState) IsActive(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.jobs[key]
	return ok
}

// Cancel requests cancellation of the job bound to executionID. The job's
// context is cancelled with domain.ErrCancelled as its cause. Returns false
// if no unfinished job is bound to the execution.
func (w *WorkerState) Cancel(executionID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, j := range w.jobs {
		if j.executionID == executionID && !j.finished() {
			j.cancel(domain.ErrCancelled)
			return true
		}
	}
	return false
}

// Wait blocks until every started job has returned or ctx is done.
func (w *WorkerState) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
