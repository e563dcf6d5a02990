package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/pipeline"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// memExecutions is an in-memory execution store with the guarded
// transitions of the Postgres store.
type memExecutions struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*domain.Execution
	failFind  error
	seq       int
	updateLog []domain.ExecutionStatus
}

func newMemExecutions() *memExecutions {
	return &memExecutions{rows: make(map[uuid.UUID]*domain.Execution)}
}

func (m *memExecutions) Create(_ context.Context, exec *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.RunType == domain.RunTypeScheduled {
		for _, e := range m.rows {
			if e.StreamID == exec.StreamID && e.RunType == domain.RunTypeScheduled && e.Status == domain.ExecutionStatusRunning {
				return domain.ErrConflict
			}
		}
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	m.seq++
	now := time.Date(2026, 1, 1, 0, 0, m.seq, 0, time.UTC)
	exec.CreatedAt, exec.UpdatedAt = now, now
	if exec.Status == domain.ExecutionStatusRunning && exec.StartedAt == nil {
		exec.StartedAt = &now
	}
	cp := *exec
	m.rows[exec.ID] = &cp
	return nil
}

func (m *memExecutions) Get(_ context.Context, id uuid.UUID) (*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("execution", id.String())
	}
	cp := *e
	return &cp, nil
}

func (m *memExecutions) UpdateStatus(_ context.Context, id uuid.UUID, status domain.ExecutionStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return domain.NewNotFoundError("execution", id.String())
	}
	if !e.Status.CanTransitionTo(status) {
		return &domain.TransitionError{From: e.Status, To: status}
	}
	now := time.Now().UTC()
	e.Status = status
	if errMsg != nil {
		msg := *errMsg
		e.Error = &msg
	}
	if status == domain.ExecutionStatusRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if status.IsTerminal() {
		e.CompletedAt = &now
	}
	m.updateLog = append(m.updateLog, status)
	return nil
}

func (m *memExecutions) SetReportID(_ context.Context, id, reportID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[id]; ok {
		e.ReportID = &reportID
	}
	return nil
}

func (m *memExecutions) FindPending(context.Context) ([]*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFind != nil {
		return nil, m.failFind
	}
	var out []*domain.Execution
	for _, e := range m.rows {
		if e.Status == domain.ExecutionStatusPending {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memExecutions) FindByStream(_ context.Context, streamID uuid.UUID, limit int) ([]*domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Execution
	for _, e := range m.rows {
		if e.StreamID == streamID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memExecutions) List(ctx context.Context, _ repository.ExecutionFilter) ([]*domain.Execution, int64, error) {
	return nil, 0, errors.New("not implemented")
}

func (m *memExecutions) FailOrphaned(_ context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.rows {
		if e.Status == domain.ExecutionStatusRunning {
			e.Status = domain.ExecutionStatusFailed
			msg := reason
			e.Error = &msg
			n++
		}
	}
	return n, nil
}

func (m *memExecutions) setFindError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFind = err
}

func (m *memExecutions) status(id uuid.UUID) (domain.ExecutionStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.rows[id]
	if e == nil {
		return "", ""
	}
	return e.Status, e.ErrorMessage()
}

func (m *memExecutions) byStream(streamID uuid.UUID) []*domain.Execution {
	out, _ := m.FindByStream(context.Background(), streamID, 0)
	return out
}

// memStreams is an in-memory stream config provider.
type memStreams struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Stream
}

func newMemStreams(streams ...*domain.Stream) *memStreams {
	m := &memStreams{rows: make(map[uuid.UUID]*domain.Stream)}
	for _, s := range streams {
		m.rows[s.ID] = s
	}
	return m
}

func (m *memStreams) Create(_ context.Context, s *domain.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s
	return nil
}

func (m *memStreams) Get(_ context.Context, id uuid.UUID) (*domain.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, domain.NewNotFoundError("stream", id.String())
	}
	cp := *s
	return &cp, nil
}

func (m *memStreams) ListDue(_ context.Context, now time.Time) ([]*domain.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Stream
	for _, s := range m.rows {
		if s.IsDue(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStreams) ListUnscheduled(context.Context) ([]*domain.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Stream
	for _, s := range m.rows {
		if s.Schedule.Enabled && s.NextScheduledRun == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStreams) UpdateNextScheduledRun(_ context.Context, id uuid.UUID, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return domain.NewNotFoundError("stream", id.String())
	}
	s.NextScheduledRun = &next
	return nil
}

func (m *memStreams) nextRun(id uuid.UUID) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok && s.NextScheduledRun != nil {
		t := *s.NextScheduledRun
		return &t
	}
	return nil
}

// funcRunner adapts a function to Runner.
type funcRunner func(ctx context.Context, exec *domain.Execution) (*pipeline.Result, error)

func (f funcRunner) Run(ctx context.Context, exec *domain.Execution) (*pipeline.Result, error) {
	return f(ctx, exec)
}

func succeed(included int) funcRunner {
	return func(_ context.Context, exec *domain.Execution) (*pipeline.Result, error) {
		return &pipeline.Result{
			Report: &domain.Report{ID: uuid.New(), ExecutionID: exec.ID, Name: pipeline.ReportName(exec)},
			Stats:  domain.CoverageStats{Included: included},
		}, nil
	}
}

// blockingRunner runs until released or cancelled.
type blockingRunner struct {
	started chan uuid.UUID
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan uuid.UUID, 100), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, exec *domain.Execution) (*pipeline.Result, error) {
	b.started <- exec.ID
	select {
	case <-b.release:
		return succeed(0)(ctx, exec)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type published struct {
	executionID uuid.UUID
	stage       string
	message     string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(id uuid.UUID, stage, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{id, stage, message})
}

func (p *recordingPublisher) PublishComplete(id uuid.UUID, success bool, errMsg string) {
	stage, msg := domain.StageCompleted, "Execution completed"
	if !success {
		stage, msg = domain.StageFailed, errMsg
	}
	p.Publish(id, stage, msg)
}

func (p *recordingPublisher) last(id uuid.UUID) published {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].executionID == id {
			return p.events[i]
		}
	}
	return published{}
}

// mockSender implements notify.Sender for testing.
type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, n *domain.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func (m *mockSender) Close() error {
	return m.Called().Error(0)
}

func validSnapshot() domain.ConfigSnapshot {
	return domain.ConfigSnapshot{
		Retrieval: domain.RetrievalConfig{
			Queries: []domain.BroadQuery{{GroupID: "g1", Expression: "asthma[tiab]"}},
		},
	}
}

func newPendingExecution(t interface{ Helper() }, store *memExecutions, runType domain.RunType) *domain.Execution {
	t.Helper()
	exec := &domain.Execution{
		StreamID: uuid.New(),
		UserID:   uuid.New(),
		Status:   domain.ExecutionStatusPending,
		RunType:  runType,
		Window: domain.DateWindow{
			Start: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 10, 7, 0, 0, 0, 0, time.UTC),
		},
		Snapshot: validSnapshot(),
	}
	if err := store.Create(context.Background(), exec); err != nil {
		panic(err)
	}
	return exec
}

func newDueStream(now time.Time) *domain.Stream {
	due := now.Add(-time.Minute)
	return &domain.Stream{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Name:   "Asthma biologics",
		Config: validSnapshot(),
		Schedule: domain.Schedule{
			Enabled:   true,
			Frequency: domain.FrequencyWeekly,
			AnchorDay: "monday",
			TimeOfDay: "08:00",
			Timezone:  "UTC",
		},
		NextScheduledRun: &due,
	}
}
