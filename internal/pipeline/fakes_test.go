package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/llm"
	"github.com/helixir/literature-monitor-service/internal/papersources"
	"github.com/helixir/literature-monitor-service/internal/repository"
)

// memCandidates is an in-memory CandidateRepository with the same
// set-based semantics as the Postgres store.
type memCandidates struct {
	mu   sync.Mutex
	rows []*domain.Candidate
	// reported holds dedup keys of articles in prior visible reports.
	reported map[string]bool
}

func newMemCandidates(reported ...string) *memCandidates {
	m := &memCandidates{reported: make(map[string]bool)}
	for _, k := range reported {
		m.reported[k] = true
	}
	return m
}

func dedupKeys(c *domain.Candidate) []string {
	keys := []string{"src:" + c.Source + ":" + c.ExternalID}
	if c.DOI != "" {
		keys = append(keys, "doi:"+c.DOI)
	}
	return keys
}

func (m *memCandidates) StageBatch(_ context.Context, candidates []*domain.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, candidates...)
	return nil
}

func (m *memCandidates) MarkIntraExecutionDuplicates(_ context.Context, executionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := make(map[string]uuid.UUID)
	var n int64
	for _, c := range m.rows {
		if c.ExecutionID != executionID || c.IsDuplicate {
			continue
		}
		var dupOf *uuid.UUID
		for _, k := range dedupKeys(c) {
			if id, ok := first[k]; ok {
				dupOf = &id
				break
			}
		}
		if dupOf != nil {
			reason := domain.DuplicateIntraExecution
			c.IsDuplicate, c.DuplicateOf, c.DuplicateReason = true, dupOf, &reason
			n++
			continue
		}
		for _, k := range dedupKeys(c) {
			first[k] = c.ID
		}
	}
	return n, nil
}

func (m *memCandidates) MarkHistoricalDuplicates(_ context.Context, executionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.rows {
		if c.ExecutionID != executionID || c.IsDuplicate {
			continue
		}
		for _, k := range dedupKeys(c) {
			if m.reported[k] {
				reason := domain.DuplicateHistorical
				c.IsDuplicate, c.DuplicateReason = true, &reason
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *memCandidates) ListForFiltering(_ context.Context, executionID uuid.UUID) ([]*domain.Candidate, error) {
	return m.list(executionID, func(c *domain.Candidate) bool {
		return !c.IsDuplicate && c.PassedSemanticFilter == nil && c.FilterError == nil
	}), nil
}

func (m *memCandidates) RecordFilterResults(_ context.Context, results []domain.FilterResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range results {
		c := m.find(res.CandidateID)
		if c == nil {
			continue
		}
		if res.Err != "" {
			msg := res.Err
			c.FilterError = &msg
			continue
		}
		passed, score, reasoning := res.Passed, res.Score, res.Reasoning
		c.PassedSemanticFilter, c.FilterScore, c.FilterReasoning = &passed, &score, &reasoning
	}
	return nil
}

func (m *memCandidates) BypassFilter(_ context.Context, executionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.rows {
		if c.ExecutionID == executionID && !c.IsDuplicate && c.PassedSemanticFilter == nil {
			passed := true
			c.PassedSemanticFilter = &passed
			n++
		}
	}
	return n, nil
}

func (m *memCandidates) ListForCategorization(_ context.Context, executionID uuid.UUID) ([]*domain.Candidate, error) {
	return m.list(executionID, func(c *domain.Candidate) bool {
		return !c.IsDuplicate && c.PassedSemanticFilter != nil && *c.PassedSemanticFilter && c.CategoryID == nil
	}), nil
}

func (m *memCandidates) RecordCategoryResults(_ context.Context, results []domain.CategoryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range results {
		c := m.find(res.CandidateID)
		if c == nil {
			continue
		}
		if res.Err != "" {
			msg := res.Err
			c.CategoryError = &msg
			continue
		}
		id := res.CategoryID
		if id == "" {
			id = domain.CategoryNone
		}
		c.CategoryID = &id
	}
	return nil
}

func (m *memCandidates) RefreshInclusion(_ context.Context, executionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.rows {
		if c.ExecutionID == executionID {
			c.RefreshInclusion()
			n++
		}
	}
	return n, nil
}

func (m *memCandidates) ListIncluded(_ context.Context, executionID uuid.UUID) ([]*domain.Candidate, error) {
	return m.list(executionID, func(c *domain.Candidate) bool { return c.IncludedInReport }), nil
}

func (m *memCandidates) Stats(_ context.Context, executionID uuid.UUID) (*domain.CoverageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &domain.CoverageStats{ByCategory: map[string]int{}, ByGroup: map[string]int{}}
	for _, c := range m.rows {
		if c.ExecutionID != executionID {
			continue
		}
		s.Retrieved++
		s.ByGroup[c.RetrievalGroupID]++
		if c.DuplicateReason != nil {
			switch *c.DuplicateReason {
			case domain.DuplicateIntraExecution:
				s.IntraDuplicates++
			case domain.DuplicateHistorical:
				s.HistoricalDuplicates++
			}
		}
		if !c.IsDuplicate && c.PassedSemanticFilter != nil {
			s.Evaluated++
			if *c.PassedSemanticFilter {
				s.Passed++
			} else {
				s.Rejected++
			}
		}
		if c.FilterError != nil {
			s.FilterErrors++
		}
		if c.IncludedInReport {
			s.Included++
			cat := domain.CategoryNone
			if c.CategoryID != nil {
				cat = *c.CategoryID
			}
			s.ByCategory[cat]++
		}
	}
	return s, nil
}

func (m *memCandidates) Get(_ context.Context, executionID, candidateID uuid.UUID) (*domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.find(candidateID)
	if c == nil || c.ExecutionID != executionID {
		return nil, domain.NewNotFoundError("candidate", candidateID.String())
	}
	return c, nil
}

func (m *memCandidates) SetCuration(ctx context.Context, executionID, candidateID uuid.UUID, action domain.CurationAction) (*domain.Candidate, error) {
	included, excluded, err := action.Flags()
	if err != nil {
		return nil, err
	}
	c, err := m.Get(ctx, executionID, candidateID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CuratorIncluded, c.CuratorExcluded = included, excluded
	c.RefreshInclusion()
	return c, nil
}

func (m *memCandidates) list(executionID uuid.UUID, keep func(*domain.Candidate) bool) []*domain.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Candidate
	for _, c := range m.rows {
		if c.ExecutionID == executionID && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (m *memCandidates) find(id uuid.UUID) *domain.Candidate {
	for _, c := range m.rows {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *memCandidates) byTitle(title string) *domain.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.Title == title {
			return c
		}
	}
	return nil
}

// memReports records assembled reports.
type memReports struct {
	mu     sync.Mutex
	inputs []repository.ReportInput
	err    error
}

func (m *memReports) Assemble(_ context.Context, in repository.ReportInput) (*domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &domain.Report{
		ID:          uuid.New(),
		StreamID:    in.Execution.StreamID,
		ExecutionID: in.Execution.ID,
		Name:        in.Name,
		Window:      in.Execution.Window,
		Stats:       in.Stats,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (m *memReports) Get(context.Context, uuid.UUID) (*domain.Report, error) {
	return nil, domain.ErrNotFound
}

func (m *memReports) SetHidden(context.Context, uuid.UUID, bool) error { return nil }

// linkRecorder captures SetReportID calls; other methods are not used by the pipeline.
type linkRecorder struct {
	repository.ExecutionRepository
	mu    sync.Mutex
	links map[uuid.UUID]uuid.UUID
}

func (l *linkRecorder) SetReportID(_ context.Context, id, reportID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.links == nil {
		l.links = make(map[uuid.UUID]uuid.UUID)
	}
	l.links[id] = reportID
	return nil
}

type fakeSource struct {
	name     string
	searchFn func(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error)
	calls    atomic.Int32
}

func (f *fakeSource) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	f.calls.Add(1)
	return f.searchFn(ctx, params)
}

func (f *fakeSource) Name() string    { return f.name }
func (f *fakeSource) IsEnabled() bool { return true }

type fakeEvaluator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req llm.Request) (*llm.Evaluation, error)
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req llm.Request) (*llm.Evaluation, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func (f *fakeEvaluator) Provider() string { return "openai" }
func (f *fakeEvaluator) Model() string    { return "gpt-test" }

type event struct {
	stage   string
	message string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event
}

func (p *recordingPublisher) Publish(_ uuid.UUID, stage, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event{stage, message})
}

func (p *recordingPublisher) stages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if len(out) == 0 || out[len(out)-1] != e.stage {
			out = append(out, e.stage)
		}
	}
	return out
}
