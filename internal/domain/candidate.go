package domain

import (
	"time"

	"github.com/google/uuid"
)

// DuplicateReason records which deduplication pass flagged a candidate.
type DuplicateReason string

const (
	// DuplicateIntraExecution marks a candidate sharing an identifier with an earlier candidate of the same execution.
	DuplicateIntraExecution DuplicateReason = "intra_execution"
	// DuplicateHistorical marks a candidate already visible in a prior report of the same stream.
	DuplicateHistorical DuplicateReason = "historical"
)

// Candidate is a staged article row for one execution.
type Candidate struct {
	ID               uuid.UUID `json:"id"`
	ExecutionID      uuid.UUID `json:"execution_id"`
	StreamID         uuid.UUID `json:"stream_id"`
	RetrievalGroupID string    `json:"retrieval_group_id"`

	Source          string         `json:"source"`
	ExternalID      string         `json:"external_id"`
	DOI             string         `json:"doi,omitempty"`
	Title           string         `json:"title"`
	Abstract        string         `json:"abstract,omitempty"`
	Authors         []Author       `json:"authors,omitempty"`
	Journal         string         `json:"journal,omitempty"`
	PublicationDate *time.Time     `json:"publication_date,omitempty"`
	URL             string         `json:"url,omitempty"`
	RawMetadata     map[string]any `json:"raw_metadata,omitempty"`

	IsDuplicate     bool             `json:"is_duplicate"`
	DuplicateOf     *uuid.UUID       `json:"duplicate_of,omitempty"`
	DuplicateReason *DuplicateReason `json:"duplicate_reason,omitempty"`

	// PassedSemanticFilter is nil until the candidate has been evaluated.
	PassedSemanticFilter *bool    `json:"passed_semantic_filter,omitempty"`
	FilterScore          *float64 `json:"filter_score,omitempty"`
	FilterReasoning      *string  `json:"filter_reasoning,omitempty"`
	FilterError          *string  `json:"filter_error,omitempty"`

	CategoryID    *string `json:"category_id,omitempty"`
	CategoryError *string `json:"category_error,omitempty"`

	CuratorIncluded  bool `json:"curator_included"`
	CuratorExcluded  bool `json:"curator_excluded"`
	IncludedInReport bool `json:"included_in_report"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCandidate stages an article for an execution under the given retrieval group.
func NewCandidate(exec *Execution, groupID string, a *Article) *Candidate {
	return &Candidate{
		ID:               uuid.New(),
		ExecutionID:      exec.ID,
		StreamID:         exec.StreamID,
		RetrievalGroupID: groupID,
		Source:           a.Source,
		ExternalID:       a.ExternalID,
		DOI:              NormalizeDOI(a.DOI),
		Title:            a.Title,
		Abstract:         a.Abstract,
		Authors:          a.Authors,
		Journal:          a.Journal,
		PublicationDate:  a.PublicationDate,
		URL:              a.URL,
		RawMetadata:      a.RawMetadata,
	}
}

// ComputeInclusion derives included_in_report. Curator overrides win over the
// pipeline decision, with inclusion taking precedence over exclusion.
func ComputeInclusion(passed *bool, isDuplicate, curatorIncluded, curatorExcluded bool) bool {
	switch {
	case curatorIncluded:
		return true
	case curatorExcluded:
		return false
	default:
		return passed != nil && *passed && !isDuplicate
	}
}

// RefreshInclusion recomputes IncludedInReport from the candidate's own fields.
func (c *Candidate) RefreshInclusion() {
	c.IncludedInReport = ComputeInclusion(c.PassedSemanticFilter, c.IsDuplicate, c.CuratorIncluded, c.CuratorExcluded)
}

// CurationAction is a human override applied to a candidate.
type CurationAction string

const (
	CurationInclude CurationAction = "include"
	CurationExclude CurationAction = "exclude"
	CurationClear   CurationAction = "clear"
)

// Flags returns the curator_included and curator_excluded values for the action.
func (a CurationAction) Flags() (included, excluded bool, err error) {
	switch a {
	case CurationInclude:
		return true, false, nil
	case CurationExclude:
		return false, true, nil
	case CurationClear:
		return false, false, nil
	default:
		return false, false, NewValidationError("action", "must be one of include, exclude, clear")
	}
}

// FilterResult is the outcome of one relevance evaluation, keyed by candidate.
type FilterResult struct {
	CandidateID uuid.UUID
	Passed      bool
	Score       float64
	Reasoning   string
	// Err is set when the evaluation failed; Passed/Score are then ignored.
	Err string
}

// CategoryNone is the classifier answer for a candidate that fits no category.
// Coverage statistics report uncategorized articles under this key.
const CategoryNone = "none"

// CategoryResult is the outcome of one classification, keyed by candidate.
type CategoryResult struct {
	CandidateID uuid.UUID
	// CategoryID is empty when no category applies.
	CategoryID string
	Err        string
}

// CoverageStats summarizes a completed pipeline run for report assembly.
type CoverageStats struct {
	Retrieved            int            `json:"retrieved"`
	IntraDuplicates      int            `json:"intra_duplicates"`
	HistoricalDuplicates int            `json:"historical_duplicates"`
	Evaluated            int            `json:"evaluated"`
	Passed               int            `json:"passed"`
	Rejected             int            `json:"rejected"`
	FilterErrors         int            `json:"filter_errors"`
	FilterBypassed       bool           `json:"filter_bypassed"`
	Included             int            `json:"included"`
	ByCategory           map[string]int `json:"by_category"`
	ByGroup              map[string]int `json:"by_group"`
}
