package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ConfigSnapshot is the validated stream configuration captured on an execution.
// It is stored as JSONB and never modified after the execution is created.
type ConfigSnapshot struct {
	Retrieval    RetrievalConfig    `json:"retrieval" validate:"required"`
	Presentation PresentationConfig `json:"presentation"`
	Enrichment   EnrichmentConfig   `json:"enrichment"`
	Model        ModelConfig        `json:"model"`
	Analysis     AnalysisConfig     `json:"analysis"`
}

// RetrievalConfig controls how candidates are found and screened.
type RetrievalConfig struct {
	// Queries are the broad queries executed against the literature source.
	Queries []BroadQuery `json:"queries" validate:"required,min=1,dive"`

	// MaxResultsPerQuery caps retrieval per query; zero means the source default.
	MaxResultsPerQuery int `json:"max_results_per_query,omitempty" validate:"gte=0,lte=10000"`

	SemanticFilter SemanticFilterConfig `json:"semantic_filter"`
}

// BroadQuery is a boolean search expression designed for high recall.
type BroadQuery struct {
	// GroupID tags every candidate produced by this query.
	GroupID    string `json:"group_id" validate:"required,max=128"`
	Expression string `json:"expression" validate:"required"`
	// Source names the literature source; empty selects the default source.
	Source string `json:"source,omitempty"`
}

// SemanticFilterConfig configures the LLM relevance filter.
type SemanticFilterConfig struct {
	Enabled   bool    `json:"enabled"`
	Criteria  string  `json:"criteria,omitempty" validate:"required_if=Enabled true"`
	Threshold float64 `json:"threshold" validate:"gte=0,lte=1"`
}

// PresentationConfig controls how qualifying articles are organized in the report.
type PresentationConfig struct {
	Categories []Category `json:"categories,omitempty" validate:"dive"`
}

// Category is one label of a stream's taxonomy.
type Category struct {
	ID          string `json:"id" validate:"required,max=128"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// EnrichmentConfig controls which article details are passed to the LLM and the report.
type EnrichmentConfig struct {
	IncludeAbstracts bool `json:"include_abstracts"`
	IncludeMeSH      bool `json:"include_mesh"`
}

// ModelConfig selects the LLM used for filtering and categorization.
type ModelConfig struct {
	Provider    string  `json:"provider,omitempty" validate:"omitempty,oneof=openai anthropic"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty" validate:"gte=0,lte=2"`
}

// AnalysisConfig holds report analysis options forwarded to report assembly.
type AnalysisConfig struct {
	Summary      bool   `json:"summary"`
	Instructions string `json:"instructions,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateStruct validates v using its validate tags and returns a ValidationError
// naming the first failing field.
func ValidateStruct(v any) error {
	if err := Validator().Struct(v); err != nil {
		return toValidationError(err)
	}
	return nil
}

// Validate checks the snapshot once, at creation time.
func (c ConfigSnapshot) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Presentation.Categories))
	for _, cat := range c.Presentation.Categories {
		if _, dup := seen[cat.ID]; dup {
			return NewValidationError("presentation.categories", fmt.Sprintf("duplicate category id %q", cat.ID))
		}
		seen[cat.ID] = struct{}{}
	}
	return nil
}

// HasCategory reports whether id names a category of the taxonomy.
func (c ConfigSnapshot) HasCategory(id string) bool {
	for _, cat := range c.Presentation.Categories {
		if cat.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so later edits to the source cannot leak into the snapshot.
func (c ConfigSnapshot) Clone() (ConfigSnapshot, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return ConfigSnapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	var out ConfigSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return ConfigSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return out, nil
}

// toValidationError converts validator output into a ValidationError for the first failing field.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		return NewValidationError(field, fmt.Sprintf("failed on %q", fe.Tag()))
	}
	return NewValidationError("config", err.Error())
}
