// Package llm provides the relevance-scoring and categorization endpoint used by
// the article pipeline.
//
// Every provider implements Evaluator: one prompt in, one structured answer
// ({value, confidence, reasoning}) out. Guard wraps a provider with a shared
// rate limiter, a circuit breaker and a per-call timeout.
//
//	eval, err := factory.For(snapshot.Model)
//	answer, err := eval.Evaluate(ctx, llm.BuildFilterPrompt(criteria, candidate, enrichment))
//	score := answer.Score()
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Request is one evaluation prompt.
type Request struct {
	// Operation labels the call in metrics and logs ("filter", "categorize").
	Operation string

	SystemPrompt string
	UserPrompt   string

	// Model overrides the provider default when non-empty.
	Model string

	// Temperature overrides the provider default when non-nil.
	Temperature *float64
}

// Evaluation is the structured answer to a Request.
type Evaluation struct {
	// Value is the answer: a relevance score in [0,1] for filtering, a category id for categorization.
	Value      string
	Confidence float64
	Reasoning  string

	Model        string
	InputTokens  int
	OutputTokens int
}

// Score parses Value as a relevance score clamped to [0,1]. Answers that are
// not numbers fall back to Confidence.
func (e *Evaluation) Score() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(e.Value), 64)
	if err != nil {
		v = e.Confidence
	}
	return min(max(v, 0), 1)
}

// Evaluator is implemented by every LLM provider.
type Evaluator interface {
	// Evaluate sends one prompt and parses the JSON answer. Implementations
	// retry transient failures and respect ctx cancellation.
	Evaluate(ctx context.Context, req Request) (*Evaluation, error)

	// Provider returns the provider name (e.g. "openai", "anthropic").
	Provider() string

	// Model returns the default model identifier.
	Model() string
}

// answer is the JSON object every prompt asks the model to return.
type answer struct {
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
}

// parseAnswer decodes the model's text output. Fenced code blocks are
// tolerated and value may be a JSON string or number.
func parseAnswer(provider, text string) (*Evaluation, error) {
	text = stripCodeFence(text)

	var a answer
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return nil, fmt.Errorf("%s: failed to parse LLM JSON response: %w", provider, err)
	}
	if len(a.Value) == 0 || string(a.Value) == "null" {
		return nil, fmt.Errorf("%s: LLM response has no value", provider)
	}

	value := string(a.Value)
	var s string
	if err := json.Unmarshal(a.Value, &s); err == nil {
		value = s
	}

	return &Evaluation{
		Value:      strings.TrimSpace(value),
		Confidence: a.Confidence,
		Reasoning:  strings.TrimSpace(a.Reasoning),
	}, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
