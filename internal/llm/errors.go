package llm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// APIError represents an error returned by an LLM provider API.
type APIError struct {
	// Provider is the name of the LLM provider (e.g., "openai", "anthropic").
	Provider string
	// StatusCode is the HTTP status code. Zero means no response was received.
	StatusCode int
	Message    string
	// Type is the error type classification from the API.
	Type string
	Code string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap lets 429 responses match domain.ErrRateLimited.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return domain.ErrRateLimited
	}
	return nil
}

// IsTransient reports whether a retry may succeed: network errors, 429 and 5xx.
func (e *APIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

func isTransientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsTransient()
}

// toExternalError wraps a final provider failure as a domain error.
func toExternalError(provider string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return domain.NewExternalServiceError(provider, apiErr.StatusCode, apiErr.Message, apiErr)
	}
	return domain.NewExternalServiceError(provider, 0, err.Error(), err)
}
