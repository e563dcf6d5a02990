package llm

import (
	"context"
	"time"
)

// retryTransient runs call until it succeeds, fails permanently, or maxRetries
// transient failures have been retried. The delay doubles after each attempt.
// The final error is a *domain.ExternalServiceError unless ctx ended first.
func retryTransient(ctx context.Context, provider string, maxRetries int, baseDelay time.Duration, call func() (*Evaluation, error)) (*Evaluation, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(baseDelay * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := call()
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if !isTransientError(err) {
			break
		}
	}
	return nil, toExternalError(provider, lastErr)
}
