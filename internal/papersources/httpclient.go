package papersources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source names the upstream in returned errors (e.g. "pubmed").
	Source string

	// Timeout is the per-attempt request timeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// MaxRetries is the maximum number of retry attempts after the first.
	MaxRetries int

	// RetryDelay is the base delay between retries when no Retry-After is sent.
	RetryDelay time.Duration

	UserAgent string

	// APIKey and APIKeyHeader add an authentication header when both are set.
	APIKey       string
	APIKeyHeader string
}

// HTTPClient wraps http.Client with rate limiting and retries.
// It is safe for concurrent use.
type HTTPClient struct {
	client      *http.Client
	rateLimiter *RateLimiter
	config      HTTPClientConfig
}

// NewHTTPClient creates a rate-limited client that retries 429 and 5xx responses.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Source == "" {
		cfg.Source = "literature source"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 3
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = max(1, int(cfg.RateLimit))
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Helixir-LiteratureMonitor/1.0"
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		config:      cfg,
	}
}

// Do executes an HTTP request with rate limiting and retries.
//
// Context cancellation is returned unwrapped so callers can distinguish it
// from upstream failures. Exhausted retries return a *domain.ExternalServiceError;
// when the last status was 429 it also matches domain.ErrRateLimited.
//
// Request bodies are re-read via GetBody on retry.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(req.Context()); err != nil {
			return nil, ctxErrOr(req.Context(), fmt.Errorf("rate limiter wait: %w", err))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = domain.NewExternalServiceError(c.config.Source, 0, "request failed", err)
			if attempt < c.config.MaxRetries {
				if err := c.prepareRetry(req, c.config.RetryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if !c.shouldRetry(resp.StatusCode) {
			return resp, nil
		}

		retryDelay := c.getRetryDelay(resp)
		drain(resp)

		lastErr = c.statusError(resp.StatusCode, attempt+1)
		if attempt < c.config.MaxRetries {
			if err := c.prepareRetry(req, retryDelay); err != nil {
				return nil, err
			}
			continue
		}
		return nil, lastErr
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unexpected error: no response received")
}

func (c *HTTPClient) statusError(status, attempts int) error {
	var cause error
	if status == http.StatusTooManyRequests {
		cause = domain.ErrRateLimited
	}
	msg := fmt.Sprintf("max retries exhausted after %d attempts", attempts)
	return domain.NewExternalServiceError(c.config.Source, status, msg, cause)
}

func (c *HTTPClient) prepareRetry(req *http.Request, delay time.Duration) error {
	if err := waitForRetry(req.Context(), delay); err != nil {
		return err
	}
	return resetRequestBody(req)
}

// shouldRetry returns true for 429 and 5xx.
func (c *HTTPClient) shouldRetry(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// getRetryDelay honours Retry-After in seconds or HTTP-date form.
func (c *HTTPClient) getRetryDelay(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return c.config.RetryDelay
	}

	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return c.config.RetryDelay
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return c.config.RetryDelay
}

func waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resetRequestBody(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("cannot retry request: %w", err)
	}
	req.Body = body
	return nil
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
