package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// RateLimitRPS and RateLimitBurst bound calls across every job sharing the guard.
	RateLimitRPS   float64
	RateLimitBurst int

	Breaker CircuitBreakerConfig

	// CallTimeout bounds one Evaluate including provider retries. Zero disables it.
	CallTimeout time.Duration
}

// Guard decorates an Evaluator with a shared rate limiter, a circuit breaker,
// a per-call timeout and metrics.
type Guard struct {
	inner   Evaluator
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics *observability.Metrics
}

var _ Evaluator = (*Guard)(nil)

// NewGuard wraps inner. A non-positive RateLimitRPS disables rate limiting.
func NewGuard(inner Evaluator, cfg GuardConfig, metrics *observability.Metrics, logger zerolog.Logger) *Guard {
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = max(1, int(cfg.RateLimitRPS))
	}

	logger = observability.WithComponent(logger, "llm").With().Str("provider", inner.Provider()).Logger()
	return &Guard{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		breaker: newBreaker(inner.Provider(), cfg.Breaker, logger),
		timeout: cfg.CallTimeout,
		metrics: metrics,
	}
}

// Evaluate waits for a rate limit token, then calls the provider through the
// breaker. Cancellation by the caller does not count against the breaker.
func (g *Guard) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = g.inner.Model()
	}

	var elapsed float64
	out, err := g.breaker.Execute(func() (interface{}, error) {
		start := time.Now()
		eval, err := g.inner.Evaluate(callCtx, req)
		elapsed = time.Since(start).Seconds()
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		}
		return eval, err
	})

	switch {
	case err == nil:
		g.metrics.RecordLLMRequest(req.Operation, model, elapsed)
		eval, _ := out.(*Evaluation)
		return eval, nil
	case errors.Is(err, errAbandoned):
		return nil, ctx.Err()
	case isBreakerRejection(err):
		return nil, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, err.Error())
	}

	g.metrics.RecordLLMRequestFailed(req.Operation, model, elapsed)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, toExternalError(g.inner.Provider(), err)
	}
	return nil, err
}

// Provider returns the wrapped provider name.
func (g *Guard) Provider() string {
	return g.inner.Provider()
}

// Model returns the wrapped provider's default model.
func (g *Guard) Model() string {
	return g.inner.Model()
}

// CircuitOpen reports whether the breaker is refusing calls.
func (g *Guard) CircuitOpen() bool {
	return g.breaker.State() == gobreaker.StateOpen
}
