package llm

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig configures the breaker of a Guard.
type CircuitBreakerConfig struct {
	// ConsecutiveThreshold is the number of consecutive failures that opens the circuit.
	ConsecutiveThreshold int
	// Cooldown is how long the circuit stays open before one trial call is let through.
	Cooldown time.Duration
}

// errAbandoned marks a call whose caller went away. It never counts as a
// provider failure, so a cancelled half-open call releases the circuit.
var errAbandoned = errors.New("llm call abandoned by caller")

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.ConsecutiveThreshold <= 0 {
		c.ConsecutiveThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// newBreaker builds a consecutive-failure breaker that admits a single
// trial call after the cooldown.
func newBreaker(name string, cfg CircuitBreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	cfg = cfg.withDefaults()
	threshold := uint32(cfg.ConsecutiveThreshold)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errAbandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := logger.Info()
			if to == gobreaker.StateOpen {
				ev = logger.Warn()
			}
			ev.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("llm circuit state changed")
		},
	})
}

// isBreakerRejection reports whether err came from the breaker refusing a call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
