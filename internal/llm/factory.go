package llm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// FactoryConfig holds provider settings. It lives here so that the llm
// package does not import the config package.
type FactoryConfig struct {
	// Provider is the default provider name ("openai" or "anthropic").
	Provider    string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	OpenAI      OpenAIConfig
	Anthropic   AnthropicConfig
	Guard       GuardConfig
}

// Factory hands out guarded evaluators by provider name. Providers without
// an API key are not available. Each provider has one Guard shared by every job.
type Factory struct {
	defaultProvider string
	evaluators      map[string]Evaluator
}

// NewFactory builds one guarded evaluator per configured provider.
func NewFactory(cfg FactoryConfig, metrics *observability.Metrics, logger zerolog.Logger) *Factory {
	f := &Factory{
		defaultProvider: strings.ToLower(cfg.Provider),
		evaluators:      make(map[string]Evaluator, 2),
	}
	if cfg.OpenAI.APIKey != "" {
		p := NewOpenAIProvider(cfg.OpenAI, cfg.Temperature, cfg.Timeout, cfg.MaxRetries, cfg.RetryDelay)
		f.evaluators[p.Provider()] = NewGuard(p, cfg.Guard, metrics, logger)
	}
	if cfg.Anthropic.APIKey != "" {
		p := NewAnthropicProvider(cfg.Anthropic, cfg.Temperature, cfg.Timeout, cfg.MaxRetries, cfg.RetryDelay)
		f.evaluators[p.Provider()] = NewGuard(p, cfg.Guard, metrics, logger)
	}
	return f
}

// NewStaticFactory serves fixed evaluators, keyed by their Provider name.
// The first evaluator is the default.
func NewStaticFactory(evaluators ...Evaluator) *Factory {
	f := &Factory{evaluators: make(map[string]Evaluator, len(evaluators))}
	for i, e := range evaluators {
		if i == 0 {
			f.defaultProvider = e.Provider()
		}
		f.evaluators[e.Provider()] = e
	}
	return f
}

// For returns the evaluator for a snapshot's model selection. An empty
// provider uses the default. Unknown or unconfigured providers return a
// *domain.ConfigurationError.
func (f *Factory) For(model domain.ModelConfig) (Evaluator, error) {
	name := strings.ToLower(strings.TrimSpace(model.Provider))
	if name == "" {
		name = f.defaultProvider
	}
	e, ok := f.evaluators[name]
	if !ok {
		return nil, domain.NewConfigurationError("llm",
			fmt.Sprintf("provider %q is not configured (available: %s)", name, strings.Join(f.Providers(), ", ")))
	}
	return e, nil
}

// Providers returns the configured provider names in sorted order.
func (f *Factory) Providers() []string {
	names := make([]string, 0, len(f.evaluators))
	for name := range f.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenCircuits returns the sorted names of providers whose breaker is open.
func (f *Factory) OpenCircuits() []string {
	var open []string
	for _, name := range f.Providers() {
		if g, ok := f.evaluators[name].(*Guard); ok && g.CircuitOpen() {
			open = append(open, name)
		}
	}
	return open
}
