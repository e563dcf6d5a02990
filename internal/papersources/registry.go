package papersources

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// DefaultSource is used by broad queries that do not name a source.
const DefaultSource = "pubmed"

// Registry maps source names to clients. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a registry holding the given sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a source, replacing any source with the same name.
func (r *Registry) Register(source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToLower(source.Name())] = source
}

// Resolve returns the enabled source for name. An empty name resolves to
// DefaultSource. Unknown or disabled sources return a *domain.ConfigurationError
// so the execution fails with a configuration message rather than a transport one.
func (r *Registry) Resolve(name string) (Source, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultSource
	}

	r.mu.RLock()
	source, ok := r.sources[key]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewConfigurationError("retrieval", fmt.Sprintf("unknown literature source %q", key))
	}
	if !source.IsEnabled() {
		return nil, domain.NewConfigurationError("retrieval", fmt.Sprintf("literature source %q is disabled", key))
	}
	return source, nil
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
