package papersources

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

type stubSource struct {
	name    string
	enabled bool
}

func (s *stubSource) Search(context.Context, SearchParams) (*SearchResult, error) {
	return &SearchResult{Source: s.name}, nil
}

func (s *stubSource) Name() string    { return s.name }
func (s *stubSource) IsEnabled() bool { return s.enabled }

func TestRegistry_Resolve(t *testing.T) {
	pubmed := &stubSource{name: "pubmed", enabled: true}
	reg := NewRegistry(pubmed, &stubSource{name: "offline", enabled: false})

	t.Run("empty name resolves to default", func(t *testing.T) {
		s, err := reg.Resolve("")
		require.NoError(t, err)
		assert.Same(t, pubmed, s)
	})

	t.Run("case insensitive", func(t *testing.T) {
		s, err := reg.Resolve(" PubMed ")
		require.NoError(t, err)
		assert.Same(t, pubmed, s)
	})

	t.Run("unknown source is configuration error", func(t *testing.T) {
		_, err := reg.Resolve("scopus")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConfiguration)

		var cfgErr *domain.ConfigurationError
		assert.True(t, errors.As(err, &cfgErr))
	})

	t.Run("disabled source is configuration error", func(t *testing.T) {
		_, err := reg.Resolve("offline")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	reg := NewRegistry(&stubSource{name: "pubmed", enabled: false})
	replacement := &stubSource{name: "pubmed", enabled: true}
	reg.Register(replacement)

	s, err := reg.Resolve("pubmed")
	require.NoError(t, err)
	assert.Same(t, replacement, s)
	assert.Equal(t, []string{"pubmed"}, reg.Names())
}
