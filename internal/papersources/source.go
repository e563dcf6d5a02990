// Package papersources provides the contract and shared plumbing for external
// literature search clients.
//
// A source receives one broad query and a publication date window and returns
// every matching article up to a result cap:
//
//	source := pubmed.New(cfg, httpClient)
//	result, err := source.Search(ctx, papersources.SearchParams{
//		Query:      "(CRISPR) AND (off-target)",
//		Window:     window,
//		MaxResults: 500,
//	})
package papersources

import (
	"context"
	"time"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

// SearchParams defines a single broad-query search.
type SearchParams struct {
	// Query is the source-specific boolean query expression (required).
	Query string

	// Window bounds the publication date, both ends inclusive.
	Window domain.DateWindow

	// MaxResults caps the number of articles returned. Zero uses the source default.
	MaxResults int

	// IncludeAbstracts requests abstract text when the source makes it optional.
	IncludeAbstracts bool

	// IncludeMeSH requests controlled-vocabulary terms in RawMetadata.
	IncludeMeSH bool
}

// SearchResult contains the articles returned for one query.
type SearchResult struct {
	Articles []*domain.Article

	// TotalResults is the source-reported match count, which may exceed len(Articles).
	TotalResults int

	// HasMore is true when the result cap truncated the match set.
	HasMore bool

	// Source is the name of the source that produced the result.
	Source string

	SearchDuration time.Duration
}

// Source is implemented by every literature search client.
type Source interface {
	// Search runs one query. It respects ctx cancellation and returns a
	// *domain.ExternalServiceError on transport or API failures.
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// Name returns the identifier used in broad query configuration (e.g. "pubmed").
	Name() string

	// IsEnabled reports whether the source is configured and usable.
	IsEnabled() bool
}
