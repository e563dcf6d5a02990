package llm

import (
	"fmt"
	"strings"

	"github.com/helixir/literature-monitor-service/internal/domain"
)

const (
	OperationFilter     = "filter"
	OperationCategorize = "categorize"

	maxAbstractRunes = 4000
	maxAuthors       = 10
)

// BuildFilterPrompt asks for a relevance score in [0,1] of one candidate
// against a natural-language inclusion criterion.
func BuildFilterPrompt(criteria string, c *domain.Candidate, enrichment domain.EnrichmentConfig) Request {
	var sys strings.Builder
	sys.WriteString("You screen newly published biomedical literature for a monitoring service. ")
	sys.WriteString("Judge whether the article satisfies the inclusion criteria. ")
	sys.WriteString("Respond with a single JSON object and nothing else: ")
	sys.WriteString(`{"value": <relevance score between 0 and 1>, "confidence": <0 to 1>, "reasoning": "<one or two sentences>"}.`)
	sys.WriteString(" A score of 1 means the article clearly meets the criteria; 0 means it clearly does not.")

	var user strings.Builder
	user.WriteString("Inclusion criteria:\n")
	user.WriteString(strings.TrimSpace(criteria))
	user.WriteString("\n\n")
	writeArticle(&user, c, enrichment)

	return Request{Operation: OperationFilter, SystemPrompt: sys.String(), UserPrompt: user.String()}
}

// BuildCategorizePrompt asks for exactly one category id from the taxonomy, or "none".
func BuildCategorizePrompt(categories []domain.Category, instructions string, c *domain.Candidate, enrichment domain.EnrichmentConfig) Request {
	var sys strings.Builder
	sys.WriteString("You assign newly published biomedical articles to one category of a report taxonomy. ")
	sys.WriteString("Choose the single best matching category id from the list, or \"none\" if no category fits. ")
	sys.WriteString("Respond with a single JSON object and nothing else: ")
	sys.WriteString(`{"value": "<category id or none>", "confidence": <0 to 1>, "reasoning": "<one sentence>"}.`)

	var user strings.Builder
	user.WriteString("Categories:\n")
	for _, cat := range categories {
		fmt.Fprintf(&user, "- id: %s\n  name: %s\n", cat.ID, cat.Name)
		if cat.Description != "" {
			fmt.Fprintf(&user, "  description: %s\n", cat.Description)
		}
	}
	if s := strings.TrimSpace(instructions); s != "" {
		user.WriteString("\nAdditional guidance:\n")
		user.WriteString(s)
		user.WriteString("\n")
	}
	user.WriteString("\n")
	writeArticle(&user, c, enrichment)

	return Request{Operation: OperationCategorize, SystemPrompt: sys.String(), UserPrompt: user.String()}
}

// ResolveCategory maps a categorization answer onto the taxonomy. Ids are
// matched case-insensitively, then by category name. Anything else is
// CategoryNone.
func ResolveCategory(categories []domain.Category, eval *Evaluation) string {
	v := strings.Trim(strings.TrimSpace(eval.Value), `"'`)
	if v == "" || strings.EqualFold(v, domain.CategoryNone) {
		return domain.CategoryNone
	}
	for _, cat := range categories {
		if strings.EqualFold(cat.ID, v) {
			return cat.ID
		}
	}
	for _, cat := range categories {
		if strings.EqualFold(cat.Name, v) {
			return cat.ID
		}
	}
	return domain.CategoryNone
}

func writeArticle(b *strings.Builder, c *domain.Candidate, enrichment domain.EnrichmentConfig) {
	b.WriteString("Article:\n")
	fmt.Fprintf(b, "Title: %s\n", strings.TrimSpace(c.Title))
	if c.Journal != "" {
		fmt.Fprintf(b, "Journal: %s\n", c.Journal)
	}
	if c.PublicationDate != nil {
		fmt.Fprintf(b, "Published: %s\n", c.PublicationDate.Format("2006-01-02"))
	}
	if len(c.Authors) > 0 {
		names := make([]string, 0, min(len(c.Authors), maxAuthors))
		for i, a := range c.Authors {
			if i == maxAuthors {
				break
			}
			names = append(names, a.Name)
		}
		if len(c.Authors) > maxAuthors {
			names = append(names, "et al.")
		}
		fmt.Fprintf(b, "Authors: %s\n", strings.Join(names, ", "))
	}
	if enrichment.IncludeMeSH {
		if terms := stringList(c.RawMetadata["mesh_terms"]); len(terms) > 0 {
			fmt.Fprintf(b, "MeSH terms: %s\n", strings.Join(terms, "; "))
		}
	}
	if enrichment.IncludeAbstracts && c.Abstract != "" {
		fmt.Fprintf(b, "Abstract: %s\n", truncateRunes(strings.TrimSpace(c.Abstract), maxAbstractRunes))
	}
}

// stringList accepts both []string and the []any produced by a JSON round trip.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
