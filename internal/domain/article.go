package domain

import (
	"strings"
	"time"
)

// Article is a document returned by an external literature source, before it is staged.
type Article struct {
	// Source is the literature source name (e.g. "pubmed").
	Source string
	// ExternalID is the source's own identifier (e.g. a PMID).
	ExternalID      string
	DOI             string
	Title           string
	Abstract        string
	Authors         []Author
	Journal         string
	PublicationDate *time.Time
	URL             string
	RawMetadata     map[string]any
}

// Author represents an article author with optional affiliation and ORCID.
type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
}

// String returns a formatted string representation of the author.
func (a Author) String() string {
	var sb strings.Builder
	sb.WriteString(a.Name)
	if a.Affiliation != "" {
		sb.WriteString(" (")
		sb.WriteString(a.Affiliation)
		sb.WriteString(")")
	}
	return sb.String()
}

// doiPrefixes are stripped by NormalizeDOI.
var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// NormalizeDOI lowercases a DOI and strips resolver prefixes so that the same
// work cited in different forms compares equal.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, p := range doiPrefixes {
		d = strings.TrimPrefix(d, p)
	}
	return strings.TrimSpace(d)
}
