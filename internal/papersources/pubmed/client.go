package pubmed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/papersources"
)

const (
	// DefaultBaseURL is the base URL for NCBI E-utilities API.
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultRateLimit is the NCBI limit without an API key. With a key it is 10.
	DefaultRateLimit = 3.0

	// KeyedRateLimit applies when an API key is configured and no explicit rate is set.
	KeyedRateLimit = 10.0

	DefaultTimeout = 30 * time.Second

	// DefaultMaxResults applies when a query sets no cap.
	DefaultMaxResults = 500

	// MaxResultsLimit is the esearch retmax ceiling.
	MaxResultsLimit = 10000

	// fetchChunkSize bounds the PMIDs sent in one efetch call.
	fetchChunkSize = 200

	// SourceName is the name broad queries use to select this source.
	SourceName = "pubmed"

	maxBodyBytes = 50 << 20
)

// Config holds the configuration for the PubMed client.
type Config struct {
	BaseURL string

	// APIKey is the NCBI API key. Optional; raises the rate limit.
	APIKey string

	Timeout    time.Duration
	RateLimit  float64
	BurstSize  int
	MaxRetries int

	// MaxResults is the default cap per query.
	MaxResults int

	// Tool and Email identify the client to NCBI.
	Tool  string
	Email string

	Enabled bool
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
		if c.APIKey != "" {
			c.RateLimit = KeyedRateLimit
		}
	}
	if c.BurstSize == 0 {
		c.BurstSize = int(c.RateLimit)
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.Tool == "" {
		c.Tool = "helixir-literature-monitor"
	}
}

// Client implements papersources.Source for PubMed.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.Source = (*Client)(nil)

// New creates a PubMed client with its own rate-limited HTTP client.
func New(cfg Config) *Client {
	cfg.applyDefaults()

	httpCfg := papersources.HTTPClientConfig{
		Source:     SourceName,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		BurstSize:  cfg.BurstSize,
		MaxRetries: cfg.MaxRetries,
		UserAgent:  "Helixir-LiteratureMonitor/1.0 (mailto:support@helixir.io)",
	}

	return &Client{
		config:     cfg,
		httpClient: papersources.NewHTTPClient(httpCfg),
	}
}

// NewWithHTTPClient creates a client using a caller-supplied HTTP client.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// Search runs esearch for PMIDs published inside the window, then efetch for
// the article records in chunks. Results are returned in esearch order.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	if !c.config.Enabled {
		return nil, domain.NewConfigurationError("retrieval", "pubmed source is disabled")
	}
	if strings.TrimSpace(params.Query) == "" {
		return nil, domain.NewValidationError("query", "is required")
	}

	startTime := time.Now()

	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = c.config.MaxResults
	}
	maxResults = min(maxResults, MaxResultsLimit)

	searchResult, err := c.esearch(ctx, params, maxResults)
	if err != nil {
		return nil, err
	}

	result := &papersources.SearchResult{
		Articles:     []*domain.Article{},
		TotalResults: searchResult.Count,
		HasMore:      searchResult.Count > len(searchResult.IDList.IDs),
		Source:       SourceName,
	}

	if searchResult.ErrorList != nil && len(searchResult.ErrorList.PhraseNotFound) > 0 && len(searchResult.IDList.IDs) == 0 {
		result.TotalResults = 0
		result.HasMore = false
		result.SearchDuration = time.Since(startTime)
		return result, nil
	}

	ids := searchResult.IDList.IDs
	for start := 0; start < len(ids); start += fetchChunkSize {
		end := min(start+fetchChunkSize, len(ids))
		set, err := c.efetch(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, article := range set.Articles {
			result.Articles = append(result.Articles, c.toArticle(article, params))
		}
	}

	result.SearchDuration = time.Since(startTime)
	return result, nil
}

// Name returns the source name used in broad query configuration.
func (c *Client) Name() string {
	return SourceName
}

// IsEnabled returns whether the source is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("retmode", "xml")
	q.Set("tool", c.config.Tool)
	if c.config.Email != "" {
		q.Set("email", c.config.Email)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	return q
}

// esearch returns the PMIDs matching the query within the publication window.
func (c *Client) esearch(ctx context.Context, params papersources.SearchParams, maxResults int) (*ESearchResult, error) {
	q := c.baseQuery()
	q.Set("term", params.Query)
	q.Set("usehistory", "n")
	q.Set("sort", "pub_date")
	q.Set("retmax", strconv.Itoa(maxResults))
	if !params.Window.Start.IsZero() && !params.Window.End.IsZero() {
		q.Set("datetype", "pdat")
		q.Set("mindate", params.Window.Start.Format("2006/01/02"))
		q.Set("maxdate", params.Window.End.Format("2006/01/02"))
	}

	var result ESearchResult
	if err := c.get(ctx, "/esearch.fcgi", q, &result); err != nil {
		return nil, fmt.Errorf("esearch: %w", err)
	}
	if result.ErrorMessage != "" {
		return nil, domain.NewExternalServiceError(SourceName, http.StatusOK, result.ErrorMessage, nil)
	}
	return &result, nil
}

// efetch retrieves full article records for the given PMIDs.
func (c *Client) efetch(ctx context.Context, pmids []string) (*PubmedArticleSet, error) {
	if len(pmids) == 0 {
		return &PubmedArticleSet{}, nil
	}

	q := c.baseQuery()
	q.Set("id", strings.Join(pmids, ","))
	q.Set("rettype", "abstract")

	var result PubmedArticleSet
	if err := c.get(ctx, "/efetch.fcgi", q, &result); err != nil {
		return nil, fmt.Errorf("efetch: %w", err)
	}
	return &result, nil
}

// get performs a GET against an E-utilities endpoint and decodes the XML body into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.config.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return domain.NewExternalServiceError(SourceName, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return domain.NewExternalServiceError(SourceName, resp.StatusCode, truncate(string(body), 500), nil)
	}

	if err := xml.Unmarshal(body, out); err != nil {
		return domain.NewExternalServiceError(SourceName, resp.StatusCode, "malformed XML response", err)
	}
	return nil
}

// toArticle converts a PubmedArticle to a domain.Article.
func (c *Client) toArticle(article PubmedArticle, params papersources.SearchParams) *domain.Article {
	citation := article.MedlineCitation
	pubmedData := article.PubmedData
	pmid := strings.TrimSpace(citation.PMID.Value)

	doi := extractDOI(citation.Article, pubmedData)

	var pmcid string
	for _, aid := range pubmedData.ArticleIdList.ArticleIds {
		if aid.IdType == "pmc" {
			pmcid = aid.Value
			break
		}
	}

	journal := citation.Article.Journal.Title
	if journal == "" {
		journal = citation.Article.Journal.ISOAbbreviation
	}

	rawMetadata := map[string]any{
		"pmid": pmid,
	}
	if pmcid != "" {
		rawMetadata["pmcid"] = pmcid
	}
	if v := citation.Article.Journal.JournalIssue.Volume; v != "" {
		rawMetadata["volume"] = v
	}
	if v := citation.Article.Journal.JournalIssue.Issue; v != "" {
		rawMetadata["issue"] = v
	}
	if pages := extractPages(citation.Article.Pagination); pages != "" {
		rawMetadata["pages"] = pages
	}
	if types := extractPublicationTypes(citation.Article.PublicationTypeList); len(types) > 0 {
		rawMetadata["publication_types"] = types
	}
	if params.IncludeMeSH && citation.MeshHeadingList != nil {
		meshTerms := make([]string, 0, len(citation.MeshHeadingList.MeshHeadings))
		for _, mh := range citation.MeshHeadingList.MeshHeadings {
			meshTerms = append(meshTerms, mh.DescriptorName.Value)
		}
		rawMetadata["mesh_terms"] = meshTerms
	}
	if citation.KeywordList != nil {
		keywords := make([]string, 0, len(citation.KeywordList.Keywords))
		for _, kw := range citation.KeywordList.Keywords {
			keywords = append(keywords, kw.Value)
		}
		rawMetadata["keywords"] = keywords
	}

	out := &domain.Article{
		Source:          SourceName,
		ExternalID:      pmid,
		DOI:             doi,
		Title:           strings.TrimSpace(citation.Article.ArticleTitle),
		Authors:         extractAuthors(citation.Article.AuthorList),
		Journal:         journal,
		PublicationDate: extractPublicationDate(citation.Article),
		URL:             "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		RawMetadata:     rawMetadata,
	}
	if params.IncludeAbstracts {
		out.Abstract = extractAbstract(citation.Article.Abstract)
	}
	return out
}

func extractPublicationTypes(list *PublicationTypeList) []string {
	if list == nil {
		return nil
	}
	types := make([]string, 0, len(list.PublicationTypes))
	for _, pt := range list.PublicationTypes {
		types = append(types, pt.Value)
	}
	return types
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// extractDOI prefers a valid ELocationID and falls back to ArticleIdList.
func extractDOI(article Article, pubmedData PubmedData) string {
	for _, eloc := range article.ELocationID {
		if eloc.EIdType == "doi" && (eloc.Valid == "" || eloc.Valid == "Y") {
			return strings.TrimSpace(eloc.Value)
		}
	}
	for _, aid := range pubmedData.ArticleIdList.ArticleIds {
		if aid.IdType == "doi" {
			return strings.TrimSpace(aid.Value)
		}
	}
	return ""
}

// extractPublicationDate uses the electronic ArticleDate when present, else the
// journal issue PubDate. Partial dates resolve to the first day of the period.
func extractPublicationDate(article Article) *time.Time {
	for _, ad := range article.ArticleDate {
		if ad.DateType == "" || strings.EqualFold(ad.DateType, "electronic") || ad.DateType == "epublish" {
			if t := parseDate(ad.Year, ad.Month, ad.Day); t != nil {
				return t
			}
		}
	}

	pubDate := article.Journal.JournalIssue.PubDate
	if pubDate.Year != "" {
		return parseDate(pubDate.Year, pubDate.Month, pubDate.Day)
	}
	if pubDate.MedlineDate != "" {
		return parseMedlineDate(pubDate.MedlineDate)
	}
	return nil
}

func parseDate(year, month, day string) *time.Time {
	y, err := strconv.Atoi(strings.TrimSpace(year))
	if err != nil {
		return nil
	}

	d := 1
	if parsed, err := strconv.Atoi(strings.TrimSpace(day)); err == nil && parsed >= 1 && parsed <= 31 {
		d = parsed
	}

	t := time.Date(y, parseMonth(month), d, 0, 0, 0, 0, time.UTC)
	return &t
}

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January,
	"feb": time.February, "february": time.February,
	"mar": time.March, "march": time.March,
	"apr": time.April, "april": time.April,
	"may": time.May,
	"jun": time.June, "june": time.June,
	"jul": time.July, "july": time.July,
	"aug": time.August, "august": time.August,
	"sep": time.September, "september": time.September,
	"oct": time.October, "october": time.October,
	"nov": time.November, "november": time.November,
	"dec": time.December, "december": time.December,
}

// parseMonth accepts numeric or English month names, defaulting to January.
func parseMonth(month string) time.Month {
	month = strings.TrimSpace(month)
	if m, err := strconv.Atoi(month); err == nil && m >= 1 && m <= 12 {
		return time.Month(m)
	}
	if m, ok := monthNames[strings.ToLower(month)]; ok {
		return m
	}
	return time.January
}

// parseMedlineDate handles free-form dates such as "2020 Jan-Feb" or "2019-2020".
func parseMedlineDate(medlineDate string) *time.Time {
	parts := strings.Fields(medlineDate)
	if len(parts) == 0 {
		return nil
	}
	year := strings.Split(parts[0], "-")[0]
	month := ""
	if len(parts) > 1 {
		month = strings.Split(parts[1], "-")[0]
	}
	return parseDate(year, month, "")
}

// extractAbstract joins structured abstract sections as "Label: text".
func extractAbstract(abstract *Abstract) string {
	if abstract == nil || len(abstract.AbstractTexts) == 0 {
		return ""
	}

	parts := make([]string, 0, len(abstract.AbstractTexts))
	for _, at := range abstract.AbstractTexts {
		text := strings.TrimSpace(at.Value)
		if text == "" {
			continue
		}
		if at.Label != "" {
			text = at.Label + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

func extractAuthors(authorList *AuthorList) []domain.Author {
	if authorList == nil || len(authorList.Authors) == 0 {
		return nil
	}

	authors := make([]domain.Author, 0, len(authorList.Authors))
	for _, a := range authorList.Authors {
		if a.ValidYN == "N" {
			continue
		}

		name := a.CollectiveName
		if name == "" {
			name = strings.TrimSpace(a.ForeName + " " + a.LastName)
		}
		if name == "" {
			continue
		}

		author := domain.Author{Name: name}
		for _, id := range a.Identifiers {
			if strings.EqualFold(id.Source, "ORCID") {
				author.ORCID = strings.TrimSpace(id.Value)
				break
			}
		}
		if len(a.AffiliationInfo) > 0 {
			author.Affiliation = a.AffiliationInfo[0].Affiliation
		}
		authors = append(authors, author)
	}
	return authors
}

func extractPages(pagination *Pagination) string {
	switch {
	case pagination == nil:
		return ""
	case pagination.MedlinePgn != "":
		return pagination.MedlinePgn
	case pagination.EndPage != "" && pagination.EndPage != pagination.StartPage:
		return pagination.StartPage + "-" + pagination.EndPage
	default:
		return pagination.StartPage
	}
}
