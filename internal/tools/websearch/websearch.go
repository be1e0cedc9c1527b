// Package websearch implements a web_search tool against DuckDuckGo's HTML
// endpoint. No API key is needed; results are scraped from the result list
// markup.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/perchlabs/agentd/internal/tools"
	"github.com/perchlabs/agentd/pkg/models"
)

const (
	defaultEndpoint   = "https://html.duckduckgo.com/html/"
	defaultMaxResults = 5
	maxMaxResults     = 10
	maxBodyBytes      = 3 * 1024 * 1024
)

// SearchResult is one scraped search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Tool implements web_search.
type Tool struct {
	client   *http.Client
	endpoint string
}

// Option configures the search tool.
type Option func(*Tool)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithEndpoint overrides the search endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(t *Tool) { t.endpoint = endpoint }
}

// New creates a web_search tool.
func New(opts ...Option) *Tool {
	t := &Tool{
		client:   &http.Client{Timeout: 25 * time.Second},
		endpoint: defaultEndpoint,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return "web_search" }

func (t *Tool) Description() string {
	return "Search the web. Returns result titles, URLs, and snippets."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"max_results": {
				"type": "integer",
				"description": "Number of results to return, default 5, max 10",
				"minimum": 1,
				"maximum": 10
			}
		},
		"required": ["query"]
	}`)
}

type params struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*tools.Result, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("web_search: decode params: %w", err)
	}
	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return tools.Errorf("web_search: query is empty"), nil
	}
	if p.MaxResults <= 0 {
		p.MaxResults = defaultMaxResults
	}
	if p.MaxResults > maxMaxResults {
		p.MaxResults = maxMaxResults
	}

	results, err := t.search(ctx, p.Query, p.MaxResults)
	if err != nil {
		return tools.Errorf("web_search: %v", err), nil
	}
	if len(results) == 0 {
		return &tools.Result{Content: fmt.Sprintf("No results for %q.", p.Query)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", p.Query)
	sources := make([]models.SourceRef, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
		sources = append(sources, models.SourceRef{Title: r.Title, URL: r.URL})
	}
	return &tools.Result{Content: b.String(), Sources: sources}, nil
}

func (t *Tool) search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	endpoint := t.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agentd/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return parseResults(string(body), maxResults)
}

// parseResults pulls result anchors and snippets out of the result page.
func parseResults(html string, maxResults int) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse results page: %w", err)
	}

	var results []SearchResult
	doc.Find("a.result__a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		resolved := resolveResultURL(href)
		title := strings.TrimSpace(sel.Text())
		if title == "" || resolved == "" {
			return true
		}
		snippet := ""
		if parent := sel.Closest(".result"); parent.Length() > 0 {
			snippet = strings.Join(strings.Fields(parent.Find(".result__snippet").Text()), " ")
		}
		results = append(results, SearchResult{Title: title, URL: resolved, Snippet: snippet})
		return len(results) < maxResults
	})
	return results, nil
}

// resolveResultURL unwraps DuckDuckGo's redirect links, which carry the real
// target in the uddg query parameter.
func resolveResultURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	// Query() already unescapes, so uddg holds the final URL.
	if q := u.Query().Get("uddg"); q != "" {
		return q
	}
	if strings.HasPrefix(raw, "/") {
		return "https://duckduckgo.com" + raw
	}
	return raw
}
