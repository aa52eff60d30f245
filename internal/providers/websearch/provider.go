// Package websearch scrapes result titles and snippets from the DuckDuckGo
// HTML endpoint.
package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/providers/common"
)

const (
	defaultEndpoint  = "https://html.duckduckgo.com/html/"
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) watchfinder-discovery/1.0"
	defaultLimit     = 12
	sourceName       = "web"
)

var (
	resultBlockPattern = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*\bresult\b[^"]*"[^>]*>(.*?)<div[^>]+class="[^"]*\bclear\b`)
	resultLinkPattern  = regexp.MustCompile(`(?is)<a[^>]+class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	snippetPattern     = regexp.MustCompile(`(?is)<(?:a|div)[^>]+class="[^"]*result__snippet[^"]*"[^>]*>(.*?)</(?:a|div)>`)
)

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
	Limit     int
}

type Provider struct {
	client    *http.Client
	endpoint  string
	userAgent string
	limit     int
}

type searchEntry struct {
	Title   string
	URL     string
	Snippet string
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Provider{client: client, endpoint: endpoint, userAgent: userAgent, limit: limit}
}

func (p *Provider) Name() string {
	return "websearch"
}

// Fetch runs one web search and returns result snippets as documents.
func (p *Provider) Fetch(ctx context.Context, query string) ([]domain.CommunityDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	uri, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := uri.Query()
	params.Set("q", query)
	uri.RawQuery = params.Encode()

	var payload []byte
	startedAt := time.Now()
	err = common.RetryWithBackoff(ctx, common.DefaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", p.userAgent)
		req.Header.Set("Accept", "text/html")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := common.CheckStatus(sourceName, resp); err != nil {
			return err
		}
		payload, err = io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
		return err
	})
	common.ObserveUpstream(sourceName, startedAt, err)
	if err != nil {
		return nil, fmt.Errorf("websearch: %w", err)
	}

	entries := parseResults(string(payload))
	docs := make([]domain.CommunityDocument, 0, len(entries))
	for _, entry := range entries {
		if len(docs) >= p.limit {
			break
		}
		docs = append(docs, domain.CommunityDocument{
			Source: p.Name(),
			Title:  entry.Title,
			Body:   entry.Snippet,
			URL:    entry.URL,
		})
	}
	return docs, nil
}

func parseResults(payload string) []searchEntry {
	blocks := resultBlockPattern.FindAllStringSubmatch(payload, -1)
	entries := make([]searchEntry, 0, len(blocks))
	for _, block := range blocks {
		link := resultLinkPattern.FindStringSubmatch(block[1])
		if len(link) < 3 {
			continue
		}
		entry := searchEntry{
			URL:   resolveRedirect(link[1]),
			Title: common.CleanHTMLText(link[2]),
		}
		if snippet := snippetPattern.FindStringSubmatch(block[1]); len(snippet) >= 2 {
			entry.Snippet = common.CleanHTMLText(snippet[1])
		}
		if entry.Title == "" && entry.Snippet == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// resolveRedirect unwraps DuckDuckGo's "/l/?uddg=<target>" links.
func resolveRedirect(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "//") {
		value = "https:" + value
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return value
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return value
}
