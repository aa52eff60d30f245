// Package reddit searches recommendation subreddits through the public
// search.json listing and pulls the top comments of the best threads.
package reddit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/providers/common"
)

const (
	defaultEndpoint    = "https://www.reddit.com"
	defaultUserAgent   = "watchfinder-discovery/1.0"
	defaultPostLimit   = 15
	defaultThreadLimit = 3
	commentsPerThread  = 40
	minCommentScore    = 2
	maxBodyRunes       = 1200
	sourceName         = "forum"
)

type Config struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
	// PostLimit caps search hits; ThreadLimit caps threads whose comments are read.
	PostLimit   int
	ThreadLimit int
}

type Provider struct {
	client      *http.Client
	endpoint    string
	userAgent   string
	postLimit   int
	threadLimit int
}

type listing struct {
	Data struct {
		Children []struct {
			Kind string    `json:"kind"`
			Data thingData `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type thingData struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Selftext    string `json:"selftext"`
	Body        string `json:"body"`
	Permalink   string `json:"permalink"`
	Score       int    `json:"score"`
	NumComments int    `json:"num_comments"`
	Subreddit   string `json:"subreddit"`
	Stickied    bool   `json:"stickied"`
}

func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	postLimit := cfg.PostLimit
	if postLimit <= 0 {
		postLimit = defaultPostLimit
	}
	threadLimit := cfg.ThreadLimit
	if threadLimit <= 0 {
		threadLimit = defaultThreadLimit
	}
	return &Provider{
		client:      client,
		endpoint:    endpoint,
		userAgent:   userAgent,
		postLimit:   postLimit,
		threadLimit: threadLimit,
	}
}

func (p *Provider) Name() string {
	return "reddit"
}

// Fetch searches the given subreddits for query and returns the matching
// posts followed by the top comments of the most discussed threads.
func (p *Provider) Fetch(ctx context.Context, query string, communities []string) ([]domain.CommunityDocument, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(communities) == 0 {
		return nil, nil
	}
	posts, err := p.search(ctx, query, communities)
	if err != nil {
		return nil, err
	}

	docs := make([]domain.CommunityDocument, 0, len(posts)*4)
	threads := make([]thingData, 0, p.threadLimit)
	for _, post := range posts {
		if post.Stickied {
			continue
		}
		docs = append(docs, domain.CommunityDocument{
			Source: p.Name(),
			Title:  strings.TrimSpace(post.Title),
			Body:   common.Truncate(strings.TrimSpace(post.Selftext), maxBodyRunes),
			URL:    p.endpoint + post.Permalink,
			Score:  post.Score,
		})
		if post.NumComments > 0 && len(threads) < p.threadLimit {
			threads = append(threads, post)
		}
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, thread := range threads {
		group.Go(func() error {
			comments, err := p.comments(groupCtx, thread)
			if err != nil {
				slog.Warn("reddit: thread comments failed",
					slog.String("thread", thread.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			docs = append(docs, comments...)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return docs, nil
}

func (p *Provider) search(ctx context.Context, query string, communities []string) ([]thingData, error) {
	subs := strings.Join(communities, "+")
	uri, err := url.Parse(p.endpoint + "/r/" + url.PathEscape(subs) + "/search.json")
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := uri.Query()
	params.Set("q", query)
	params.Set("restrict_sr", "1")
	params.Set("sort", "relevance")
	params.Set("t", "all")
	params.Set("limit", strconv.Itoa(p.postLimit))
	uri.RawQuery = params.Encode()

	var payload listing
	if err := p.getJSON(ctx, uri.String(), &payload); err != nil {
		return nil, fmt.Errorf("reddit search: %w", err)
	}
	posts := make([]thingData, 0, len(payload.Data.Children))
	for _, child := range payload.Data.Children {
		if child.Kind != "" && child.Kind != "t3" {
			continue
		}
		posts = append(posts, child.Data)
	}
	return posts, nil
}

func (p *Provider) comments(ctx context.Context, thread thingData) ([]domain.CommunityDocument, error) {
	permalink := strings.TrimRight(thread.Permalink, "/")
	if permalink == "" {
		return nil, nil
	}
	uri := p.endpoint + permalink + ".json?sort=top&depth=1&limit=" + strconv.Itoa(commentsPerThread)

	// The comments endpoint returns [post listing, comment listing].
	var payload []listing
	if err := p.getJSON(ctx, uri, &payload); err != nil {
		return nil, err
	}
	if len(payload) < 2 {
		return nil, nil
	}
	docs := make([]domain.CommunityDocument, 0, len(payload[1].Data.Children))
	for _, child := range payload[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		body := strings.TrimSpace(child.Data.Body)
		if body == "" || body == "[deleted]" || body == "[removed]" || child.Data.Score < minCommentScore {
			continue
		}
		docs = append(docs, domain.CommunityDocument{
			Source: p.Name(),
			Body:   common.Truncate(body, maxBodyRunes),
			URL:    p.endpoint + child.Data.Permalink,
			Score:  child.Data.Score,
		})
	}
	return docs, nil
}

func (p *Provider) getJSON(ctx context.Context, uri string, target any) error {
	startedAt := time.Now()
	err := common.RetryWithBackoff(ctx, common.DefaultRetryConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", p.userAgent)
		req.Header.Set("Accept", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := common.CheckStatus(sourceName, resp); err != nil {
			return err
		}
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		if err != nil {
			return err
		}
		return json.Unmarshal(payload, target)
	})
	common.ObserveUpstream(sourceName, startedAt, err)
	return err
}
