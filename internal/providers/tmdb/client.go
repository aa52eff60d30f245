// Package tmdb is a thin TMDB v3 client: discover, search, genre lists and
// watch providers, with optional Redis response caching and request pacing.
package tmdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"watchfinder/discoveryservice/internal/metrics"
	"watchfinder/discoveryservice/internal/providers/common"
)

const (
	defaultBaseURL  = "https://api.themoviedb.org/3"
	defaultLanguage = "en-US"
	defaultRPS      = 20
	redisCacheKey   = "discovery:tmdb:"
	sourceName      = "catalog"
	maxBodyBytes    = 2 << 20
)

// ErrNotFound is returned when the catalog has no record for an id.
var ErrNotFound = errors.New("tmdb: not found")

type Client struct {
	apiKey   string
	baseURL  string
	language string
	http     *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
	limiter  *rate.Limiter
	retry    common.RetryConfig
}

type Config struct {
	APIKey            string
	BaseURL           string
	Language          string
	Client            *http.Client
	Redis             *redis.Client
	CacheTTL          time.Duration
	RequestsPerSecond int
	Retry             *common.RetryConfig
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = defaultLanguage
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	retry := common.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	return &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		http:     httpClient,
		redis:    cfg.Redis,
		cacheTTL: cacheTTL,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		retry:    retry,
	}
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Result is one movie or tv record as returned by discover and search.
type Result struct {
	ID               int      `json:"id"`
	Title            string   `json:"title,omitempty"`
	Name             string   `json:"name,omitempty"`
	OriginalTitle    string   `json:"original_title,omitempty"`
	OriginalName     string   `json:"original_name,omitempty"`
	Overview         string   `json:"overview,omitempty"`
	PosterPath       string   `json:"poster_path,omitempty"`
	Popularity       float64  `json:"popularity,omitempty"`
	VoteAverage      float64  `json:"vote_average,omitempty"`
	VoteCount        int      `json:"vote_count,omitempty"`
	ReleaseDate      string   `json:"release_date,omitempty"`
	FirstAirDate     string   `json:"first_air_date,omitempty"`
	MediaType        string   `json:"media_type,omitempty"`
	GenreIDs         []int    `json:"genre_ids,omitempty"`
	OriginCountry    []string `json:"origin_country,omitempty"`
	OriginalLanguage string   `json:"original_language,omitempty"`
}

func (r Result) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return r.Name
}

func (r Result) Year() int {
	date := r.ReleaseDate
	if date == "" {
		date = r.FirstAirDate
	}
	return common.ParseReleaseYear(date)
}

type Page struct {
	Page         int      `json:"page"`
	Results      []Result `json:"results"`
	TotalPages   int      `json:"total_pages"`
	TotalResults int      `json:"total_results"`
}

type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type genreListResponse struct {
	Genres []Genre `json:"genres"`
}

type Provider struct {
	ProviderID      int    `json:"provider_id"`
	ProviderName    string `json:"provider_name"`
	LogoPath        string `json:"logo_path,omitempty"`
	DisplayPriority int    `json:"display_priority,omitempty"`
}

type RegionProviders struct {
	Link     string     `json:"link,omitempty"`
	Flatrate []Provider `json:"flatrate,omitempty"`
	Rent     []Provider `json:"rent,omitempty"`
	Buy      []Provider `json:"buy,omitempty"`
}

type WatchProviders struct {
	ID      int                        `json:"id"`
	Results map[string]RegionProviders `json:"results"`
}

// DiscoverParams narrows a /discover call. Zero values are omitted.
type DiscoverParams struct {
	GenreIDs []int
	// MatchAllGenres joins GenreIDs with "," (AND) instead of "|" (OR).
	MatchAllGenres   bool
	YearFrom         int
	YearTo           int
	OriginalLanguage string
	OriginCountry    string
	MinVoteCount     int
	Page             int
}

// Encode renders the query string for the given catalog path ("movie" or "tv").
func (p DiscoverParams) Encode(path string) url.Values {
	params := url.Values{}
	if len(p.GenreIDs) > 0 {
		ids := make([]string, 0, len(p.GenreIDs))
		for _, id := range p.GenreIDs {
			ids = append(ids, strconv.Itoa(id))
		}
		sep := "|"
		if p.MatchAllGenres {
			sep = ","
		}
		params.Set("with_genres", strings.Join(ids, sep))
	}
	dateField := "primary_release_date"
	if path == "tv" {
		dateField = "first_air_date"
	}
	if p.YearFrom > 0 {
		params.Set(dateField+".gte", fmt.Sprintf("%04d-01-01", p.YearFrom))
	}
	if p.YearTo > 0 {
		params.Set(dateField+".lte", fmt.Sprintf("%04d-12-31", p.YearTo))
	}
	if p.OriginalLanguage != "" {
		params.Set("with_original_language", p.OriginalLanguage)
	}
	if p.OriginCountry != "" {
		params.Set("with_origin_country", p.OriginCountry)
	}
	if p.MinVoteCount > 0 {
		params.Set("vote_count.gte", strconv.Itoa(p.MinVoteCount))
	}
	params.Set("sort_by", "popularity.desc")
	page := p.Page
	if page <= 0 {
		page = 1
	}
	params.Set("page", strconv.Itoa(page))
	params.Set("include_adult", "false")
	return params
}

func validPath(path string) error {
	if path != "movie" && path != "tv" {
		return fmt.Errorf("tmdb: unsupported media path %q", path)
	}
	return nil
}

func (c *Client) Discover(ctx context.Context, path string, params DiscoverParams) (Page, error) {
	var page Page
	if !c.Enabled() {
		return page, nil
	}
	if err := validPath(path); err != nil {
		return page, err
	}
	if err := c.getJSON(ctx, "/discover/"+path, params.Encode(path), &page); err != nil {
		return Page{}, fmt.Errorf("tmdb discover %s: %w", path, err)
	}
	for i := range page.Results {
		page.Results[i].MediaType = path
	}
	return page, nil
}

// SearchMulti searches movies and tv together; people are dropped.
func (c *Client) SearchMulti(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if !c.Enabled() || query == "" {
		return nil, nil
	}
	params := url.Values{
		"query":         {query},
		"include_adult": {"false"},
	}
	var page Page
	if err := c.getJSON(ctx, "/search/multi", params, &page); err != nil {
		return nil, fmt.Errorf("tmdb search multi: %w", err)
	}
	results := make([]Result, 0, len(page.Results))
	for _, r := range page.Results {
		if r.MediaType == "movie" || r.MediaType == "tv" {
			results = append(results, r)
		}
	}
	return results, nil
}

// Search searches one media path, optionally narrowed to a release year.
func (c *Client) Search(ctx context.Context, path, query string, year int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if !c.Enabled() || query == "" {
		return nil, nil
	}
	if err := validPath(path); err != nil {
		return nil, err
	}
	params := url.Values{
		"query":         {query},
		"include_adult": {"false"},
	}
	if year > 0 {
		if path == "tv" {
			params.Set("first_air_date_year", strconv.Itoa(year))
		} else {
			params.Set("primary_release_year", strconv.Itoa(year))
		}
	}
	var page Page
	if err := c.getJSON(ctx, "/search/"+path, params, &page); err != nil {
		return nil, fmt.Errorf("tmdb search %s: %w", path, err)
	}
	for i := range page.Results {
		page.Results[i].MediaType = path
	}
	return page.Results, nil
}

func (c *Client) Genres(ctx context.Context, path string) ([]Genre, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if err := validPath(path); err != nil {
		return nil, err
	}
	var response genreListResponse
	if err := c.getJSON(ctx, "/genre/"+path+"/list", url.Values{}, &response); err != nil {
		return nil, fmt.Errorf("tmdb genres %s: %w", path, err)
	}
	return response.Genres, nil
}

func (c *Client) WatchProviders(ctx context.Context, path string, id int) (WatchProviders, error) {
	var response WatchProviders
	if !c.Enabled() {
		return response, ErrNotFound
	}
	if err := validPath(path); err != nil {
		return response, err
	}
	err := c.getJSON(ctx, "/"+path+"/"+strconv.Itoa(id)+"/watch/providers", url.Values{}, &response)
	if err != nil {
		var statusErr *common.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return response, ErrNotFound
		}
		return response, fmt.Errorf("tmdb watch providers %s/%d: %w", path, id, err)
	}
	return response, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, target any) error {
	params.Set("language", c.language)
	cacheKey := redisCacheKey + strings.TrimPrefix(endpoint, "/") + "?" + params.Encode()

	if c.redis != nil {
		data, err := c.redis.Get(ctx, cacheKey).Bytes()
		if err == nil && json.Unmarshal(data, target) == nil {
			metrics.CacheHitsTotal.WithLabelValues(sourceName).Inc()
			return nil
		}
		metrics.CacheMissesTotal.WithLabelValues(sourceName).Inc()
	}

	query := url.Values{}
	for key, values := range params {
		query[key] = values
	}
	query.Set("api_key", c.apiKey)
	reqURL := c.baseURL + endpoint + "?" + query.Encode()

	var body []byte
	startedAt := time.Now()
	err := common.RetryWithBackoff(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := common.CheckStatus(sourceName, resp); err != nil {
			return err
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return err
	})
	common.ObserveUpstream(sourceName, startedAt, err)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKey, body, c.cacheTTL).Err(); err != nil {
			slog.Debug("tmdb cache write failed", slog.String("key", cacheKey), slog.String("error", err.Error()))
		}
	}
	return nil
}
