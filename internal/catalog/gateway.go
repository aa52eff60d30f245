// Package catalog is the discovery pipeline's view of the media catalog:
// filtered discovery, free-text and per-kind search, mention resolution and
// watch providers, all returning domain candidates.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/providers/tmdb"
	"watchfinder/discoveryservice/internal/vocab"
)

// ErrNotFound is returned when the catalog has no record for a requested id.
var ErrNotFound = errors.New("catalog: not found")

// Client is the subset of the TMDB client the gateway uses.
type Client interface {
	GenreLister
	Discover(ctx context.Context, path string, params tmdb.DiscoverParams) (tmdb.Page, error)
	SearchMulti(ctx context.Context, query string) ([]tmdb.Result, error)
	Search(ctx context.Context, path, query string, year int) ([]tmdb.Result, error)
	WatchProviders(ctx context.Context, path string, id int) (tmdb.WatchProviders, error)
}

// DiscoverQuery is everything a discover call is derived from.
type DiscoverQuery struct {
	Filters  domain.Filters
	Intent   domain.Intent
	Spectrum domain.Spectrum
}

type Gateway struct {
	client Client
	genres *GenreTable
	now    func() time.Time
}

func NewGateway(client Client, genres *GenreTable) *Gateway {
	if genres == nil {
		genres = NewGenreTable(client)
	}
	return &Gateway{client: client, genres: genres, now: time.Now}
}

func (g *Gateway) Genres() *GenreTable {
	return g.genres
}

// RequestedGenreIDs loads the genre table if needed and returns the requested
// genre ids per kind. A failed load yields empty sets.
func (g *Gateway) RequestedGenreIDs(ctx context.Context, genres []string) map[domain.MediaKind]map[int]bool {
	if err := g.genres.EnsureLoaded(ctx); err != nil {
		slog.Warn("catalog: genre table unavailable", slog.String("error", err.Error()))
	}
	return g.genres.IDSets(genres)
}

// DiscoverParams renders the catalog parameters for one kind. The year window
// is widened by the spectrum's padding and the vote floor follows the
// spectrum; anime intent pins Animation and
// Japanese origin.
func (g *Gateway) DiscoverParams(ctx context.Context, kind domain.MediaKind, query DiscoverQuery, page int) tmdb.DiscoverParams {
	pad := query.Spectrum.YearPadding()
	params := tmdb.DiscoverParams{Page: page, MinVoteCount: query.Spectrum.MinVoteCount()}
	if query.Filters.YearMin > 0 {
		params.YearFrom = query.Filters.YearMin - pad
	}
	if query.Filters.YearMax > 0 {
		params.YearTo = min(query.Filters.YearMax+pad, g.now().Year())
	}

	if query.Intent.AnimeOnly {
		params.GenreIDs = []int{vocab.AnimationGenreID}
		params.MatchAllGenres = true
		params.OriginalLanguage = vocab.AnimeLanguage
		params.OriginCountry = vocab.AnimeOriginCountry
		return params
	}

	if len(query.Filters.Genres) > 0 {
		if err := g.genres.EnsureLoaded(ctx); err != nil {
			slog.Warn("catalog: discover without genre ids", slog.String("error", err.Error()))
		} else {
			params.GenreIDs = g.genres.IDs(kind, query.Filters.Genres)
		}
	}
	if languages := query.Filters.Languages; !isDefaultLanguages(languages) {
		params.OriginalLanguage = strings.Join(languages, "|")
	}
	return params
}

func isDefaultLanguages(languages []string) bool {
	return len(languages) == 0 || (len(languages) == 1 && languages[0] == domain.DefaultLanguage)
}

// Discover queries one kind and keeps the top K of the requested page.
func (g *Gateway) Discover(ctx context.Context, kind domain.MediaKind, query DiscoverQuery, page, topK int) ([]domain.Candidate, error) {
	params := g.DiscoverParams(ctx, kind, query, page)
	result, err := g.client.Discover(ctx, kind.CatalogPath(), params)
	if err != nil {
		return nil, err
	}
	return toCandidates(result.Results, topK), nil
}

// SearchFreeText searches both kinds at once and keeps the top K.
func (g *Gateway) SearchFreeText(ctx context.Context, text string, topK int) ([]domain.Candidate, error) {
	results, err := g.client.SearchMulti(ctx, text)
	if err != nil {
		return nil, err
	}
	return toCandidates(results, topK), nil
}

// SearchKind searches one kind, optionally narrowed to a release year.
func (g *Gateway) SearchKind(ctx context.Context, kind domain.MediaKind, text string, year int) ([]domain.Candidate, error) {
	results, err := g.client.Search(ctx, kind.CatalogPath(), text, year)
	if err != nil {
		return nil, err
	}
	return toCandidates(results, 0), nil
}

func (g *Gateway) WatchProviders(ctx context.Context, kind domain.MediaKind, id int) (*domain.ProviderInfo, error) {
	if kind == "" || id <= 0 {
		return nil, ErrNotFound
	}
	response, err := g.client.WatchProviders(ctx, kind.CatalogPath(), id)
	if err != nil {
		if errors.Is(err, tmdb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog watch providers: %w", err)
	}
	info := &domain.ProviderInfo{Regions: make(map[string]domain.RegionProviders, len(response.Results))}
	for region, providers := range response.Results {
		info.Regions[strings.ToUpper(region)] = domain.RegionProviders{
			Link:     providers.Link,
			Flatrate: toWatchProviders(providers.Flatrate),
			Rent:     toWatchProviders(providers.Rent),
			Buy:      toWatchProviders(providers.Buy),
		}
	}
	return info, nil
}

func toWatchProviders(items []tmdb.Provider) []domain.WatchProvider {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.WatchProvider, 0, len(items))
	for _, item := range items {
		out = append(out, domain.WatchProvider{
			ProviderID: item.ProviderID,
			Name:       item.ProviderName,
			LogoPath:   item.LogoPath,
		})
	}
	return out
}

func toCandidates(results []tmdb.Result, topK int) []domain.Candidate {
	candidates := make([]domain.Candidate, 0, len(results))
	for _, result := range results {
		candidate, ok := ToCandidate(result)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate)
		if topK > 0 && len(candidates) >= topK {
			break
		}
	}
	return candidates
}

// ToCandidate maps a catalog record onto a candidate. Records without a
// title, id or supported media type are rejected.
func ToCandidate(result tmdb.Result) (domain.Candidate, bool) {
	kind := domain.NormalizeMediaKind(result.MediaType)
	title := strings.TrimSpace(result.DisplayTitle())
	if kind == "" || title == "" || result.ID <= 0 {
		return domain.Candidate{}, false
	}
	genres := make(map[int]bool, len(result.GenreIDs))
	for _, id := range result.GenreIDs {
		genres[id] = true
	}
	origins := make(map[string]bool, len(result.OriginCountry))
	for _, country := range result.OriginCountry {
		if code := strings.ToUpper(strings.TrimSpace(country)); code != "" {
			origins[code] = true
		}
	}
	popularity := result.Popularity
	if popularity < 0 {
		popularity = 0
	}
	return domain.Candidate{
		ID:               domain.CandidateID(kind, result.ID),
		SourceID:         result.ID,
		Title:            title,
		Kind:             kind,
		ReleaseYear:      result.Year(),
		Overview:         strings.TrimSpace(result.Overview),
		PosterPath:       result.PosterPath,
		GenreIDs:         genres,
		Popularity:       popularity,
		VoteAverage:      result.VoteAverage,
		OriginCountries:  origins,
		OriginalLanguage: strings.ToLower(strings.TrimSpace(result.OriginalLanguage)),
	}, true
}
