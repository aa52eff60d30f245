package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/providers/tmdb"
)

type fakeClient struct {
	mu          sync.Mutex
	genreCalls  int
	genreErr    error
	discover    []tmdb.DiscoverParams
	discoverRes map[string][]tmdb.Result
	multi       map[string][]tmdb.Result
	byKind      map[string][]tmdb.Result
	queries     []string
	watch       tmdb.WatchProviders
	watchErr    error
}

func (f *fakeClient) Genres(_ context.Context, path string) ([]tmdb.Genre, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.genreCalls++
	if f.genreErr != nil {
		return nil, f.genreErr
	}
	if path == "tv" {
		return []tmdb.Genre{{ID: 16, Name: "Animation"}, {ID: 35, Name: "Comedy"}, {ID: 10765, Name: "Sci-Fi & Fantasy"}}, nil
	}
	return []tmdb.Genre{{ID: 16, Name: "Animation"}, {ID: 35, Name: "Comedy"}, {ID: 878, Name: "Science Fiction"}, {ID: 14, Name: "Fantasy"}}, nil
}

func (f *fakeClient) Discover(_ context.Context, path string, params tmdb.DiscoverParams) (tmdb.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discover = append(f.discover, params)
	return tmdb.Page{Results: f.discoverRes[path]}, nil
}

func (f *fakeClient) SearchMulti(_ context.Context, query string) ([]tmdb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, "multi:"+query)
	return f.multi[strings.ToLower(query)], nil
}

func (f *fakeClient) Search(_ context.Context, path, query string, year int) ([]tmdb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, path+":"+query)
	return f.byKind[path+":"+strings.ToLower(query)], nil
}

func (f *fakeClient) WatchProviders(context.Context, string, int) (tmdb.WatchProviders, error) {
	return f.watch, f.watchErr
}

func newGateway(client *fakeClient) *Gateway {
	gateway := NewGateway(client, nil)
	gateway.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return gateway
}

func TestDiscoverParamsForAnimeIntent(t *testing.T) {
	client := &fakeClient{}
	gateway := newGateway(client)
	query := DiscoverQuery{
		Filters:  domain.Filters{Genres: []string{"Comedy"}, YearMin: 1990, YearMax: 2025, Languages: []string{"en"}},
		Intent:   domain.Intent{AnimeOnly: true},
		Spectrum: domain.SpectrumNormal,
	}
	if _, err := gateway.Discover(context.Background(), domain.MediaKindSeries, query, 1, 10); err != nil {
		t.Fatalf("discover: %v", err)
	}
	params := client.discover[0].Encode("tv")
	if params.Get("with_genres") != "16" {
		t.Fatalf("anime discover must pin Animation, got %q", params.Get("with_genres"))
	}
	if params.Get("with_original_language") != "ja" || params.Get("with_origin_country") != "JP" {
		t.Fatalf("anime discover must pin ja/JP, got %v", params)
	}
	if params.Get("first_air_date.gte") != "1984-01-01" || params.Get("first_air_date.lte") != "2025-12-31" {
		t.Fatalf("unexpected padded window %v", params)
	}
	if params.Get("vote_count.gte") != "10" {
		t.Fatalf("normal spectrum vote floor missing: %v", params)
	}
}

func TestDiscoverParamsMapsGenresPerKind(t *testing.T) {
	client := &fakeClient{}
	gateway := newGateway(client)
	query := DiscoverQuery{
		Filters:  domain.Filters{Genres: []string{"Science Fiction", "Fantasy"}, YearMin: 2000, YearMax: 2010, Languages: []string{"ko"}},
		Spectrum: domain.SpectrumTight,
	}
	movie := gateway.DiscoverParams(context.Background(), domain.MediaKindMovie, query, 2)
	if len(movie.GenreIDs) != 2 || movie.GenreIDs[0] != 14 || movie.GenreIDs[1] != 878 {
		t.Fatalf("unexpected movie genres %v", movie.GenreIDs)
	}
	tv := gateway.DiscoverParams(context.Background(), domain.MediaKindSeries, query, 2)
	if len(tv.GenreIDs) != 1 || tv.GenreIDs[0] != 10765 {
		t.Fatalf("expected merged tv genre, got %v", tv.GenreIDs)
	}
	if movie.YearFrom != 2000 || movie.YearTo != 2010 || movie.Page != 2 {
		t.Fatalf("tight spectrum must not pad: %+v", movie)
	}
	if movie.MinVoteCount != 50 {
		t.Fatalf("tight spectrum must raise the vote floor: %+v", movie)
	}
	if movie.OriginalLanguage != "ko" {
		t.Fatalf("explicit language not forwarded: %+v", movie)
	}
	if client.genreCalls != 2 {
		t.Fatalf("genre table should load once per kind, got %d calls", client.genreCalls)
	}
}

func TestGenreTableRetriesAfterFailure(t *testing.T) {
	client := &fakeClient{genreErr: errors.New("catalog down")}
	table := NewGenreTable(client)
	if err := table.EnsureLoaded(context.Background()); err == nil {
		t.Fatal("expected load failure")
	}
	if ids := table.IDs(domain.MediaKindMovie, []string{"Animation"}); len(ids) != 0 {
		t.Fatalf("failed load must leave the table empty, got %v", ids)
	}
	client.genreErr = nil
	if err := table.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	calls := client.genreCalls
	if err := table.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("idempotent load: %v", err)
	}
	if client.genreCalls != calls {
		t.Fatal("loaded table must not refetch")
	}
	sets := table.IDSets([]string{"Animation"})
	if !sets[domain.MediaKindMovie][16] || !sets[domain.MediaKindSeries][16] {
		t.Fatalf("unexpected id sets %v", sets)
	}
}

func TestDiscoverKeepsTopK(t *testing.T) {
	results := make([]tmdb.Result, 0, 20)
	for i := 1; i <= 20; i++ {
		results = append(results, tmdb.Result{ID: i, Title: "Film", MediaType: "movie"})
	}
	client := &fakeClient{discoverRes: map[string][]tmdb.Result{"movie": results}}
	candidates, err := newGateway(client).Discover(context.Background(), domain.MediaKindMovie, DiscoverQuery{Spectrum: domain.SpectrumNormal}, 1, 10)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(candidates) != 10 || candidates[0].ID != "movie:1" {
		t.Fatalf("unexpected candidates %d %+v", len(candidates), candidates[0])
	}
}

func TestToCandidate(t *testing.T) {
	candidate, ok := ToCandidate(tmdb.Result{
		ID: 129, Title: "Spirited Away", MediaType: "movie", ReleaseDate: "2001-07-20",
		GenreIDs: []int{16, 14}, Popularity: 90, OriginalLanguage: "JA",
	})
	if !ok {
		t.Fatal("expected candidate")
	}
	if candidate.ID != "movie:129" || candidate.ReleaseYear != 2001 || !candidate.HasGenre(16) || candidate.OriginalLanguage != "ja" {
		t.Fatalf("unexpected candidate %+v", candidate)
	}
	if _, ok := ToCandidate(tmdb.Result{ID: 1, Name: "Someone", MediaType: "person"}); ok {
		t.Fatal("people must be rejected")
	}
}

func TestResolveMentionExactMatch(t *testing.T) {
	client := &fakeClient{multi: map[string][]tmdb.Result{
		"mushishi": {
			{ID: 1, Name: "Mushi-Shi: The Next Passage", MediaType: "tv", Popularity: 10},
			{ID: 2, Name: "Mushishi", MediaType: "tv", FirstAirDate: "2005-10-23", Popularity: 20},
		},
	}}
	candidate, ok := newGateway(client).ResolveMention(context.Background(), domain.TitleMention{Title: "Mushishi"})
	if !ok || candidate.ID != "series:2" {
		t.Fatalf("expected series:2, got %+v %v", candidate, ok)
	}
	if len(client.queries) != 1 {
		t.Fatalf("first accepted strategy should stop the search, got %v", client.queries)
	}
}

func TestResolveMentionFallsThroughStrategies(t *testing.T) {
	client := &fakeClient{
		multi: map[string][]tmdb.Result{
			"the garden of words": {{ID: 9, Title: "Garden State", MediaType: "movie", Popularity: 500}},
		},
		byKind: map[string][]tmdb.Result{
			"movie:the garden of words": {{ID: 198375, Title: "The Garden of Words", MediaType: "movie", ReleaseDate: "2013-05-31"}},
		},
	}
	mention := domain.TitleMention{Title: "The Garden of Words", KindHint: domain.MediaKindMovie, YearHint: 2013}
	candidate, ok := newGateway(client).ResolveMention(context.Background(), mention)
	if !ok || candidate.SourceID != 198375 {
		t.Fatalf("expected kind-scoped match, got %+v %v (queries %v)", candidate, ok, client.queries)
	}
	if client.queries[0] != "multi:The Garden of Words" || client.queries[1] != "movie:The Garden of Words" {
		t.Fatalf("unexpected strategy order %v", client.queries)
	}
}

func TestResolveMentionRejectsLowSimilarity(t *testing.T) {
	client := &fakeClient{multi: map[string][]tmdb.Result{
		"wolf's rain": {{ID: 3, Title: "Purple Rain", MediaType: "movie", Popularity: 900}},
	}}
	_, ok := newGateway(client).ResolveMention(context.Background(), domain.TitleMention{Title: "Wolf's Rain"})
	if ok {
		t.Fatal("low-similarity match must be rejected")
	}
}

func TestResolveMentionTriesYearPerKind(t *testing.T) {
	client := &fakeClient{}
	newGateway(client).ResolveMention(context.Background(), domain.TitleMention{Title: "Akira", YearHint: 1988})
	want := []string{"multi:Akira", "movie:Akira", "tv:Akira"}
	if strings.Join(client.queries, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected queries %v", client.queries)
	}
}

func TestWatchProvidersMapsNotFound(t *testing.T) {
	gateway := newGateway(&fakeClient{watchErr: tmdb.ErrNotFound})
	if _, err := gateway.WatchProviders(context.Background(), domain.MediaKindMovie, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	gateway = newGateway(&fakeClient{watch: tmdb.WatchProviders{Results: map[string]tmdb.RegionProviders{
		"us": {Flatrate: []tmdb.Provider{{ProviderID: 283, ProviderName: "Crunchyroll"}}},
	}}})
	info, err := gateway.WatchProviders(context.Background(), domain.MediaKindSeries, 30991)
	if err != nil {
		t.Fatalf("watch providers: %v", err)
	}
	if got := info.Regions["US"].Flatrate; len(got) != 1 || got[0].Name != "Crunchyroll" {
		t.Fatalf("unexpected providers %+v", info)
	}
}
