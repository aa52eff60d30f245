package tmdb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"watchfinder/discoveryservice/internal/providers/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	retry := common.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	return NewClient(Config{
		APIKey:            "test-key",
		BaseURL:           server.URL,
		Client:            server.Client(),
		RequestsPerSecond: 1000,
		Retry:             &retry,
	})
}

func TestDiscoverParamsEncode(t *testing.T) {
	params := DiscoverParams{
		GenreIDs:         []int{16, 35},
		YearFrom:         1994,
		YearTo:           2010,
		OriginalLanguage: "ja",
		OriginCountry:    "JP",
		Page:             2,
	}.Encode("tv")

	if got := params.Get("with_genres"); got != "16|35" {
		t.Fatalf("with_genres = %q", got)
	}
	if got := params.Get("first_air_date.gte"); got != "1994-01-01" {
		t.Fatalf("first_air_date.gte = %q", got)
	}
	if got := params.Get("first_air_date.lte"); got != "2010-12-31" {
		t.Fatalf("first_air_date.lte = %q", got)
	}
	if params.Get("with_original_language") != "ja" || params.Get("with_origin_country") != "JP" {
		t.Fatalf("missing origin filters: %v", params)
	}
	if params.Get("page") != "2" || params.Get("sort_by") != "popularity.desc" {
		t.Fatalf("unexpected paging: %v", params)
	}

	movie := DiscoverParams{GenreIDs: []int{18, 10749}, MatchAllGenres: true, YearFrom: 2000}.Encode("movie")
	if movie.Get("with_genres") != "18,10749" {
		t.Fatalf("expected AND-joined genres, got %q", movie.Get("with_genres"))
	}
	if movie.Get("primary_release_date.gte") != "2000-01-01" {
		t.Fatalf("unexpected movie date field: %v", movie)
	}
	if movie.Has("vote_count.gte") {
		t.Fatalf("zero vote floor must be omitted: %v", movie)
	}
	if got := (DiscoverParams{MinVoteCount: 50}).Encode("movie").Get("vote_count.gte"); got != "50" {
		t.Fatalf("vote_count.gte = %q", got)
	}
}

func TestDiscoverSendsKeyAndTagsMediaType(t *testing.T) {
	var seen url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discover/tv" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		seen = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"page":1,"total_pages":3,"results":[{"id":30991,"name":"Cowboy Bebop","first_air_date":"1998-04-03","genre_ids":[16,10759],"origin_country":["JP"],"original_language":"ja","popularity":80.5}]}`))
	})

	page, err := client.Discover(context.Background(), "tv", DiscoverParams{GenreIDs: []int{16}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if seen.Get("api_key") != "test-key" || seen.Get("language") != "en-US" {
		t.Fatalf("missing auth or language: %v", seen)
	}
	if page.TotalPages != 3 || len(page.Results) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	got := page.Results[0]
	if got.MediaType != "tv" || got.DisplayTitle() != "Cowboy Bebop" || got.Year() != 1998 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSearchMultiDropsPeople(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[
			{"id":1,"title":"Akira","media_type":"movie","release_date":"1988-07-16"},
			{"id":2,"name":"Katsuhiro Otomo","media_type":"person"},
			{"id":3,"name":"Akira","media_type":"tv"}
		]}`))
	})
	results, err := client.SearchMulti(context.Background(), "Akira")
	if err != nil {
		t.Fatalf("search multi: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.MediaType == "person" {
			t.Fatal("person leaked into results")
		}
	}
}

func TestSearchPassesYearPerPath(t *testing.T) {
	var movieYear, tvYear string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/movie":
			movieYear = r.URL.Query().Get("primary_release_year")
		case "/search/tv":
			tvYear = r.URL.Query().Get("first_air_date_year")
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	})
	if _, err := client.Search(context.Background(), "movie", "Paprika", 2006); err != nil {
		t.Fatalf("search movie: %v", err)
	}
	if _, err := client.Search(context.Background(), "tv", "Mushishi", 2005); err != nil {
		t.Fatalf("search tv: %v", err)
	}
	if movieYear != "2006" || tvYear != "2005" {
		t.Fatalf("unexpected years: movie=%q tv=%q", movieYear, tvYear)
	}
	if _, err := client.Search(context.Background(), "person", "x", 0); err == nil {
		t.Fatal("expected error for unsupported path")
	}
}

func TestWatchProvidersNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status_code":34}`, http.StatusNotFound)
	})
	_, err := client.WatchProviders(context.Background(), "movie", 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWatchProvidersDecodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/movie/129/watch/providers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":129,"results":{"US":{"link":"https://example.test/129","flatrate":[{"provider_id":8,"provider_name":"Netflix","logo_path":"/n.png"}]}}}`))
	})
	info, err := client.WatchProviders(context.Background(), "movie", 129)
	if err != nil {
		t.Fatalf("watch providers: %v", err)
	}
	us, ok := info.Results["US"]
	if !ok || len(us.Flatrate) != 1 || us.Flatrate[0].ProviderName != "Netflix" {
		t.Fatalf("unexpected providers: %+v", info)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"genres":[{"id":16,"name":"Animation"}]}`))
	})
	genres, err := client.Genres(context.Background(), "movie")
	if err != nil {
		t.Fatalf("genres: %v", err)
	}
	if calls.Load() != 2 || len(genres) != 1 || genres[0].ID != 16 {
		t.Fatalf("unexpected outcome: calls=%d genres=%+v", calls.Load(), genres)
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	client := NewClient(Config{})
	if client.Enabled() {
		t.Fatal("client without key must be disabled")
	}
	results, err := client.SearchMulti(context.Background(), "Akira")
	if err != nil || results != nil {
		t.Fatalf("expected nil results, got %v %v", results, err)
	}
}
