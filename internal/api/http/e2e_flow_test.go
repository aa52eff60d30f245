package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"watchfinder/discoveryservice/internal/catalog"
	"watchfinder/discoveryservice/internal/discovery"
	"watchfinder/discoveryservice/internal/domain"
)

// The flow below drives a real discovery.Manager through the HTTP surface
// with in-memory collaborators.

type stubFilters struct{}

func (stubFilters) ExtractFilters(context.Context, string) (domain.Filters, error) {
	filters := domain.DefaultFilters()
	filters.MediaTypes = []domain.MediaKind{domain.MediaKindMovie}
	filters.Genres = []string{"Science Fiction"}
	return filters, nil
}

type stubMiner struct{}

func (stubMiner) Mine(context.Context, string, domain.Intent) domain.CommunityContext {
	return domain.CommunityContext{
		Mentions: []domain.TitleMention{{Title: "Arrival", MentionCount: 3}},
		Phrases:  []string{"slow burn"},
	}
}

type stubCatalog struct{}

func (stubCatalog) RequestedGenreIDs(context.Context, []string) map[domain.MediaKind]map[int]bool {
	return map[domain.MediaKind]map[int]bool{domain.MediaKindMovie: {878: true}}
}

func (stubCatalog) Discover(_ context.Context, kind domain.MediaKind, _ catalog.DiscoverQuery, page, topK int) ([]domain.Candidate, error) {
	out := make([]domain.Candidate, 0, topK)
	for i := 0; i < topK; i++ {
		id := page*100 + i
		out = append(out, domain.Candidate{
			ID:          domain.CandidateID(kind, id),
			SourceID:    id,
			Title:       "Discovered " + domain.CandidateID(kind, id),
			Kind:        kind,
			ReleaseYear: 2010,
			GenreIDs:    map[int]bool{878: true},
			Popularity:  float64(10 + i),
		})
	}
	return out, nil
}

func (stubCatalog) SearchFreeText(context.Context, string, int) ([]domain.Candidate, error) {
	return nil, nil
}

func (stubCatalog) ResolveMention(_ context.Context, mention domain.TitleMention) (domain.Candidate, bool) {
	if mention.Title != "Arrival" {
		return domain.Candidate{}, false
	}
	return domain.Candidate{
		ID:          domain.CandidateID(domain.MediaKindMovie, 329865),
		SourceID:    329865,
		Title:       "Arrival",
		Kind:        domain.MediaKindMovie,
		ReleaseYear: 2016,
		GenreIDs:    map[int]bool{878: true, 18: true},
		Popularity:  60,
	}, true
}

func newFlowServer(t *testing.T) (http.Handler, *discovery.Manager) {
	t.Helper()
	manager := discovery.NewManager(discovery.Deps{
		Filters: stubFilters{},
		Miner:   stubMiner{},
		Catalog: stubCatalog{},
		History: discovery.NewMemoryHistory(10),
	})
	t.Cleanup(manager.Shutdown)
	return NewServer(manager, WithRateLimit(1000, 1000)).Handler(), manager
}

func do(t *testing.T, handler http.Handler, method, target, body string, dest any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if dest != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return rec.Code
}

func TestE2EDiscoveryFlow(t *testing.T) {
	handler, manager := newFlowServer(t)

	var created domain.SessionView
	if code := do(t, handler, http.MethodPost, "/discover/sessions", "", &created); code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", code)
	}
	if created.SessionID == "" || created.State != domain.StateIdle {
		t.Fatalf("unexpected created view: %+v", created)
	}
	base := "/discover/sessions/" + created.SessionID

	if code := do(t, handler, http.MethodPost, base+"/more", "", nil); code != http.StatusConflict {
		t.Fatalf("show more before search: expected 409, got %d", code)
	}

	var searched domain.SessionView
	if code := do(t, handler, http.MethodPost, base+"/search", `{"prompt":"slow burn first contact sci-fi"}`, &searched); code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", code)
	}
	if searched.State != domain.StateScored {
		t.Fatalf("expected scored state, got %s", searched.State)
	}
	if searched.Visible != 8 || len(searched.Items) != 8 {
		t.Fatalf("expected first window of 8, got visible=%d items=%d", searched.Visible, len(searched.Items))
	}
	if searched.Items[0].Title != "Arrival" || !searched.Items[0].Community {
		t.Fatalf("community mention must lead the list, got %+v", searched.Items[0].Candidate)
	}

	var more domain.SessionView
	if code := do(t, handler, http.MethodPost, base+"/more", "", &more); code != http.StatusOK {
		t.Fatalf("more: expected 200, got %d", code)
	}
	if more.Visible <= searched.Visible {
		t.Fatalf("show more must grow the window: %d -> %d", searched.Visible, more.Visible)
	}

	var refined domain.SessionView
	if code := do(t, handler, http.MethodPost, base+"/refine", `{"direction":"closer"}`, &refined); code != http.StatusOK {
		t.Fatalf("refine: expected 200, got %d", code)
	}
	if refined.Spectrum != domain.SpectrumTight {
		t.Fatalf("expected tight spectrum, got %s", refined.Spectrum)
	}
	if code := do(t, handler, http.MethodPost, base+"/refine", `{"direction":"sideways"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("bad direction: expected 400, got %d", code)
	}

	var history struct {
		Items []domain.SearchRecord `json:"items"`
	}
	if code := do(t, handler, http.MethodGet, base+"/history", "", &history); code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", code)
	}
	if len(history.Items) != 1 || history.Items[0].Prompt != "slow burn first contact sci-fi" {
		t.Fatalf("unexpected history: %+v", history.Items)
	}

	if manager.Len() != 1 {
		t.Fatalf("expected one live session, got %d", manager.Len())
	}
}

func TestE2EUnknownSession(t *testing.T) {
	handler, _ := newFlowServer(t)
	if code := do(t, handler, http.MethodPost, "/discover/sessions/nope/search", `{"prompt":"anything"}`, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}
