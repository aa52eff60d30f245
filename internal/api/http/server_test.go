package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"watchfinder/discoveryservice/internal/catalog"
	"watchfinder/discoveryservice/internal/community"
	"watchfinder/discoveryservice/internal/discovery"
	"watchfinder/discoveryservice/internal/domain"
)

type fakeDiscovery struct {
	views      map[string]domain.SessionView
	err        error
	lastPrompt string
	lastDir    string
	lastLimit  int
	moreCalls  int
	records    []domain.SearchRecord
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{views: map[string]domain.SessionView{
		"s1": {SessionID: "s1", State: domain.StateIdle, Spectrum: domain.SpectrumNormal, Confidence: domain.ConfidenceLocal},
	}}
}

func (f *fakeDiscovery) CreateSession() domain.SessionView {
	view := domain.SessionView{SessionID: "new", State: domain.StateIdle}
	f.views["new"] = view
	return view
}

func (f *fakeDiscovery) lookup(id string) (domain.SessionView, error) {
	view, ok := f.views[id]
	if !ok {
		return domain.SessionView{}, discovery.ErrSessionNotFound
	}
	return view, f.err
}

func (f *fakeDiscovery) Session(id string) (domain.SessionView, error) {
	return f.lookup(id)
}

func (f *fakeDiscovery) Search(_ context.Context, id, prompt string) (domain.SessionView, error) {
	f.lastPrompt = prompt
	view, err := f.lookup(id)
	if err != nil {
		return view, err
	}
	view.Prompt = prompt
	view.State = domain.StateScored
	view.Items = []domain.RankedCandidate{{Candidate: domain.Candidate{ID: "movie:1", Title: "Arrival", Kind: domain.MediaKindMovie}}}
	view.Visible = 1
	view.PoolSize = 1
	f.views[id] = view
	return view, nil
}

func (f *fakeDiscovery) Refine(id, direction string) (domain.SessionView, error) {
	f.lastDir = direction
	return f.lookup(id)
}

func (f *fakeDiscovery) ShowMore(_ context.Context, id string) (domain.SessionView, error) {
	f.moreCalls++
	return f.lookup(id)
}

func (f *fakeDiscovery) History(_ context.Context, id string, limit int) ([]domain.SearchRecord, error) {
	f.lastLimit = limit
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return f.records, nil
}

type fakeWatch struct {
	kind domain.MediaKind
	id   int
	err  error
}

func (f *fakeWatch) WatchProviders(_ context.Context, kind domain.MediaKind, id int) (*domain.ProviderInfo, error) {
	f.kind = kind
	f.id = id
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ProviderInfo{Regions: map[string]domain.RegionProviders{
		"US": {Flatrate: []domain.WatchProvider{{ProviderID: 8, Name: "Netflix"}}},
	}}, nil
}

type fakeSources struct {
	items []community.SourceDiagnostics
}

func (f fakeSources) Diagnostics() []community.SourceDiagnostics {
	return f.items
}

func serve(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload.Error.Code
}

func TestHealth(t *testing.T) {
	rec := serve(t, NewServer(newFakeDiscovery()), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCreateSession(t *testing.T) {
	rec := serve(t, NewServer(newFakeDiscovery()), http.MethodPost, "/discover/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var view domain.SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.SessionID != "new" || view.State != domain.StateIdle {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestSearchTrimsPromptAndReturnsView(t *testing.T) {
	fake := newFakeDiscovery()
	rec := serve(t, NewServer(fake), http.MethodPost, "/discover/sessions/s1/search", `{"prompt":"  slow burn sci-fi  "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fake.lastPrompt != "slow burn sci-fi" {
		t.Fatalf("unexpected prompt: %q", fake.lastPrompt)
	}
	var view domain.SessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.State != domain.StateScored || len(view.Items) != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestSearchRejectsBadBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing prompt", `{}`},
		{"blank prompt", `{"prompt":"   "}`},
		{"unknown field", `{"prompt":"x","limit":3}`},
		{"malformed", `{"prompt":`},
		{"too long", `{"prompt":"` + strings.Repeat("a", maxPromptLength+1) + `"}`},
	}
	for _, tc := range cases {
		fake := newFakeDiscovery()
		rec := serve(t, NewServer(fake), http.MethodPost, "/discover/sessions/s1/search", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rec.Code)
		}
		if fake.lastPrompt != "" {
			t.Fatalf("%s: service must not be called", tc.name)
		}
	}
}

func TestDiscoveryErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{discovery.ErrBusy, http.StatusConflict, "busy"},
		{discovery.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{discovery.ErrInvalidDirection, http.StatusBadRequest, "invalid_request"},
		{discovery.ErrNoResults, http.StatusUnprocessableEntity, "no_results"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		fake := newFakeDiscovery()
		fake.err = tc.err
		rec := serve(t, NewServer(fake), http.MethodPost, "/discover/sessions/s1/refine", `{"direction":"closer"}`)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		if code := errorCode(t, rec); code != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, code)
		}
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	server := NewServer(newFakeDiscovery())
	for _, target := range []string{"/discover/sessions/missing", "/discover/sessions/missing/history"} {
		rec := serve(t, server, http.MethodGet, target, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", target, rec.Code)
		}
	}
	rec := serve(t, server, http.MethodPost, "/discover/sessions/missing/more", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("more: expected 404, got %d", rec.Code)
	}
}

func TestRefineForwardsDirection(t *testing.T) {
	fake := newFakeDiscovery()
	rec := serve(t, NewServer(fake), http.MethodPost, "/discover/sessions/s1/refine", `{"direction":"wider"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.lastDir != "wider" {
		t.Fatalf("unexpected direction: %q", fake.lastDir)
	}
}

func TestShowMoreCallsService(t *testing.T) {
	fake := newFakeDiscovery()
	rec := serve(t, NewServer(fake), http.MethodPost, "/discover/sessions/s1/more", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.moreCalls != 1 {
		t.Fatalf("expected one ShowMore call, got %d", fake.moreCalls)
	}
}

func TestHistoryLimit(t *testing.T) {
	fake := newFakeDiscovery()
	server := NewServer(fake)

	rec := serve(t, server, http.MethodGet, "/discover/sessions/s1/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fake.lastLimit != defaultHistoryLimit {
		t.Fatalf("expected default limit, got %d", fake.lastLimit)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", rec.Body.String())
	}

	rec = serve(t, server, http.MethodGet, "/discover/sessions/s1/history?limit=5", "")
	if rec.Code != http.StatusOK || fake.lastLimit != 5 {
		t.Fatalf("expected limit 5, got %d (status %d)", fake.lastLimit, rec.Code)
	}

	rec = serve(t, server, http.MethodGet, "/discover/sessions/s1/history?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWatchProviders(t *testing.T) {
	watch := &fakeWatch{}
	server := NewServer(newFakeDiscovery(), WithWatchProviders(watch))

	rec := serve(t, server, http.MethodGet, "/discover/watch/tv/1396", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if watch.kind != domain.MediaKindSeries || watch.id != 1396 {
		t.Fatalf("unexpected lookup: %s %d", watch.kind, watch.id)
	}
	var info domain.ProviderInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(info.Regions["US"].Flatrate) != 1 {
		t.Fatalf("unexpected providers: %+v", info)
	}
}

func TestWatchProvidersErrors(t *testing.T) {
	server := NewServer(newFakeDiscovery(), WithWatchProviders(&fakeWatch{}))
	if rec := serve(t, server, http.MethodGet, "/discover/watch/podcast/1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad kind: expected 400, got %d", rec.Code)
	}
	if rec := serve(t, server, http.MethodGet, "/discover/watch/movie/abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}

	notFound := NewServer(newFakeDiscovery(), WithWatchProviders(&fakeWatch{err: catalog.ErrNotFound}))
	if rec := serve(t, notFound, http.MethodGet, "/discover/watch/movie/1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("not found: expected 404, got %d", rec.Code)
	}

	upstream := NewServer(newFakeDiscovery(), WithWatchProviders(&fakeWatch{err: errors.New("timeout")}))
	if rec := serve(t, upstream, http.MethodGet, "/discover/watch/movie/1", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("upstream: expected 502, got %d", rec.Code)
	}

	unconfigured := NewServer(newFakeDiscovery())
	if rec := serve(t, unconfigured, http.MethodGet, "/discover/watch/movie/1", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: expected 503, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(t, NewServer(newFakeDiscovery()), http.MethodGet, "/discover/sessions/s1/search", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	server := NewServer(newFakeDiscovery(), WithRateLimit(0.001, 2))
	handler := server.Handler()
	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/discover/sessions/s1", nil))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", last)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", rec.Code)
	}
}

func TestRateLimitIsPerClient(t *testing.T) {
	handler := NewServer(newFakeDiscovery(), WithRateLimit(0.001, 1)).Handler()
	get := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/discover/sessions/s1", nil)
		if forwardedFor != "" {
			req.Header.Set("X-Forwarded-For", forwardedFor)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := get("203.0.113.7"); code != http.StatusOK {
		t.Fatalf("first client: expected 200, got %d", code)
	}
	if code := get("203.0.113.7, 10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("first client again: expected 429, got %d", code)
	}
	if code := get("198.51.100.4"); code != http.StatusOK {
		t.Fatalf("second client must get its own bucket, got %d", code)
	}
	if code := get(""); code != http.StatusOK {
		t.Fatalf("remote address client must get its own bucket, got %d", code)
	}
}

func TestClientLimitersDropIdleBuckets(t *testing.T) {
	limiters := newClientLimiters(1, 1)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiters.now = func() time.Time { return now }

	limiters.allow("a")
	limiters.allow("b")
	if limiters.size() != 2 {
		t.Fatalf("expected two buckets, got %d", limiters.size())
	}

	now = now.Add(limiterIdleTTL / 2)
	limiters.allow("b")
	now = now.Add(limiterIdleTTL/2 + time.Second)
	limiters.allow("c")
	if limiters.size() != 2 {
		t.Fatalf("idle bucket must be swept, got %d buckets", limiters.size())
	}
	if _, ok := limiters.clients["a"]; ok {
		t.Fatal("bucket for idle client a still present")
	}
}

func TestAccessLogCarriesRouteAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	server := NewServer(newFakeDiscovery(), WithLogger(logger))
	if rec := serve(t, server, http.MethodPost, "/discover/sessions/s1/refine", `{"direction":"wider"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var candidate map[string]any
		if err := json.Unmarshal(line, &candidate); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if candidate["msg"] == "http request" {
			entry = candidate
		}
	}
	if entry == nil {
		t.Fatalf("no access log record in %s", buf.String())
	}
	if entry["route"] != "/discover/sessions/{id}/refine" {
		t.Fatalf("unexpected route %v", entry["route"])
	}
	if entry["session"] != "s1" {
		t.Fatalf("unexpected session %v", entry["session"])
	}
}

func TestRequestLogLevels(t *testing.T) {
	cases := []struct {
		route  string
		status int
		want   slog.Level
	}{
		{"/discover/sessions/{id}/search", http.StatusInternalServerError, slog.LevelError},
		{"/discover/sessions/{id}/search", http.StatusConflict, slog.LevelInfo},
		{"/discover/sessions/{id}", http.StatusTooManyRequests, slog.LevelInfo},
		{"/discover/sessions/{id}", http.StatusNotFound, slog.LevelWarn},
		{"/health", http.StatusOK, slog.LevelDebug},
		{"/discover/sessions", http.StatusCreated, slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := pickRequestLogLevel(tc.route, tc.status); got != tc.want {
			t.Fatalf("pickRequestLogLevel(%q, %d) = %v, want %v", tc.route, tc.status, got, tc.want)
		}
	}
}

func TestSourcesHealth(t *testing.T) {
	blocked := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sources := fakeSources{items: []community.SourceDiagnostics{
		{Name: "reddit", ConsecutiveFailures: 3, BlockedUntil: &blocked, LastError: "status 429", TotalRequests: 10, TotalFailures: 3},
		{Name: "websearch", TotalRequests: 4},
	}}
	rec := serve(t, NewServer(newFakeDiscovery(), WithSourceHealth(sources)), http.MethodGet, "/discover/sources/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []community.SourceDiagnostics `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].Name != "reddit" || payload.Items[0].BlockedUntil == nil {
		t.Fatalf("unexpected items: %+v", payload.Items)
	}

	empty := serve(t, NewServer(newFakeDiscovery(), WithSourceHealth(fakeSources{})), http.MethodGet, "/discover/sources/health", "")
	if empty.Code != http.StatusOK || !strings.Contains(empty.Body.String(), `"items":[]`) {
		t.Fatalf("empty sources must render an empty list, got %d %s", empty.Code, empty.Body.String())
	}

	unconfigured := serve(t, NewServer(newFakeDiscovery()), http.MethodGet, "/discover/sources/health", "")
	if unconfigured.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: expected 503, got %d", unconfigured.Code)
	}
}

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"/health":                        "/health",
		"/discover/sessions":             "/discover/sessions",
		"/discover/sessions/abc":         "/discover/sessions/{id}",
		"/discover/sessions/abc/search":  "/discover/sessions/{id}/search",
		"/discover/sessions/abc/more":    "/discover/sessions/{id}/more",
		"/discover/sessions/abc/unknown": "/other",
		"/discover/watch/movie/603":      "/discover/watch/{kind}/{id}",
		"/discover/sources/health":       "/discover/sources/health",
		"/favicon.ico":                   "/other",
	}
	for path, want := range cases {
		if got := normalizeRoute(path); got != want {
			t.Fatalf("normalizeRoute(%q) = %q, want %q", path, got, want)
		}
	}
}
