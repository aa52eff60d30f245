package apihttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"watchfinder/discoveryservice/internal/catalog"
	"watchfinder/discoveryservice/internal/community"
	"watchfinder/discoveryservice/internal/discovery"
	"watchfinder/discoveryservice/internal/domain"
)

type DiscoveryService interface {
	CreateSession() domain.SessionView
	Session(id string) (domain.SessionView, error)
	Search(ctx context.Context, id, prompt string) (domain.SessionView, error)
	Refine(id, direction string) (domain.SessionView, error)
	ShowMore(ctx context.Context, id string) (domain.SessionView, error)
	History(ctx context.Context, id string, limit int) ([]domain.SearchRecord, error)
}

type WatchProviderService interface {
	WatchProviders(ctx context.Context, kind domain.MediaKind, id int) (*domain.ProviderInfo, error)
}

// SourceHealth reports the health of the community sources.
type SourceHealth interface {
	Diagnostics() []community.SourceDiagnostics
}

type Server struct {
	discovery  DiscoveryService
	watch      WatchProviderService
	sources    SourceHealth
	logger     *slog.Logger
	rateLimit  float64
	rateBurst  int
	searchWait time.Duration
}

const (
	maxPromptLength     = 1000
	defaultRateLimit    = 5
	defaultRateBurst    = 20
	defaultHistoryLimit = 50
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithWatchProviders(watch WatchProviderService) ServerOption {
	return func(s *Server) {
		s.watch = watch
	}
}

func WithSourceHealth(sources SourceHealth) ServerOption {
	return func(s *Server) {
		s.sources = sources
	}
}

// WithRateLimit sets the per-client token bucket. Non-positive values keep the defaults.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateLimit = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithSearchTimeout bounds a synchronous search request.
func WithSearchTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.searchWait = timeout
	}
}

func NewServer(discoveryService DiscoveryService, options ...ServerOption) *Server {
	server := &Server{
		discovery: discoveryService,
		logger:    slog.Default(),
		rateLimit: defaultRateLimit,
		rateBurst: defaultRateBurst,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /discover/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /discover/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /discover/sessions/{id}/search", s.handleSearch)
	mux.HandleFunc("POST /discover/sessions/{id}/refine", s.handleRefine)
	mux.HandleFunc("POST /discover/sessions/{id}/more", s.handleShowMore)
	mux.HandleFunc("GET /discover/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /discover/watch/{kind}/{id}", s.handleWatchProviders)
	mux.HandleFunc("GET /discover/sources/health", s.handleSourcesHealth)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "watchfinder-discovery",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	limited := rateLimitMiddleware(s.logger, newClientLimiters(s.rateLimit, s.rateBurst), metricsMiddleware(traced))
	return recoveryMiddleware(s.logger, limited)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "discovery service is not configured")
		return
	}
	writeJSON(w, http.StatusCreated, s.discovery.CreateSession())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "discovery service is not configured")
		return
	}
	view, err := s.discovery.Session(r.PathValue("id"))
	if err != nil {
		s.writeDiscoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type searchBody struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "discovery service is not configured")
		return
	}
	var body searchBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	if len(prompt) > maxPromptLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt too long (max 1000 characters)")
		return
	}

	ctx := r.Context()
	if s.searchWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.searchWait)
		defer cancel()
	}
	view, err := s.discovery.Search(ctx, r.PathValue("id"), prompt)
	if err != nil {
		s.logger.Warn("discovery search failed",
			slog.String("session", r.PathValue("id")),
			slog.String("prompt", truncate(prompt, 80)),
			slog.String("error", err.Error()),
		)
		s.writeDiscoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type refineBody struct {
	Direction string `json:"direction"`
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "discovery service is not configured")
		return
	}
	var body refineBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	view, err := s.discovery.Refine(r.PathValue("id"), body.Direction)
	if err != nil {
		s.writeDiscoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleShowMore(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "discovery service is not configured")
		return
	}
	view, err := s.discovery.ShowMore(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDiscoveryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "discovery service is not configured")
		return
	}
	limit, err := parsePositiveInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	records, err := s.discovery.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeDiscoveryError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.SearchRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": r.PathValue("id"),
		"items":     records,
	})
}

func (s *Server) handleWatchProviders(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "catalog is not configured")
		return
	}
	kind := domain.NormalizeMediaKind(r.PathValue("kind"))
	if kind == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "kind must be movie or series")
		return
	}
	id, err := strconv.Atoi(strings.TrimSpace(r.PathValue("id")))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id")
		return
	}
	info, err := s.watch.WatchProviders(r.Context(), kind, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "title not found")
			return
		}
		s.logger.Warn("watch providers lookup failed",
			slog.String("kind", string(kind)),
			slog.Int("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "upstream_error", "catalog request failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSourcesHealth(w http.ResponseWriter, _ *http.Request) {
	if s.sources == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "community sources are not configured")
		return
	}
	items := s.sources.Diagnostics()
	if items == nil {
		items = []community.SourceDiagnostics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeDiscoveryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, discovery.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, discovery.ErrInvalidPrompt), errors.Is(err, discovery.ErrInvalidDirection):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, discovery.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, discovery.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, discovery.ErrNoResults):
		writeError(w, http.StatusUnprocessableEntity, "no_results", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		s.logger.Error("discovery request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
