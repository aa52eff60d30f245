// Package discovery runs the discovery pipeline for one user session: it
// gathers candidates from community mentions, generated queries and catalog
// discovery, keeps them scored and sorted, exposes a growing visible window,
// refines locally and reranks in the background.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"watchfinder/discoveryservice/internal/catalog"
	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/rerank"
	"watchfinder/discoveryservice/internal/scoring"
)

var (
	ErrBusy             = errors.New("discovery: session is busy")
	ErrInvalidPrompt    = errors.New("discovery: prompt is empty")
	ErrNoResults        = errors.New("discovery: no candidates found")
	ErrInvalidState     = errors.New("discovery: operation not valid in current state")
	ErrInvalidDirection = errors.New("discovery: refine direction must be closer or wider")
	ErrSessionNotFound  = errors.New("discovery: session not found")
)

const (
	DirectionCloser = "closer"
	DirectionWider  = "wider"
)

type FilterExtractor interface {
	ExtractFilters(ctx context.Context, prompt string) (domain.Filters, error)
}

type ContextMiner interface {
	Mine(ctx context.Context, prompt string, intent domain.Intent) domain.CommunityContext
}

type Catalog interface {
	RequestedGenreIDs(ctx context.Context, genres []string) map[domain.MediaKind]map[int]bool
	Discover(ctx context.Context, kind domain.MediaKind, query catalog.DiscoverQuery, page, topK int) ([]domain.Candidate, error)
	SearchFreeText(ctx context.Context, text string, topK int) ([]domain.Candidate, error)
	ResolveMention(ctx context.Context, mention domain.TitleMention) (domain.Candidate, bool)
}

type SimilaritySource interface {
	Similarities(ctx context.Context, prompt string, candidates []domain.Candidate) map[string]float64
}

type Reranker interface {
	Rerank(ctx context.Context, req rerank.Request) (rerank.Result, error)
}

// Deps are the collaborators a session works with. Catalog, Filters and
// Miner are required; the rest are optional.
type Deps struct {
	Filters    FilterExtractor
	Miner      ContextMiner
	Catalog    Catalog
	Embeddings SimilaritySource
	Reranker   Reranker
	History    HistoryStore
}

type Config struct {
	Window             int
	PoolTarget         int
	ResolveConcurrency int
	QueryTopK          int
	DiscoverTopK       int
	SupplementTopK     int
	RerankTimeout      time.Duration
	SnapshotSize       int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 8
	}
	if c.PoolTarget <= 0 {
		c.PoolTarget = 10
	}
	if c.ResolveConcurrency <= 0 {
		c.ResolveConcurrency = 30
	}
	if c.QueryTopK <= 0 {
		c.QueryTopK = 5
	}
	if c.DiscoverTopK <= 0 {
		c.DiscoverTopK = 10
	}
	if c.SupplementTopK <= 0 {
		c.SupplementTopK = 10
	}
	if c.RerankTimeout <= 0 {
		c.RerankTimeout = 45 * time.Second
	}
	if c.SnapshotSize <= 0 {
		c.SnapshotSize = 50
	}
	return c
}

// pool is the working set of one search. It is replaced wholesale on every
// rescore, never patched in place.
type pool struct {
	candidates []domain.Candidate
	ids        map[string]bool
	community  map[string]bool
	semantic   map[string]float64
}

func newPool() pool {
	return pool{
		ids:       make(map[string]bool),
		community: make(map[string]bool),
		semantic:  make(map[string]float64),
	}
}

func (p pool) clone() pool {
	out := pool{
		candidates: domain.CloneCandidates(p.candidates),
		ids:        make(map[string]bool, len(p.ids)),
		community:  make(map[string]bool, len(p.community)),
		semantic:   make(map[string]float64, len(p.semantic)),
	}
	for id := range p.ids {
		out.ids[id] = true
	}
	for id := range p.community {
		out.community[id] = true
	}
	for id, value := range p.semantic {
		out.semantic[id] = value
	}
	return out
}

// add appends candidates whose id is not in the pool yet and returns the added ones.
func (p *pool) add(items []domain.Candidate) []domain.Candidate {
	added := make([]domain.Candidate, 0, len(items))
	for _, item := range items {
		if item.ID == "" || p.ids[item.ID] {
			continue
		}
		p.ids[item.ID] = true
		p.candidates = append(p.candidates, item)
		added = append(added, item)
	}
	return added
}

// Session is the single-writer discovery state machine for one user.
type Session struct {
	id   string
	deps Deps
	cfg  Config
	now  func() time.Time

	busy       atomic.Bool
	reranking  atomic.Bool
	generation atomic.Uint64
	background sync.WaitGroup

	mu           sync.RWMutex
	state        domain.SessionState
	lastErr      string
	prompt       string
	filters      domain.Filters
	intent       domain.Intent
	spectrum     domain.Spectrum
	genreIDs     map[domain.MediaKind]map[int]bool
	community    domain.CommunityContext
	pool         pool
	visible      int
	confidence   domain.Confidence
	nextPage     map[domain.MediaKind]int
	kindCursor   int
	verdicts     *rerank.ScoreCache
	cancelRerank context.CancelFunc
	lastActive   time.Time
}

func NewSession(id string, deps Deps, cfg Config) *Session {
	s := &Session{
		id:         id,
		deps:       deps,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		state:      domain.StateIdle,
		spectrum:   domain.SpectrumNormal,
		pool:       newPool(),
		confidence: domain.ConfidenceLocal,
		nextPage:   make(map[domain.MediaKind]int),
		verdicts:   rerank.NewScoreCache(),
	}
	s.lastActive = s.now()
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Busy reports whether a search, refine or show-more is in progress.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Wait blocks until background reranking has finished.
func (s *Session) Wait() {
	s.background.Wait()
}

// Close cancels any background rerank.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancelRerank
	s.cancelRerank = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// View returns a snapshot of the session for callers. It never blocks on
// an in-flight search or rerank.
func (s *Session) View() domain.SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.verdicts.Apply(s.pool.candidates)
	visible := min(s.visible, len(ordered))
	return domain.SessionView{
		SessionID:  s.id,
		Prompt:     s.prompt,
		State:      s.state,
		Error:      s.lastErr,
		Searching:  s.busy.Load(),
		Reranking:  s.reranking.Load(),
		Spectrum:   s.spectrum,
		Confidence: s.confidence,
		Filters:    s.filters,
		Intent:     s.intent,
		PoolSize:   len(s.pool.candidates),
		Visible:    visible,
		Items:      ordered[:visible],
		Phrases:    append([]string(nil), s.community.Phrases...),
		Sources:    append([]domain.SourceStatus(nil), s.community.Sources...),
		Generation: s.generation.Load(),
	}
}

// scoringInputs must be called with s.mu held.
func (s *Session) scoringInputs(p pool) scoring.Inputs {
	return scoring.Inputs{
		Filters:   s.filters,
		GenreIDs:  s.genreIDs,
		Intent:    s.intent,
		Spectrum:  s.spectrum,
		Community: p.community,
		Semantic:  p.semantic,
	}
}

// RefineCloser tightens the spectrum by one step and rescores locally.
func (s *Session) RefineCloser() error {
	return s.refine(domain.Spectrum.Closer)
}

// RefineWider loosens the spectrum by one step and rescores locally.
func (s *Session) RefineWider() error {
	return s.refine(domain.Spectrum.Wider)
}

// Refine dispatches on a direction name.
func (s *Session) Refine(direction string) error {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case DirectionCloser:
		return s.RefineCloser()
	case DirectionWider:
		return s.RefineWider()
	default:
		return ErrInvalidDirection
	}
}

func (s *Session) refine(step func(domain.Spectrum) domain.Spectrum) error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	if s.state != domain.StateScored {
		return ErrInvalidState
	}
	s.spectrum = step(s.spectrum)
	s.pool.candidates = scoring.Rescore(s.pool.candidates, s.scoringInputs(s.pool))
	slog.Debug("session refined",
		slog.String("session", s.id),
		slog.String("spectrum", string(s.spectrum)),
	)
	return nil
}
