package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"watchfinder/discoveryservice/internal/catalog"
	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/extract"
	"watchfinder/discoveryservice/internal/metrics"
	"watchfinder/discoveryservice/internal/rerank"
	"watchfinder/discoveryservice/internal/scoring"
	"watchfinder/discoveryservice/internal/telemetry"
)

// Search starts a new search, replacing everything the previous one left.
// It runs filter extraction and community mining concurrently, then gathers
// candidates in up to three passes (community titles, generated queries,
// catalog discovery) and stops once the pool is large enough. On success the
// session is Scored and a rerank starts in the background.
func (s *Session) Search(ctx context.Context, prompt string) error {
	ctx, span := telemetry.StartSpan(ctx, "discovery.Session.Search", attribute.String("session.id", s.id))
	err := s.search(ctx, prompt)
	telemetry.EndSpan(span, err)
	return err
}

func (s *Session) search(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrInvalidPrompt
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	startedAt := time.Now()
	gen := s.begin(prompt)

	intent := extract.DetectIntent(prompt)
	var (
		filters   domain.Filters
		community domain.CommunityContext
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		extracted, err := s.deps.Filters.ExtractFilters(groupCtx, prompt)
		if err != nil {
			slog.Warn("filter extraction failed, using defaults",
				slog.String("session", s.id),
				slog.String("error", err.Error()),
			)
			extracted = domain.DefaultFilters()
		}
		filters = extracted
		return nil
	})
	group.Go(func() error {
		community = s.deps.Miner.Mine(groupCtx, prompt, intent)
		return nil
	})
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return s.fail(gen, err)
	}

	genreIDs := s.deps.Catalog.RequestedGenreIDs(ctx, filters.Genres)
	s.mu.Lock()
	s.filters = filters
	s.intent = intent
	s.community = community
	s.genreIDs = genreIDs
	s.mu.Unlock()

	s.gatherCommunity(ctx, gen, prompt, filters, community.Mentions)
	if s.poolSize() < s.cfg.PoolTarget {
		s.gatherQueries(ctx, gen, prompt, filters)
	}
	if s.poolSize() < s.cfg.PoolTarget {
		s.gatherDiscover(ctx, gen, prompt, filters, intent)
	}
	if err := ctx.Err(); err != nil {
		return s.fail(gen, err)
	}

	size := s.poolSize()
	metrics.PoolSize.Observe(float64(size))
	if size == 0 {
		metrics.SearchesTotal.WithLabelValues("empty").Inc()
		return s.fail(gen, ErrNoResults)
	}

	s.mu.Lock()
	s.state = domain.StateScored
	s.visible = min(s.cfg.Window, len(s.pool.candidates))
	snapshot := domain.CloneCandidates(s.pool.candidates[:min(s.cfg.SnapshotSize, len(s.pool.candidates))])
	s.mu.Unlock()
	metrics.SearchesTotal.WithLabelValues("ok").Inc()

	slog.Info("discovery search finished",
		slog.String("session", s.id),
		slog.Int("pool", size),
		slog.Int("mentions", len(community.Mentions)),
		slog.Bool("anime", intent.AnimeOnly),
		slog.Duration("elapsed", time.Since(startedAt)),
	)

	s.recordHistory(ctx, prompt, snapshot)
	s.startRerank(gen)
	return nil
}

// begin resets the session for a new search and returns its generation.
func (s *Session) begin(prompt string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRerank != nil {
		s.cancelRerank()
		s.cancelRerank = nil
	}
	gen := s.generation.Add(1)
	s.reranking.Store(false)
	s.state = domain.StateSearching
	s.lastErr = ""
	s.prompt = prompt
	s.filters = domain.Filters{}
	s.intent = domain.Intent{}
	s.spectrum = domain.SpectrumNormal
	s.genreIDs = nil
	s.community = domain.CommunityContext{}
	s.pool = newPool()
	s.visible = 0
	s.confidence = domain.ConfidenceLocal
	s.nextPage = make(map[domain.MediaKind]int)
	s.kindCursor = 0
	s.verdicts.Reset()
	s.lastActive = s.now()
	return gen
}

func (s *Session) fail(gen uint64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation.Load() {
		return err
	}
	s.state = domain.StateFailed
	s.lastErr = err.Error()
	s.pool = newPool()
	s.visible = 0
	if !errors.Is(err, ErrNoResults) {
		metrics.SearchesTotal.WithLabelValues("failed").Inc()
	}
	return err
}

func (s *Session) poolSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pool.candidates)
}

// merge adds items to a copy of the pool, scores the whole copy and swaps it
// in. Nothing is written when gen is stale. It returns how many candidates
// were added.
func (s *Session) merge(ctx context.Context, gen uint64, prompt string, items []domain.Candidate, fromCommunity bool) int {
	s.mu.RLock()
	next := s.pool.clone()
	s.mu.RUnlock()

	added := next.add(items)
	if fromCommunity {
		for _, item := range items {
			next.community[item.ID] = true
		}
	}
	if len(added) > 0 && s.deps.Embeddings != nil {
		for id, value := range s.deps.Embeddings.Similarities(ctx, prompt, added) {
			next.semantic[id] = value
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation.Load() {
		return 0
	}
	next.candidates = scoring.Rescore(next.candidates, s.scoringInputs(next))
	s.pool = next
	return len(added)
}

func wanted(filters domain.Filters, items []domain.Candidate) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(items))
	for _, item := range items {
		if filters.WantsKind(item.Kind) {
			out = append(out, item)
		}
	}
	return out
}

// gatherCommunity resolves mentions against the catalog with bounded
// concurrency. Unresolved mentions are skipped.
func (s *Session) gatherCommunity(ctx context.Context, gen uint64, prompt string, filters domain.Filters, mentions []domain.TitleMention) {
	if len(mentions) == 0 {
		return
	}
	resolved := make([]*domain.Candidate, len(mentions))
	sem := semaphore.NewWeighted(int64(s.cfg.ResolveConcurrency))
	var wg sync.WaitGroup
	for i, mention := range mentions {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if candidate, ok := s.deps.Catalog.ResolveMention(ctx, mention); ok {
				resolved[i] = &candidate
			}
		}()
	}
	wg.Wait()

	found := make([]domain.Candidate, 0, len(mentions))
	for _, candidate := range resolved {
		if candidate != nil {
			found = append(found, *candidate)
		}
	}
	added := s.merge(ctx, gen, prompt, wanted(filters, found), true)
	slog.Debug("community pass",
		slog.String("session", s.id),
		slog.Int("mentions", len(mentions)),
		slog.Int("resolved", len(found)),
		slog.Int("added", added),
	)
}

// gatherQueries runs the extractor's generated queries as free-text searches.
func (s *Session) gatherQueries(ctx context.Context, gen uint64, prompt string, filters domain.Filters) {
	if len(filters.GeneratedQueries) == 0 {
		return
	}
	results := make([][]domain.Candidate, len(filters.GeneratedQueries))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, query := range filters.GeneratedQueries {
		group.Go(func() error {
			found, err := s.deps.Catalog.SearchFreeText(groupCtx, query, s.cfg.QueryTopK)
			if err != nil {
				slog.Warn("generated query search failed",
					slog.String("session", s.id),
					slog.String("query", query),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	_ = group.Wait()

	var found []domain.Candidate
	for _, items := range results {
		found = append(found, items...)
	}
	s.merge(ctx, gen, prompt, wanted(filters, found), false)
}

// gatherDiscover queries each desired kind independently; one kind failing
// does not block the other.
func (s *Session) gatherDiscover(ctx context.Context, gen uint64, prompt string, filters domain.Filters, intent domain.Intent) {
	kinds := filters.Kinds()
	query := catalog.DiscoverQuery{Filters: filters, Intent: intent, Spectrum: domain.SpectrumNormal}
	results := make([][]domain.Candidate, len(kinds))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		group.Go(func() error {
			found, err := s.deps.Catalog.Discover(groupCtx, kind, query, 1, s.cfg.DiscoverTopK)
			if err != nil {
				slog.Warn("discover failed",
					slog.String("session", s.id),
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = found
			return nil
		})
	}
	_ = group.Wait()

	var found []domain.Candidate
	for _, items := range results {
		found = append(found, items...)
	}
	s.mu.Lock()
	for _, kind := range kinds {
		s.nextPage[kind] = 2
	}
	s.mu.Unlock()
	s.merge(ctx, gen, prompt, found, false)
}

// ShowMore grows the visible window. When the pool is exhausted it first
// makes one supplementary discover call for the next page of the next kind.
func (s *Session) ShowMore(ctx context.Context) error {
	s.mu.Lock()
	s.lastActive = s.now()
	if s.state != domain.StateScored {
		s.mu.Unlock()
		if s.busy.Load() {
			return ErrBusy
		}
		return ErrInvalidState
	}
	if s.visible < len(s.pool.candidates) {
		s.visible = min(s.visible+s.cfg.Window, len(s.pool.candidates))
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	gen := s.generation.Load()
	prompt := s.prompt
	filters := s.filters
	query := catalog.DiscoverQuery{Filters: s.filters, Intent: s.intent, Spectrum: s.spectrum}
	kinds := filters.Kinds()
	if len(kinds) == 0 {
		kinds = []domain.MediaKind{domain.MediaKindMovie, domain.MediaKindSeries}
	}
	kind := kinds[s.kindCursor%len(kinds)]
	page := s.nextPage[kind]
	if page <= 0 {
		page = 1
	}
	s.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "discovery.Session.ShowMore",
		attribute.String("session.id", s.id),
		attribute.String("kind", string(kind)),
		attribute.Int("page", page),
	)
	found, err := s.deps.Catalog.Discover(ctx, kind, query, page, s.cfg.SupplementTopK)
	telemetry.EndSpan(span, err)
	if err != nil {
		// The cursor and page stay put so a retry asks for the same page.
		return fmt.Errorf("show more: %w", err)
	}
	added := s.merge(ctx, gen, prompt, found, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation.Load() {
		s.kindCursor++
		s.nextPage[kind] = page + 1
		s.visible = min(s.visible+s.cfg.Window, len(s.pool.candidates))
	}
	slog.Debug("show more fetched",
		slog.String("session", s.id),
		slog.String("kind", string(kind)),
		slog.Int("page", page),
		slog.Int("added", added),
	)
	return nil
}

func (s *Session) recordHistory(ctx context.Context, prompt string, snapshot []domain.Candidate) {
	if s.deps.History == nil {
		return
	}
	record := domain.SearchRecord{
		ID:         uuid.NewString(),
		SessionID:  s.id,
		Prompt:     prompt,
		Candidates: snapshot,
		Timestamp:  s.now().UTC(),
	}
	if err := s.deps.History.Append(ctx, record); err != nil {
		slog.Warn("history append failed", slog.String("session", s.id), slog.String("error", err.Error()))
	}
}

// startRerank reranks the top of the pool in the background. The result is
// written only while gen is still the current generation.
func (s *Session) startRerank(gen uint64) {
	if s.deps.Reranker == nil {
		return
	}
	s.mu.Lock()
	if gen != s.generation.Load() {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RerankTimeout)
	s.cancelRerank = cancel
	req := rerank.Request{
		Prompt:     s.prompt,
		Intent:     s.intent,
		Filters:    s.filters,
		Candidates: domain.CloneCandidates(s.pool.candidates),
		Community:  s.community,
	}
	s.reranking.Store(true)
	s.mu.Unlock()

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		result, err := s.deps.Reranker.Rerank(ctx, req)

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation.Load() {
			slog.Debug("discarding stale rerank", slog.String("session", s.id), slog.Uint64("generation", gen))
			return
		}
		s.reranking.Store(false)
		if err != nil {
			slog.Warn("rerank failed, keeping local order", slog.String("session", s.id), slog.String("error", err.Error()))
			return
		}
		s.verdicts.Store(result)
		s.confidence = domain.ConfidenceReranked
		slog.Info("rerank applied",
			slog.String("session", s.id),
			slog.String("path", string(result.Path)),
			slog.Int("ranked", len(result.Ranked)),
			slog.Int("rejected", len(result.Rejected)),
		)
	}()
}
