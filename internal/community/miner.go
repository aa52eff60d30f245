// Package community mines discussion forums and web search results for the
// titles and mood phrases people associate with a request.
package community

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/fuzzy"
	"watchfinder/discoveryservice/internal/vocab"
)

const (
	maxMentions          = 20
	maxPhrases           = 15
	minRelevanceScore    = 5.0
	defaultSourceTimeout = 12 * time.Second
)

// ForumSource searches discussion boards.
type ForumSource interface {
	Name() string
	Fetch(ctx context.Context, query string, communities []string) ([]domain.CommunityDocument, error)
}

// WebSource runs a general web search.
type WebSource interface {
	Name() string
	Fetch(ctx context.Context, query string) ([]domain.CommunityDocument, error)
}

// TitleExtractor pulls titles from text and scores them against the prompt.
type TitleExtractor interface {
	ExtractTitles(ctx context.Context, docs []string) ([]domain.TitleMention, error)
	ScoreRelevance(ctx context.Context, prompt string, mentions []domain.TitleMention) (map[string]float64, error)
}

type Miner struct {
	forum         ForumSource
	web           WebSource
	titles        TitleExtractor
	health        *healthTracker
	sourceTimeout time.Duration
	now           func() time.Time
}

type MinerOption func(*Miner)

func WithSourceTimeout(timeout time.Duration) MinerOption {
	return func(m *Miner) {
		if timeout > 0 {
			m.sourceTimeout = timeout
		}
	}
}

// NewMiner builds a miner. Either source may be nil.
func NewMiner(forum ForumSource, web WebSource, titles TitleExtractor, opts ...MinerOption) *Miner {
	m := &Miner{
		forum:         forum,
		web:           web,
		titles:        titles,
		health:        newHealthTracker(),
		sourceTimeout: defaultSourceTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mine gathers community context for a prompt. Source and extraction
// failures are isolated: they are logged, recorded in Sources and leave
// their contribution empty. Mine never fails.
func (m *Miner) Mine(ctx context.Context, prompt string, intent domain.Intent) domain.CommunityContext {
	prompt = strings.TrimSpace(prompt)
	result := domain.CommunityContext{
		Mentions: []domain.TitleMention{},
		Phrases:  []string{},
		Sources:  []domain.SourceStatus{},
	}
	if prompt == "" {
		return result
	}

	var forumDocs, webDocs []domain.CommunityDocument
	var forumStatus, webStatus *domain.SourceStatus

	group, groupCtx := errgroup.WithContext(ctx)
	if m.forum != nil {
		group.Go(func() error {
			communities := vocab.ForumCommunities(intent.AnimeOnly)
			docs, status := m.fetch(groupCtx, m.forum.Name(), func(ctx context.Context) ([]domain.CommunityDocument, error) {
				return m.forum.Fetch(ctx, prompt, communities)
			})
			forumDocs, forumStatus = docs, &status
			return nil
		})
	}
	if m.web != nil {
		group.Go(func() error {
			query := webQuery(prompt, intent)
			docs, status := m.fetch(groupCtx, m.web.Name(), func(ctx context.Context) ([]domain.CommunityDocument, error) {
				return m.web.Fetch(ctx, query)
			})
			webDocs, webStatus = docs, &status
			return nil
		})
	}
	_ = group.Wait()

	for _, status := range []*domain.SourceStatus{forumStatus, webStatus} {
		if status != nil {
			result.Sources = append(result.Sources, *status)
		}
	}

	texts := make([]string, 0, len(forumDocs)+len(webDocs))
	for _, doc := range append(forumDocs, webDocs...) {
		if text := strings.TrimSpace(doc.Text()); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return result
	}
	result.Phrases = ExtractPhrases(texts, maxPhrases)

	if m.titles == nil {
		return result
	}
	mentions, err := m.titles.ExtractTitles(ctx, texts)
	if err != nil {
		slog.Warn("community: title extraction failed", slog.String("error", err.Error()))
		return result
	}
	mentions = DedupMentions(dropConceptWords(mentions))
	if len(mentions) == 0 {
		return result
	}

	scores, err := m.titles.ScoreRelevance(ctx, prompt, mentions)
	if err != nil {
		slog.Warn("community: relevance scoring failed, keeping all titles",
			slog.Int("titles", len(mentions)),
			slog.String("error", err.Error()),
		)
	} else {
		mentions = filterByRelevance(mentions, scores)
	}

	result.Mentions = TopMentions(mentions, maxMentions)
	slog.Info("community context mined",
		slog.Int("documents", len(texts)),
		slog.Int("mentions", len(result.Mentions)),
		slog.Int("phrases", len(result.Phrases)),
	)
	return result
}

// Diagnostics reports per-source health.
func (m *Miner) Diagnostics() []SourceDiagnostics {
	return m.health.snapshot()
}

func (m *Miner) fetch(ctx context.Context, name string, fn func(context.Context) ([]domain.CommunityDocument, error)) ([]domain.CommunityDocument, domain.SourceStatus) {
	status := domain.SourceStatus{Name: name}
	now := m.now()
	if blocked, until, lastErr := m.health.isBlocked(name, now); blocked {
		status.Error = fmt.Sprintf("temporarily disabled until %s: %s", until.UTC().Format(time.RFC3339), lastErr)
		slog.Warn("community: source blocked",
			slog.String("source", name),
			slog.String("until", until.UTC().Format(time.RFC3339)),
		)
		return nil, status
	}

	sourceCtx, cancel := context.WithTimeout(ctx, m.sourceTimeout)
	defer cancel()
	startedAt := time.Now()
	docs, err := fn(sourceCtx)
	elapsed := time.Since(startedAt)
	m.health.record(name, err, elapsed, m.now())
	if err != nil {
		status.Error = err.Error()
		slog.Warn("community: source failed",
			slog.String("source", name),
			slog.Int64("elapsedMs", elapsed.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, status
	}
	status.OK = true
	status.Count = len(docs)
	return docs, status
}

func webQuery(prompt string, intent domain.Intent) string {
	lower := strings.ToLower(prompt)
	if intent.AnimeOnly && !strings.Contains(lower, "anime") {
		return prompt + " anime recommendations"
	}
	if strings.Contains(lower, "recommend") {
		return prompt
	}
	return prompt + " recommendations"
}

func dropConceptWords(mentions []domain.TitleMention) []domain.TitleMention {
	kept := make([]domain.TitleMention, 0, len(mentions))
	for _, mention := range mentions {
		if vocab.IsConceptWord(mention.Title) {
			continue
		}
		kept = append(kept, mention)
	}
	return kept
}

// DedupMentions merges mentions that refer to the same title, summing counts.
// The first spelling seen is kept; running it twice changes nothing.
func DedupMentions(mentions []domain.TitleMention) []domain.TitleMention {
	merged := make([]domain.TitleMention, 0, len(mentions))
	for _, mention := range mentions {
		matched := false
		for i := range merged {
			if strings.EqualFold(merged[i].Title, mention.Title) || fuzzy.SameMention(merged[i].Title, mention.Title) {
				merged[i].MentionCount += mention.MentionCount
				if merged[i].KindHint == "" {
					merged[i].KindHint = mention.KindHint
				}
				if merged[i].YearHint == 0 {
					merged[i].YearHint = mention.YearHint
				}
				matched = true
				break
			}
		}
		if !matched {
			merged = append(merged, mention)
		}
	}
	return merged
}

func filterByRelevance(mentions []domain.TitleMention, scores map[string]float64) []domain.TitleMention {
	kept := make([]domain.TitleMention, 0, len(mentions))
	for _, mention := range mentions {
		score, ok := scores[strings.ToLower(mention.Title)]
		if ok && score < minRelevanceScore {
			continue
		}
		kept = append(kept, mention)
	}
	return kept
}

// TopMentions orders by mention count (ties by title) and keeps the first limit.
func TopMentions(mentions []domain.TitleMention, limit int) []domain.TitleMention {
	sorted := append([]domain.TitleMention(nil), mentions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MentionCount != sorted[j].MentionCount {
			return sorted[i].MentionCount > sorted[j].MentionCount
		}
		return strings.ToLower(sorted[i].Title) < strings.ToLower(sorted[j].Title)
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

// ExtractPhrases returns up to limit mood and pacing phrases found in texts,
// most frequent first.
func ExtractPhrases(texts []string, limit int) []string {
	combined := strings.ToLower(strings.Join(texts, "\n"))
	type phraseCount struct {
		phrase string
		count  int
		order  int
	}
	found := make([]phraseCount, 0, len(vocab.MoodPhrases))
	for i, phrase := range vocab.MoodPhrases {
		if count := countWord(combined, phrase); count > 0 {
			found = append(found, phraseCount{phrase: phrase, count: count, order: i})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].count != found[j].count {
			return found[i].count > found[j].count
		}
		return found[i].order < found[j].order
	})
	phrases := make([]string, 0, min(limit, len(found)))
	for _, item := range found {
		if len(phrases) >= limit {
			break
		}
		phrases = append(phrases, item.phrase)
	}
	return phrases
}

// countWord counts occurrences of phrase that are not embedded in a longer word.
func countWord(text, phrase string) int {
	count := 0
	offset := 0
	for {
		idx := strings.Index(text[offset:], phrase)
		if idx < 0 {
			return count
		}
		start := offset + idx
		end := start + len(phrase)
		if isBoundary(text, start-1) && isBoundary(text, end) {
			count++
		}
		offset = start + 1
	}
}

func isBoundary(text string, idx int) bool {
	if idx < 0 || idx >= len(text) {
		return true
	}
	c := text[idx]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
