// Package rerank reorders the top of a scored pool holistically. The primary
// path asks an LLM to grade candidates against a rubric; when that fails the
// pool is ordered by embedding similarity to the prompt instead.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/metrics"
	"watchfinder/discoveryservice/internal/providers/common"
	"watchfinder/discoveryservice/internal/providers/embedding"
	"watchfinder/discoveryservice/internal/providers/llm"
)

const (
	DefaultTopN      = 30
	maxScore         = 5.0
	overviewLimit    = 280
	maxContextTitles = 20
)

// ErrRerank is returned when neither the LLM nor the embedding path produced an ordering.
var ErrRerank = errors.New("rerank: no ordering available")

type Path string

const (
	PathLLM       Path = "llm"
	PathEmbedding Path = "embedding"
)

// Rubric weights, summing to one.
const (
	weightTopical   = 0.35
	weightTone      = 0.20
	weightForm      = 0.15
	weightCommunity = 0.20
	weightEra       = 0.10
)

type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Scored struct {
	ID        string   `json:"id"`
	Score     float64  `json:"score"`
	Reasoning string   `json:"reasoning,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type Result struct {
	Ranked   []Scored
	Rejected []Rejection
	Path     Path
}

// Request carries what the rerank prompt is built from.
type Request struct {
	Prompt     string
	Intent     domain.Intent
	Filters    domain.Filters
	Candidates []domain.Candidate
	Community  domain.CommunityContext
}

type Reranker struct {
	llm      Completer
	embedder Embedder
	topN     int
}

type Option func(*Reranker)

func WithTopN(n int) Option {
	return func(r *Reranker) {
		if n > 0 {
			r.topN = n
		}
	}
}

func New(completer Completer, embedder Embedder, opts ...Option) *Reranker {
	r := &Reranker{llm: completer, embedder: embedder, topN: DefaultTopN}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rerank grades the first TopN candidates. The LLM path runs first; a failed
// or malformed reply falls back to embedding similarity, which always covers
// every candidate. ErrRerank means both paths failed.
func (r *Reranker) Rerank(ctx context.Context, req Request) (Result, error) {
	candidates := req.Candidates
	if len(candidates) > r.topN {
		candidates = candidates[:r.topN]
	}
	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("%w: empty pool", ErrRerank)
	}
	req.Candidates = candidates

	result, llmErr := r.rerankLLM(ctx, req)
	if llmErr == nil {
		metrics.RerankTotal.WithLabelValues(string(PathLLM)).Inc()
		return result, nil
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRerank, ctx.Err())
	}
	slog.Warn("llm rerank failed, falling back to embeddings", slog.String("error", llmErr.Error()))

	result, embedErr := r.rerankEmbedding(ctx, req)
	if embedErr == nil {
		metrics.RerankTotal.WithLabelValues(string(PathEmbedding)).Inc()
		return result, nil
	}
	metrics.RerankTotal.WithLabelValues("failed").Inc()
	return Result{}, fmt.Errorf("%w: llm: %w; embedding: %w", ErrRerank, llmErr, embedErr)
}

type rubricReply struct {
	Ranked   []rubricItem   `json:"ranked" validate:"dive"`
	Rejected []rubricReject `json:"rejected" validate:"dive"`
}

type rubricItem struct {
	ID        string   `json:"id" validate:"required"`
	Topical   float64  `json:"topical" validate:"min=0,max=5"`
	Tone      float64  `json:"tone" validate:"min=0,max=5"`
	Form      float64  `json:"form" validate:"min=0,max=5"`
	Community float64  `json:"community" validate:"min=0,max=5"`
	Era       float64  `json:"era" validate:"min=0,max=5"`
	Reasoning string   `json:"reasoning" validate:"max=600"`
	Tags      []string `json:"tags" validate:"max=8,dive,max=40"`
}

type rubricReject struct {
	ID     string `json:"id" validate:"required"`
	Reason string `json:"reason" validate:"required,max=300"`
}

func (i rubricItem) weighted() float64 {
	return weightTopical*i.Topical +
		weightTone*i.Tone +
		weightForm*i.Form +
		weightCommunity*i.Community +
		weightEra*i.Era
}

func (r *Reranker) rerankLLM(ctx context.Context, req Request) (Result, error) {
	if r.llm == nil {
		return Result{}, llm.ErrDisabled
	}
	user, err := buildUserPrompt(req)
	if err != nil {
		return Result{}, err
	}
	content, err := r.llm.CompleteJSON(ctx, rubricSystemPrompt, user)
	if err != nil {
		return Result{}, err
	}
	var reply rubricReply
	if err := llm.DecodeStrict(content, &reply); err != nil {
		return Result{}, err
	}

	known := make(map[string]bool, len(req.Candidates))
	for _, candidate := range req.Candidates {
		known[candidate.ID] = true
	}
	covered := make(map[string]bool, len(known))
	result := Result{Path: PathLLM}
	for _, item := range reply.Ranked {
		if !known[item.ID] || covered[item.ID] {
			return Result{}, fmt.Errorf("%w: unexpected or repeated id %q", llm.ErrSchema, item.ID)
		}
		covered[item.ID] = true
		result.Ranked = append(result.Ranked, Scored{
			ID:        item.ID,
			Score:     item.weighted(),
			Reasoning: strings.TrimSpace(item.Reasoning),
			Tags:      cleanTags(item.Tags),
		})
	}
	for _, item := range reply.Rejected {
		if !known[item.ID] || covered[item.ID] {
			return Result{}, fmt.Errorf("%w: unexpected or repeated id %q", llm.ErrSchema, item.ID)
		}
		covered[item.ID] = true
		result.Rejected = append(result.Rejected, Rejection{ID: item.ID, Reason: strings.TrimSpace(item.Reason)})
	}
	if len(covered) != len(known) {
		return Result{}, fmt.Errorf("%w: reply covers %d of %d candidates", llm.ErrSchema, len(covered), len(known))
	}
	sortScored(result.Ranked)
	return result, nil
}

func (r *Reranker) rerankEmbedding(ctx context.Context, req Request) (Result, error) {
	if r.embedder == nil {
		return Result{}, embedding.ErrDisabled
	}
	texts := make([]string, 0, len(req.Candidates)+1)
	texts = append(texts, req.Prompt)
	for _, candidate := range req.Candidates {
		texts = append(texts, candidate.EmbeddingText())
	}
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	if len(vectors) != len(texts) {
		return Result{}, fmt.Errorf("embedding returned %d vectors for %d texts", len(vectors), len(texts))
	}
	result := Result{Path: PathEmbedding, Ranked: make([]Scored, 0, len(req.Candidates))}
	for i, candidate := range req.Candidates {
		similarity := embedding.Cosine(vectors[0], vectors[i+1])
		if similarity < 0 {
			similarity = 0
		}
		result.Ranked = append(result.Ranked, Scored{
			ID:        candidate.ID,
			Score:     maxScore * similarity,
			Reasoning: "ordered by semantic similarity to the request",
		})
	}
	sortScored(result.Ranked)
	return result, nil
}

func sortScored(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

type promptCandidate struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Kind      string `json:"kind"`
	Year      int    `json:"year,omitempty"`
	Language  string `json:"language,omitempty"`
	Overview  string `json:"overview,omitempty"`
	Community bool   `json:"communityPick,omitempty"`
}

type promptPayload struct {
	Request         string             `json:"request"`
	AnimeOnly       bool               `json:"animeOnly"`
	MediaTypes      []domain.MediaKind `json:"mediaTypes,omitempty"`
	YearRange       []int              `json:"yearRange,omitempty"`
	CommunityTitles []string           `json:"communityTitles,omitempty"`
	CommunityMoods  []string           `json:"communityMoods,omitempty"`
	Candidates      []promptCandidate  `json:"candidates"`
}

func buildUserPrompt(req Request) (string, error) {
	payload := promptPayload{
		Request:        req.Prompt,
		AnimeOnly:      req.Intent.AnimeOnly,
		MediaTypes:     req.Filters.MediaTypes,
		CommunityMoods: req.Community.Phrases,
		Candidates:     make([]promptCandidate, 0, len(req.Candidates)),
	}
	if req.Filters.YearMin > 0 && req.Filters.YearMax > 0 {
		payload.YearRange = []int{req.Filters.YearMin, req.Filters.YearMax}
	}
	for i, mention := range req.Community.Mentions {
		if i >= maxContextTitles {
			break
		}
		payload.CommunityTitles = append(payload.CommunityTitles, mention.Title)
	}
	for _, candidate := range req.Candidates {
		payload.Candidates = append(payload.Candidates, promptCandidate{
			ID:        candidate.ID,
			Title:     candidate.Title,
			Kind:      string(candidate.Kind),
			Year:      candidate.ReleaseYear,
			Language:  candidate.OriginalLanguage,
			Overview:  common.Truncate(candidate.Overview, overviewLimit),
			Community: candidate.Community,
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode rerank prompt: %w", err)
	}
	return string(data), nil
}

const rubricSystemPrompt = `You rank film and TV candidates for a viewer's request.
Grade every candidate on five criteria, each from 0 to 5:
- topical: how well the premise and subject match the request
- tone: how well the mood and pacing match the request and the community moods
- form: whether the format fits (movie vs series, animation vs live action, length)
- community: how strongly the community titles and communityPick flag back it
- era: how well the release year fits the requested period

Hard rejects go to "rejected" instead of "ranked":
- live-action titles when animeOnly is true
- a movie when only series were requested, or a series when only movies were requested
- titles that plainly contradict the request (for example horror for a request that asks for nothing scary)

Every candidate id must appear exactly once, either in "ranked" or in "rejected".
Do not invent ids.
Reply with JSON only:
{"ranked":[{"id":"...","topical":0,"tone":0,"form":0,"community":0,"era":0,"reasoning":"one sentence","tags":["..."]}],
 "rejected":[{"id":"...","reason":"..."}]}`
