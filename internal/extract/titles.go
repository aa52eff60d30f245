package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"watchfinder/discoveryservice/internal/domain"
)

const (
	maxChunkRunes   = 6000
	maxChunks       = 4
	maxScoredTitles = 60
)

type mentionReply struct {
	Titles []mentionItem `json:"titles" validate:"max=80,dive"`
}

type mentionItem struct {
	Title    string `json:"title" validate:"required,max=200"`
	Kind     string `json:"kind" validate:"omitempty,oneof=movie series"`
	Year     int    `json:"year" validate:"omitempty,min=1870,max=2100"`
	Mentions int    `json:"mentions" validate:"omitempty,min=1,max=1000"`
}

type relevanceReply struct {
	Scores []relevanceItem `json:"scores" validate:"max=80,dive"`
}

type relevanceItem struct {
	Title string  `json:"title" validate:"required"`
	Score float64 `json:"score" validate:"min=0,max=10"`
}

type TitleExtractor struct {
	llm Completer
}

func NewTitleExtractor(completer Completer) *TitleExtractor {
	return &TitleExtractor{llm: completer}
}

// ExtractTitles pulls work titles out of community documents. Documents are
// packed into chunks that are extracted concurrently; mentions of the same
// title (case-insensitive) are summed. It fails only when every chunk fails.
func (e *TitleExtractor) ExtractTitles(ctx context.Context, docs []string) ([]domain.TitleMention, error) {
	chunks := packChunks(docs, maxChunkRunes, maxChunks)
	if len(chunks) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		merged   = make(map[string]*domain.TitleMention)
		order    []string
		failures int
		lastErr  error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		group.Go(func() error {
			var reply mentionReply
			err := complete(groupCtx, e.llm, "titles", titleSystemPrompt, chunk, &reply)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				lastErr = err
				slog.Warn("title extraction chunk failed", slog.Int("chunk", i), slog.String("error", err.Error()))
				return nil
			}
			for _, item := range reply.Titles {
				title := strings.Join(strings.Fields(item.Title), " ")
				if title == "" {
					continue
				}
				count := item.Mentions
				if count <= 0 {
					count = 1
				}
				key := strings.ToLower(title)
				if existing, ok := merged[key]; ok {
					existing.MentionCount += count
					if existing.KindHint == "" {
						existing.KindHint = domain.NormalizeMediaKind(item.Kind)
					}
					if existing.YearHint == 0 {
						existing.YearHint = item.Year
					}
					continue
				}
				merged[key] = &domain.TitleMention{
					Title:        title,
					MentionCount: count,
					KindHint:     domain.NormalizeMediaKind(item.Kind),
					YearHint:     item.Year,
				}
				order = append(order, key)
			}
			return nil
		})
	}
	_ = group.Wait()

	if failures == len(chunks) {
		return nil, lastErr
	}
	mentions := make([]domain.TitleMention, 0, len(order))
	for _, key := range order {
		mentions = append(mentions, *merged[key])
	}
	return mentions, nil
}

// ScoreRelevance asks for a 0-10 fit score per title against the prompt.
// Keys of the result are lower-cased titles.
func (e *TitleExtractor) ScoreRelevance(ctx context.Context, prompt string, mentions []domain.TitleMention) (map[string]float64, error) {
	if len(mentions) == 0 {
		return map[string]float64{}, nil
	}
	if len(mentions) > maxScoredTitles {
		mentions = mentions[:maxScoredTitles]
	}
	var builder strings.Builder
	builder.WriteString("Request: ")
	builder.WriteString(strings.TrimSpace(prompt))
	builder.WriteString("\nTitles:\n")
	for _, mention := range mentions {
		builder.WriteString("- ")
		builder.WriteString(mention.Title)
		builder.WriteByte('\n')
	}

	var reply relevanceReply
	if err := complete(ctx, e.llm, "relevance", relevanceSystemPrompt, builder.String(), &reply); err != nil {
		return nil, err
	}
	if len(reply.Scores) == 0 {
		return nil, fmt.Errorf("%w: relevance: no scores returned", ErrExtraction)
	}
	scores := make(map[string]float64, len(reply.Scores))
	for _, item := range reply.Scores {
		scores[strings.ToLower(strings.TrimSpace(item.Title))] = item.Score
	}
	return scores, nil
}

// packChunks joins documents into at most maxCount chunks of about maxRunes
// each. Oversized documents are cut.
func packChunks(docs []string, maxRunes, maxCount int) []string {
	chunks := make([]string, 0, maxCount)
	var builder strings.Builder
	size := 0
	flush := func() {
		if size > 0 {
			chunks = append(chunks, builder.String())
			builder.Reset()
			size = 0
		}
	}
	for _, doc := range docs {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		if n := utf8.RuneCountInString(doc); n > maxRunes {
			doc = string([]rune(doc)[:maxRunes])
		}
		n := utf8.RuneCountInString(doc)
		if size > 0 && size+n > maxRunes {
			flush()
			if len(chunks) >= maxCount {
				return chunks
			}
		}
		if size > 0 {
			builder.WriteString("\n---\n")
		}
		builder.WriteString(doc)
		size += n
	}
	flush()
	if len(chunks) > maxCount {
		chunks = chunks[:maxCount]
	}
	return chunks
}

const titleSystemPrompt = `You read community discussion about films and TV and list the works that are recommended in it.
Reply with one JSON object and nothing else:
{"titles":[{"title":"...","kind":"movie|series","year":0,"mentions":1}]}

Rules:
- title: the name of a specific film, series or anime exactly as a catalog would list it.
- kind: "movie" or "series" when you can tell, otherwise omit it.
- year: release year only when the text states it, otherwise omit it.
- mentions: how many times the work is recommended in the text.

Do NOT list:
- partial sentences or descriptions ("something like a slow burn thriller", "the one with the robot")
- usernames, subreddit names or people ("u/cinephile42", "r/movies", "Christopher Nolan")
- genres, moods or platforms ("slice of life", "horror", "Netflix", "anime")
- markdown, links or formatting fragments ("**", "[link]", "EDIT:")`

const relevanceSystemPrompt = `You judge how well each listed title fits a viewer's request.
Reply with one JSON object and nothing else:
{"scores":[{"title":"...","score":0}]}

Score every listed title from 0 (unrelated) to 10 (exactly what was asked for). Copy titles verbatim.`
