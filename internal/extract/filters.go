package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/vocab"
)

const maxGeneratedQueries = 5

type filterReply struct {
	MediaTypes      []string `json:"mediaTypes" validate:"max=2,dive,oneof=movie series"`
	Genres          []string `json:"genres" validate:"max=10,dive,required"`
	IncludeKeywords []string `json:"includeKeywords" validate:"max=15,dive,required"`
	ExcludeKeywords []string `json:"excludeKeywords" validate:"max=15,dive,required"`
	YearMin         *int     `json:"yearMin" validate:"omitempty,min=1870,max=2100"`
	YearMax         *int     `json:"yearMax" validate:"omitempty,min=1870,max=2100"`
	Languages       []string `json:"languages" validate:"max=6,dive,alpha,min=2,max=3"`
	Queries         []string `json:"queries" validate:"max=10,dive,required"`
}

type FilterExtractor struct {
	llm Completer
	now func() time.Time
}

func NewFilterExtractor(completer Completer) *FilterExtractor {
	return &FilterExtractor{llm: completer, now: time.Now}
}

// ExtractFilters maps a prompt to Filters. Any failure is returned wrapped in
// ErrExtraction; callers fall back to domain.DefaultFilters.
func (e *FilterExtractor) ExtractFilters(ctx context.Context, prompt string) (domain.Filters, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return domain.Filters{}, fmt.Errorf("%w: empty prompt", ErrExtraction)
	}
	var reply filterReply
	if err := complete(ctx, e.llm, "filters", filterSystemPrompt(e.now().Year()), prompt, &reply); err != nil {
		return domain.Filters{}, err
	}
	return e.normalize(reply), nil
}

func (e *FilterExtractor) normalize(reply filterReply) domain.Filters {
	filters := domain.DefaultFilters()
	filters.YearMax = e.now().Year()

	kinds := make([]domain.MediaKind, 0, 2)
	for _, raw := range reply.MediaTypes {
		kind := domain.NormalizeMediaKind(raw)
		if kind != "" && !containsKind(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) > 0 {
		filters.MediaTypes = kinds
	}

	genres := make([]string, 0, len(reply.Genres))
	for _, raw := range reply.Genres {
		if name := vocab.CanonicalGenre(raw); name != "" {
			genres = appendUnique(genres, name)
		}
	}
	filters.Genres = genres

	filters.IncludeKeywords = cleanList(reply.IncludeKeywords, true, 0)
	filters.ExcludeKeywords = cleanList(reply.ExcludeKeywords, true, 0)
	filters.GeneratedQueries = cleanList(reply.Queries, false, maxGeneratedQueries)

	if reply.YearMin != nil {
		filters.YearMin = *reply.YearMin
	}
	if reply.YearMax != nil && *reply.YearMax < filters.YearMax {
		filters.YearMax = *reply.YearMax
	}
	if filters.YearMin > filters.YearMax {
		filters.YearMin, filters.YearMax = filters.YearMax, filters.YearMin
	}

	if languages := cleanList(reply.Languages, true, 0); len(languages) > 0 {
		filters.Languages = languages
	}
	return filters
}

func containsKind(kinds []domain.MediaKind, kind domain.MediaKind) bool {
	for _, item := range kinds {
		if item == kind {
			return true
		}
	}
	return false
}

func appendUnique(items []string, value string) []string {
	for _, item := range items {
		if strings.EqualFold(item, value) {
			return items
		}
	}
	return append(items, value)
}

func cleanList(values []string, lower bool, limit int) []string {
	out := make([]string, 0, len(values))
	for _, raw := range values {
		value := strings.Join(strings.Fields(raw), " ")
		if lower {
			value = strings.ToLower(value)
		}
		if value == "" {
			continue
		}
		out = appendUnique(out, value)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func filterSystemPrompt(currentYear int) string {
	return fmt.Sprintf(`You convert a viewer's request for something to watch into search filters.
Reply with one JSON object and nothing else, using exactly these keys:
{"mediaTypes":[],"genres":[],"includeKeywords":[],"excludeKeywords":[],"yearMin":null,"yearMax":null,"languages":[],"queries":[]}

Rules:
- mediaTypes: any of %s. Leave empty when the request does not say.
- genres: only names from this list, spelled exactly: %s.
- includeKeywords: short themes, moods or settings the viewer wants.
- excludeKeywords: things the viewer explicitly does not want.
- yearMin / yearMax: integers only when the request implies an era; otherwise null. The current year is %d.
- languages: ISO 639-1 original-language codes only when the request asks for them.
- queries: up to %d short catalog search queries (titles or title-like phrases) that would find matching works.`,
		strings.Join(vocab.MediaTypes, ", "),
		strings.Join(vocab.GenreNames(), ", "),
		currentYear,
		maxGeneratedQueries,
	)
}
