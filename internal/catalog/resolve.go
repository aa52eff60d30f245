package catalog

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/fuzzy"
)

type resolveStrategy struct {
	name  string
	query string
	kind  domain.MediaKind
	year  int
}

// ResolveMention finds the catalog record a community mention refers to.
// Strategies run in order (exact title, kind-scoped title, article-stripped,
// subtitle-stripped, title plus year); the first strategy whose best record
// clears the similarity threshold wins. Repeated queries are skipped.
func (g *Gateway) ResolveMention(ctx context.Context, mention domain.TitleMention) (domain.Candidate, bool) {
	title := strings.TrimSpace(mention.Title)
	if title == "" {
		return domain.Candidate{}, false
	}

	seen := make(map[string]bool)
	for _, strategy := range resolveStrategies(mention) {
		key := string(strategy.kind) + "|" + strings.ToLower(strategy.query) + "|" + strconv.Itoa(strategy.year)
		if strategy.query == "" || seen[key] {
			continue
		}
		seen[key] = true

		var (
			found []domain.Candidate
			err   error
		)
		if strategy.kind == "" {
			found, err = g.SearchFreeText(ctx, strategy.query, 0)
		} else {
			found, err = g.SearchKind(ctx, strategy.kind, strategy.query, strategy.year)
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.Candidate{}, false
			}
			slog.Warn("catalog: mention lookup failed",
				slog.String("mention", title),
				slog.String("strategy", strategy.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if best, ok := bestMatch(strategy.query, mention, found); ok {
			return best, true
		}
	}
	return domain.Candidate{}, false
}

func resolveStrategies(mention domain.TitleMention) []resolveStrategy {
	title := strings.TrimSpace(mention.Title)
	strategies := []resolveStrategy{{name: "exact", query: title}}
	if mention.KindHint != "" {
		strategies = append(strategies, resolveStrategy{name: "kind", query: title, kind: mention.KindHint})
	}
	if stripped := fuzzy.StripArticle(title); stripped != title {
		strategies = append(strategies, resolveStrategy{name: "article", query: stripped})
	}
	if stripped := fuzzy.StripSubtitle(title); stripped != "" && stripped != title {
		strategies = append(strategies, resolveStrategy{name: "subtitle", query: stripped})
	}
	if mention.YearHint > 0 {
		kinds := []domain.MediaKind{domain.MediaKindMovie, domain.MediaKindSeries}
		if mention.KindHint != "" {
			kinds = []domain.MediaKind{mention.KindHint}
		}
		for _, kind := range kinds {
			strategies = append(strategies, resolveStrategy{name: "year", query: title, kind: kind, year: mention.YearHint})
		}
	}
	return strategies
}

func bestMatch(query string, mention domain.TitleMention, candidates []domain.Candidate) (domain.Candidate, bool) {
	var (
		best      domain.Candidate
		bestScore fuzzy.MatchScore
		found     bool
	)
	for _, candidate := range candidates {
		score := fuzzy.ScoreMatch(fuzzy.MatchInput{
			Query:      query,
			KindHint:   string(mention.KindHint),
			YearHint:   mention.YearHint,
			Title:      candidate.Title,
			Kind:       string(candidate.Kind),
			Year:       candidate.ReleaseYear,
			Popularity: candidate.Popularity,
		})
		if !found || score.Total > bestScore.Total {
			best, bestScore, found = candidate, score, true
		}
	}
	if !found || !bestScore.Accepted() {
		return domain.Candidate{}, false
	}
	return best, true
}
