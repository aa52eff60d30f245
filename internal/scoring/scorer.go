// Package scoring computes the local composite relevance score of pool
// candidates and orders the pool by it.
package scoring

import (
	"math"
	"sort"
	"strings"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/vocab"
)

const (
	// NeutralGenreOverlap is used when no genres were requested.
	NeutralGenreOverlap = 0.3
	CommunityBoost      = 5.0
	YearPenalty         = 0.2

	AnimeFullAffinity    = 0.3
	AnimePartialAffinity = 0.15
	AnimeMissPenalty     = 0.3
)

// Inputs is everything a score depends on besides the candidate itself.
// GenreIDs holds the requested genre ids per kind; Community holds the
// candidate ids surfaced by the community miner; Semantic holds
// precomputed prompt similarity per candidate id.
type Inputs struct {
	Filters   domain.Filters
	GenreIDs  map[domain.MediaKind]map[int]bool
	Intent    domain.Intent
	Spectrum  domain.Spectrum
	Community map[string]bool
	Semantic  map[string]float64
}

// Score computes the component scores and total for one candidate.
func Score(candidate domain.Candidate, in Inputs) domain.Scores {
	var scores domain.Scores
	requested := in.GenreIDs[candidate.Kind]
	shared := 0
	for id := range requested {
		if candidate.HasGenre(id) {
			shared++
		}
	}
	if len(requested) == 0 {
		scores.GenreOverlap = NeutralGenreOverlap
	} else {
		scores.GenreOverlap = float64(shared) / float64(len(requested))
	}

	scores.PopularityNorm = clamp01(math.Log10(candidate.Popularity+1) / 2)
	scores.SemanticSimilarity = clamp01(in.Semantic[candidate.ID])

	if in.Intent.AnimeOnly {
		animated := candidate.HasGenre(vocab.AnimationGenreID)
		japanese := candidate.HasOrigin(vocab.AnimeOriginCountry) || candidate.OriginalLanguage == vocab.AnimeLanguage
		switch {
		case animated && japanese:
			scores.AnimeAffinity = AnimeFullAffinity
		case animated || japanese:
			scores.AnimeAffinity = AnimePartialAffinity
		default:
			scores.Penalty += AnimeMissPenalty
		}
	}

	// Community picks skip the window penalties: the forum named them for this prompt.
	community := in.Community[candidate.ID]
	if community {
		scores.CommunityBoost = CommunityBoost
	} else {
		if outsideYearWindow(candidate.ReleaseYear, in.Filters, in.Spectrum.YearPadding()) {
			scores.Penalty += YearPenalty
		}
		if (len(requested) > 0 && shared == 0) || matchesExcluded(candidate, in.Filters.ExcludeKeywords) {
			scores.Penalty += in.Spectrum.StrictnessPenalty()
		}
	}

	scores.Total = scores.ComputeTotal()
	return scores
}

func outsideYearWindow(year int, filters domain.Filters, pad int) bool {
	if year <= 0 {
		return false
	}
	if filters.YearMin > 0 && year < filters.YearMin-pad {
		return true
	}
	if filters.YearMax > 0 && year > filters.YearMax+pad {
		return true
	}
	return false
}

func matchesExcluded(candidate domain.Candidate, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	text := strings.ToLower(candidate.Title + " " + candidate.Overview)
	for _, keyword := range keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" && strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func clamp01(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// Rescore returns a scored and sorted copy of pool. The input is not modified.
func Rescore(pool []domain.Candidate, in Inputs) []domain.Candidate {
	scored := domain.CloneCandidates(pool)
	for i := range scored {
		scored[i].Community = in.Community[scored[i].ID]
		scored[i].Scores = Score(scored[i], in)
	}
	SortByTotal(scored)
	return scored
}

// SortByTotal orders candidates by total, then popularity, then id.
func SortByTotal(items []domain.Candidate) {
	sort.SliceStable(items, func(i, j int) bool {
		left, right := items[i], items[j]
		if left.Scores.Total != right.Scores.Total {
			return left.Scores.Total > right.Scores.Total
		}
		if left.Popularity != right.Popularity {
			return left.Popularity > right.Popularity
		}
		return left.ID < right.ID
	})
}
