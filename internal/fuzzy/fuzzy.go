// Package fuzzy compares media titles after canonicalization.
package fuzzy

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"watchfinder/discoveryservice/internal/vocab"
)

const (
	// MatchThreshold is the minimum similarity for two titles to be the same work.
	MatchThreshold = 0.8
	// minSubstringLen guards mutual-substring matches against tiny fragments.
	minSubstringLen = 4
)

// Canonical lower-cases, folds diacritics, strips a leading article and
// punctuation, collapses whitespace and cuts the title at the first subtitle
// separator.
func Canonical(title string) string {
	value := StripSubtitle(strings.TrimSpace(title))
	value = foldDiacritics(strings.ToLower(value))

	var builder strings.Builder
	builder.Grow(len(value))
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			builder.WriteRune(r)
		case r == '&':
			builder.WriteString(" and ")
		case r == '\'' || r == '’':
			// "Wolf's" and "Wolfs" should collapse together.
		default:
			builder.WriteRune(' ')
		}
	}
	fields := strings.Fields(builder.String())
	if len(fields) > 1 && isArticle(fields[0]) {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// StripSubtitle returns the part of title before the first subtitle separator.
func StripSubtitle(title string) string {
	cut := len(title)
	for _, sep := range vocab.SubtitleSeparators {
		if idx := strings.Index(title, sep); idx > 0 && idx < cut {
			cut = idx
		}
	}
	return strings.TrimSpace(title[:cut])
}

// StripArticle removes one leading article, keeping the original casing.
func StripArticle(title string) string {
	trimmed := strings.TrimSpace(title)
	fields := strings.Fields(trimmed)
	if len(fields) > 1 && isArticle(strings.ToLower(fields[0])) {
		return strings.TrimSpace(trimmed[len(fields[0]):])
	}
	return trimmed
}

func isArticle(word string) bool {
	for _, article := range vocab.Articles {
		if word == article {
			return true
		}
	}
	return false
}

func foldDiacritics(value string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, value)
	if err != nil {
		return value
	}
	return folded
}

// Similarity is the normalized edit-distance similarity of the canonical forms, in [0,1].
func Similarity(a, b string) float64 {
	left := []rune(Canonical(a))
	right := []rune(Canonical(b))
	if len(left) == 0 && len(right) == 0 {
		return 1
	}
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	longest := len(left)
	if len(right) > longest {
		longest = len(right)
	}
	return 1 - float64(levenshtein(left, right))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// SameMention reports whether two extracted mentions refer to the same title:
// canonical forms contain each other (shorter side at least four runes) or
// similarity reaches MatchThreshold.
func SameMention(a, b string) bool {
	left := Canonical(a)
	right := Canonical(b)
	if left == "" || right == "" {
		return false
	}
	if left == right {
		return true
	}
	shorter, longer := left, right
	if len([]rune(shorter)) > len([]rune(longer)) {
		shorter, longer = longer, shorter
	}
	if len([]rune(shorter)) >= minSubstringLen && strings.Contains(longer, shorter) {
		return true
	}
	return Similarity(a, b) >= MatchThreshold
}

// Resolution bonuses. They only reorder candidates that already pass MatchThreshold.
const (
	KindMatchBonus     = 0.2
	YearExactBonus     = 0.3
	YearCloseBonus     = 0.1
	PopularityBonusMax = 0.1
)

type MatchInput struct {
	Query      string
	KindHint   string
	YearHint   int
	Title      string
	Kind       string
	Year       int
	Popularity float64
}

type MatchScore struct {
	Similarity float64
	Total      float64
}

// Accepted reports whether the raw similarity alone clears the threshold.
func (m MatchScore) Accepted() bool {
	return m.Similarity >= MatchThreshold
}

// ScoreMatch scores one catalog record against a mention.
func ScoreMatch(in MatchInput) MatchScore {
	similarity := Similarity(in.Query, in.Title)
	total := similarity
	if in.KindHint != "" && strings.EqualFold(in.KindHint, in.Kind) {
		total += KindMatchBonus
	}
	if in.YearHint > 0 && in.Year > 0 {
		diff := in.YearHint - in.Year
		if diff < 0 {
			diff = -diff
		}
		switch {
		case diff == 0:
			total += YearExactBonus
		case diff == 1:
			total += YearCloseBonus
		}
	}
	if in.Popularity > 0 {
		total += math.Min(PopularityBonusMax, PopularityBonusMax*math.Log10(in.Popularity+1)/3)
	}
	return MatchScore{Similarity: similarity, Total: total}
}
