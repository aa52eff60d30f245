package extract

import (
	"strings"
	"unicode"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/vocab"
)

// DetectIntent derives per-search intent from the raw prompt. A request is
// anime-only when any prompt token is an anime marker.
func DetectIntent(prompt string) domain.Intent {
	tokens := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, token := range tokens {
		if _, ok := vocab.AnimeMarkers[token]; ok {
			return domain.Intent{AnimeOnly: true}
		}
	}
	return domain.Intent{}
}
