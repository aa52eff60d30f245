// Package vocab holds the fixed lookup tables the pipeline matches against:
// the canonical genre vocabulary and its catalog aliases, anime markers,
// mood and pacing phrases, and words that are never titles.
//
// Keeping them here lets prompts, scoring and tests share one definition.
package vocab

import (
	"sort"
	"strings"
)

// AnimationGenreID is the catalog genre id for Animation (same for movie and tv).
const AnimationGenreID = 16

const (
	AnimeOriginCountry = "JP"
	AnimeLanguage      = "ja"
)

// CanonicalGenres is the closed genre vocabulary offered to the extraction model.
// Each entry maps to the catalog genre names it covers, per catalog kind.
var CanonicalGenres = map[string]GenreAliases{
	"Action":          {Movie: []string{"Action"}, TV: []string{"Action & Adventure"}},
	"Adventure":       {Movie: []string{"Adventure"}, TV: []string{"Action & Adventure"}},
	"Animation":       {Movie: []string{"Animation"}, TV: []string{"Animation"}},
	"Comedy":          {Movie: []string{"Comedy"}, TV: []string{"Comedy"}},
	"Crime":           {Movie: []string{"Crime"}, TV: []string{"Crime"}},
	"Documentary":     {Movie: []string{"Documentary"}, TV: []string{"Documentary"}},
	"Drama":           {Movie: []string{"Drama"}, TV: []string{"Drama"}},
	"Family":          {Movie: []string{"Family"}, TV: []string{"Family", "Kids"}},
	"Fantasy":         {Movie: []string{"Fantasy"}, TV: []string{"Sci-Fi & Fantasy"}},
	"History":         {Movie: []string{"History"}, TV: []string{"Drama"}},
	"Horror":          {Movie: []string{"Horror"}, TV: []string{"Mystery"}},
	"Music":           {Movie: []string{"Music"}, TV: []string{"Reality"}},
	"Mystery":         {Movie: []string{"Mystery"}, TV: []string{"Mystery"}},
	"Romance":         {Movie: []string{"Romance"}, TV: []string{"Drama"}},
	"Science Fiction": {Movie: []string{"Science Fiction"}, TV: []string{"Sci-Fi & Fantasy"}},
	"Thriller":        {Movie: []string{"Thriller"}, TV: []string{"Mystery", "Crime"}},
	"War":             {Movie: []string{"War"}, TV: []string{"War & Politics"}},
	"Western":         {Movie: []string{"Western"}, TV: []string{"Western"}},
}

type GenreAliases struct {
	Movie []string
	TV    []string
}

// For returns the catalog genre names for the given catalog path ("movie" or "tv").
func (a GenreAliases) For(catalogPath string) []string {
	if catalogPath == "tv" {
		return a.TV
	}
	return a.Movie
}

// MediaTypes is the closed media-type vocabulary offered to the extraction model.
var MediaTypes = []string{"movie", "series"}

// CanonicalGenre returns the vocabulary spelling of raw, or "" when raw is not in it.
func CanonicalGenre(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	for name := range CanonicalGenres {
		if strings.EqualFold(name, value) {
			return name
		}
	}
	switch strings.ToLower(value) {
	case "sci-fi", "scifi", "sf":
		return "Science Fiction"
	case "anime", "animated", "cartoon":
		return "Animation"
	case "romcom", "rom-com":
		return "Romance"
	case "suspense":
		return "Thriller"
	}
	return ""
}

// GenreNames returns the canonical vocabulary sorted for prompts.
func GenreNames() []string {
	names := make([]string, 0, len(CanonicalGenres))
	for name := range CanonicalGenres {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnimeMarkers flag an anime-only request when they appear as prompt tokens.
var AnimeMarkers = map[string]struct{}{
	"anime":       {},
	"animes":      {},
	"manga":       {},
	"shonen":      {},
	"shounen":     {},
	"shojo":       {},
	"shoujo":      {},
	"seinen":      {},
	"josei":       {},
	"isekai":      {},
	"mecha":       {},
	"ghibli":      {},
	"crunchyroll": {},
}

// MoodPhrases is the mood and pacing vocabulary mined from community text.
var MoodPhrases = []string{
	"slow burn",
	"slow paced",
	"fast paced",
	"feel good",
	"wholesome",
	"cozy",
	"comfy",
	"heartwarming",
	"bittersweet",
	"tearjerker",
	"melancholic",
	"atmospheric",
	"dark",
	"gritty",
	"mind bending",
	"mind-bending",
	"thought provoking",
	"philosophical",
	"psychological",
	"character driven",
	"plot twist",
	"twist ending",
	"found family",
	"coming of age",
	"slice of life",
	"episodic",
	"binge",
	"binge-worthy",
	"underrated",
	"hidden gem",
	"cult classic",
	"visually stunning",
	"beautiful animation",
	"great soundtrack",
	"quirky",
	"lighthearted",
	"edge of your seat",
	"suspenseful",
	"creepy",
	"unsettling",
	"funny",
	"hilarious",
	"romantic",
	"emotional",
	"epic",
	"relaxing",
	"iyashikei",
}

// ConceptWords are never accepted as extracted titles.
var ConceptWords = map[string]struct{}{
	"anime":           {},
	"movie":           {},
	"movies":          {},
	"film":            {},
	"films":           {},
	"show":            {},
	"shows":           {},
	"series":          {},
	"tv":              {},
	"netflix":         {},
	"hulu":            {},
	"crunchyroll":     {},
	"hbo":             {},
	"prime video":     {},
	"disney":          {},
	"disney+":         {},
	"imdb":            {},
	"reddit":          {},
	"recommendations": {},
	"recommendation":  {},
	"slice of life":   {},
	"romance":         {},
	"comedy":          {},
	"horror":          {},
	"thriller":        {},
	"drama":           {},
	"action":          {},
	"season 1":        {},
	"season 2":        {},
	"edit":            {},
	"spoilers":        {},
	"thanks":          {},
}

// IsConceptWord reports whether title is a generic word rather than a work.
func IsConceptWord(title string) bool {
	key := strings.ToLower(strings.TrimSpace(title))
	if key == "" {
		return true
	}
	_, ok := ConceptWords[key]
	return ok
}

// Articles are stripped from the front of titles during canonicalization.
var Articles = []string{"the", "a", "an"}

// SubtitleSeparators end the main title.
var SubtitleSeparators = []string{":", " - ", " – ", " — ", " | "}

// ForumCommunities are the discussion boards searched for a request.
func ForumCommunities(animeOnly bool) []string {
	if animeOnly {
		return []string{"anime", "Animesuggest", "AnimeRecommendations"}
	}
	return []string{"MovieSuggestions", "televisionsuggestions", "movies", "television"}
}
