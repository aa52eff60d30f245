package domain

import (
	"math"
	"strconv"
	"strings"
)

type MediaKind string

const (
	MediaKindMovie  MediaKind = "movie"
	MediaKindSeries MediaKind = "series"
)

// NormalizeMediaKind maps catalog and LLM spellings onto the two supported kinds.
// Unknown values return "".
func NormalizeMediaKind(raw string) MediaKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "movie", "movies", "film", "films":
		return MediaKindMovie
	case "series", "tv", "show", "shows", "tv show", "tv series", "anime series":
		return MediaKindSeries
	default:
		return ""
	}
}

// CatalogPath is the path segment the catalog uses for this kind.
func (k MediaKind) CatalogPath() string {
	if k == MediaKindSeries {
		return "tv"
	}
	return "movie"
}

// Score weights for the local composite.
const (
	WeightGenreOverlap   = 0.30
	WeightPopularityNorm = 0.20
	WeightSemantic       = 0.35
)

type Scores struct {
	GenreOverlap       float64 `json:"genreOverlap"`
	PopularityNorm     float64 `json:"popularityNorm"`
	SemanticSimilarity float64 `json:"semanticSimilarity"`
	AnimeAffinity      float64 `json:"animeAffinity"`
	CommunityBoost     float64 `json:"communityBoost"`
	Penalty            float64 `json:"penalty"`
	Total              float64 `json:"total"`
}

// ComputeTotal returns the clamped weighted sum of the components.
func (s Scores) ComputeTotal() float64 {
	total := WeightGenreOverlap*s.GenreOverlap +
		WeightPopularityNorm*s.PopularityNorm +
		WeightSemantic*s.SemanticSimilarity +
		s.AnimeAffinity +
		s.CommunityBoost -
		s.Penalty
	if math.IsNaN(total) || total < 0 {
		return 0
	}
	return total
}

type Candidate struct {
	ID               string          `json:"id"`
	SourceID         int             `json:"sourceId"`
	Title            string          `json:"title"`
	Kind             MediaKind       `json:"kind"`
	ReleaseYear      int             `json:"releaseYear,omitempty"`
	Overview         string          `json:"overview,omitempty"`
	PosterPath       string          `json:"posterPath,omitempty"`
	GenreIDs         map[int]bool    `json:"genreIds,omitempty"`
	Popularity       float64         `json:"popularity"`
	VoteAverage      float64         `json:"voteAverage"`
	OriginCountries  map[string]bool `json:"originCountries,omitempty"`
	OriginalLanguage string          `json:"originalLanguage,omitempty"`
	Community        bool            `json:"community,omitempty"`
	Scores           Scores          `json:"scores"`
}

// CandidateID builds the pool identifier from kind and catalog id.
func CandidateID(kind MediaKind, sourceID int) string {
	return string(kind) + ":" + strconv.Itoa(sourceID)
}

// EmbeddingText is the document embedded for semantic similarity.
func (c Candidate) EmbeddingText() string {
	title := strings.TrimSpace(c.Title)
	overview := strings.TrimSpace(c.Overview)
	if overview == "" {
		return title
	}
	return title + ". " + overview
}

func (c Candidate) HasGenre(id int) bool {
	return c.GenreIDs[id]
}

func (c Candidate) HasOrigin(country string) bool {
	return c.OriginCountries[strings.ToUpper(strings.TrimSpace(country))]
}

// Clone returns a deep copy so snapshots never alias the live pool.
func (c Candidate) Clone() Candidate {
	cloned := c
	if c.GenreIDs != nil {
		cloned.GenreIDs = make(map[int]bool, len(c.GenreIDs))
		for id, ok := range c.GenreIDs {
			cloned.GenreIDs[id] = ok
		}
	}
	if c.OriginCountries != nil {
		cloned.OriginCountries = make(map[string]bool, len(c.OriginCountries))
		for country, ok := range c.OriginCountries {
			cloned.OriginCountries[country] = ok
		}
	}
	return cloned
}

func CloneCandidates(items []Candidate) []Candidate {
	if items == nil {
		return nil
	}
	cloned := make([]Candidate, len(items))
	for i, item := range items {
		cloned[i] = item.Clone()
	}
	return cloned
}
