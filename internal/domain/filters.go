package domain

import "time"

const (
	DefaultYearMin  = 1960
	DefaultLanguage = "en"
)

type Filters struct {
	MediaTypes       []MediaKind `json:"mediaTypes"`
	Genres           []string    `json:"genres,omitempty"`
	IncludeKeywords  []string    `json:"includeKeywords,omitempty"`
	ExcludeKeywords  []string    `json:"excludeKeywords,omitempty"`
	YearMin          int         `json:"yearMin"`
	YearMax          int         `json:"yearMax"`
	Languages        []string    `json:"languages"`
	GeneratedQueries []string    `json:"generatedQueries,omitempty"`
}

// DefaultFilters are substituted whenever extraction fails.
func DefaultFilters() Filters {
	return Filters{
		MediaTypes: []MediaKind{MediaKindMovie, MediaKindSeries},
		YearMin:    DefaultYearMin,
		YearMax:    time.Now().Year(),
		Languages:  []string{DefaultLanguage},
	}
}

// WantsKind reports whether kind is among the requested media types.
// An empty list means both kinds.
func (f Filters) WantsKind(kind MediaKind) bool {
	if len(f.MediaTypes) == 0 {
		return true
	}
	for _, item := range f.MediaTypes {
		if item == kind {
			return true
		}
	}
	return false
}

// Kinds returns the requested kinds in stable order (movie first).
func (f Filters) Kinds() []MediaKind {
	kinds := make([]MediaKind, 0, 2)
	for _, kind := range []MediaKind{MediaKindMovie, MediaKindSeries} {
		if f.WantsKind(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

type Intent struct {
	AnimeOnly bool `json:"animeOnly"`
}

type Spectrum string

const (
	SpectrumTight  Spectrum = "tight"
	SpectrumNormal Spectrum = "normal"
	SpectrumWide   Spectrum = "wide"
)

var spectrumOrder = []Spectrum{SpectrumTight, SpectrumNormal, SpectrumWide}

func (s Spectrum) index() int {
	for i, item := range spectrumOrder {
		if item == s {
			return i
		}
	}
	return 1
}

// Closer moves one step towards tight and stays at tight.
func (s Spectrum) Closer() Spectrum {
	idx := s.index()
	if idx > 0 {
		idx--
	}
	return spectrumOrder[idx]
}

// Wider moves one step towards wide and stays at wide.
func (s Spectrum) Wider() Spectrum {
	idx := s.index()
	if idx < len(spectrumOrder)-1 {
		idx++
	}
	return spectrumOrder[idx]
}

// YearPadding is the tolerance added on both sides of the year window.
func (s Spectrum) YearPadding() int {
	switch s {
	case SpectrumTight:
		return 0
	case SpectrumWide:
		return 12
	default:
		return 6
	}
}

// StrictnessPenalty is applied to candidates that miss the requested genres.
func (s Spectrum) StrictnessPenalty() float64 {
	switch s {
	case SpectrumTight:
		return 0.2
	case SpectrumWide:
		return 0
	default:
		return 0.1
	}
}

// MinVoteCount drops catalog entries with fewer votes from discover results.
func (s Spectrum) MinVoteCount() int {
	switch s {
	case SpectrumTight:
		return 50
	case SpectrumWide:
		return 0
	default:
		return 10
	}
}

func NormalizeSpectrum(raw string) Spectrum {
	switch Spectrum(raw) {
	case SpectrumTight, SpectrumWide:
		return Spectrum(raw)
	default:
		return SpectrumNormal
	}
}
