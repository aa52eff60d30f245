package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/providers/tmdb"
	"watchfinder/discoveryservice/internal/vocab"
)

// GenreLister is the catalog call the genre table loads from.
type GenreLister interface {
	Genres(ctx context.Context, path string) ([]tmdb.Genre, error)
}

// GenreTable maps catalog genre names to ids per media kind. It loads once;
// a failed load is retried on the next EnsureLoaded call.
type GenreTable struct {
	source GenreLister

	mu     sync.RWMutex
	loaded bool
	byKind map[domain.MediaKind]map[string]int
}

func NewGenreTable(source GenreLister) *GenreTable {
	return &GenreTable{source: source}
}

// EnsureLoaded fetches both genre lists unless they are already loaded.
// Concurrent callers block on the same load.
func (t *GenreTable) EnsureLoaded(ctx context.Context) error {
	t.mu.RLock()
	loaded := t.loaded
	t.mu.RUnlock()
	if loaded {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return nil
	}
	byKind := make(map[domain.MediaKind]map[string]int, 2)
	for _, kind := range []domain.MediaKind{domain.MediaKindMovie, domain.MediaKindSeries} {
		genres, err := t.source.Genres(ctx, kind.CatalogPath())
		if err != nil {
			return fmt.Errorf("load %s genres: %w", kind, err)
		}
		if len(genres) == 0 {
			return fmt.Errorf("load %s genres: empty list", kind)
		}
		names := make(map[string]int, len(genres))
		for _, genre := range genres {
			names[strings.ToLower(strings.TrimSpace(genre.Name))] = genre.ID
		}
		byKind[kind] = names
	}
	t.byKind = byKind
	t.loaded = true
	return nil
}

// IDs returns the sorted catalog genre ids for canonical genre names under
// kind. Names without a catalog counterpart are skipped.
func (t *GenreTable) IDs(kind domain.MediaKind, canonical []string) []int {
	t.mu.RLock()
	names := t.byKind[kind]
	t.mu.RUnlock()
	if len(names) == 0 {
		return nil
	}
	seen := make(map[int]bool)
	ids := make([]int, 0, len(canonical))
	for _, genre := range canonical {
		aliases, ok := vocab.CanonicalGenres[genre]
		if !ok {
			continue
		}
		for _, alias := range aliases.For(kind.CatalogPath()) {
			id, ok := names[strings.ToLower(alias)]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// IDSets returns IDs for both kinds as lookup sets.
func (t *GenreTable) IDSets(canonical []string) map[domain.MediaKind]map[int]bool {
	sets := make(map[domain.MediaKind]map[int]bool, 2)
	for _, kind := range []domain.MediaKind{domain.MediaKindMovie, domain.MediaKindSeries} {
		set := make(map[int]bool)
		for _, id := range t.IDs(kind, canonical) {
			set[id] = true
		}
		sets[kind] = set
	}
	return sets
}
