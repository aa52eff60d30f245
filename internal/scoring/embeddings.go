package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	"watchfinder/discoveryservice/internal/domain"
	"watchfinder/discoveryservice/internal/metrics"
	"watchfinder/discoveryservice/internal/providers/embedding"
)

const embeddingCacheName = "embedding"

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists embeddings across restarts.
type VectorStore interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vector []float32) error
}

type EmbeddingCacheOption func(*EmbeddingCache)

func WithVectorStore(store VectorStore) EmbeddingCacheOption {
	return func(c *EmbeddingCache) {
		c.store = store
	}
}

// WithNamespace separates keys of different embedding models.
func WithNamespace(namespace string) EmbeddingCacheOption {
	return func(c *EmbeddingCache) {
		c.namespace = strings.TrimSpace(namespace)
	}
}

// EmbeddingCache memoizes embeddings for the process lifetime. A text whose
// embedding failed is remembered as an empty vector and contributes zero
// similarity; it is never requested again.
type EmbeddingCache struct {
	embedder  Embedder
	store     VectorStore
	namespace string

	mu      sync.RWMutex
	vectors map[string][]float32
}

func NewEmbeddingCache(embedder Embedder, opts ...EmbeddingCacheOption) *EmbeddingCache {
	cache := &EmbeddingCache{
		embedder: embedder,
		vectors:  make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Similarities returns the cosine similarity between the prompt and each
// candidate's "{title}. {overview}" text, keyed by candidate id.
func (c *EmbeddingCache) Similarities(ctx context.Context, prompt string, candidates []domain.Candidate) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	if len(candidates) == 0 || strings.TrimSpace(prompt) == "" {
		return out
	}
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, prompt)
	for _, candidate := range candidates {
		texts = append(texts, candidate.EmbeddingText())
	}
	vectors := c.Vectors(ctx, texts)
	promptVector := vectors[0]
	for i, candidate := range candidates {
		out[candidate.ID] = embedding.Cosine(promptVector, vectors[i+1])
	}
	return out
}

// Vectors returns one vector per text, embedding only the texts not seen before.
func (c *EmbeddingCache) Vectors(ctx context.Context, texts []string) [][]float32 {
	result := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []int

	c.mu.RLock()
	for i, text := range texts {
		keys[i] = c.key(text)
		if vector, ok := c.vectors[keys[i]]; ok {
			result[i] = vector
			continue
		}
		missing = append(missing, i)
	}
	c.mu.RUnlock()
	metrics.CacheHitsTotal.WithLabelValues(embeddingCacheName).Add(float64(len(texts) - len(missing)))
	if len(missing) == 0 {
		return result
	}

	missing = c.loadStored(ctx, keys, missing, result)
	if len(missing) == 0 {
		return result
	}
	metrics.CacheMissesTotal.WithLabelValues(embeddingCacheName).Add(float64(len(missing)))

	pending := uniqueTexts(texts, keys, missing)
	fetched := c.embed(ctx, pending)

	c.mu.Lock()
	for key, vector := range fetched {
		if _, ok := c.vectors[key]; !ok {
			c.vectors[key] = vector
		}
	}
	for _, idx := range missing {
		result[idx] = c.vectors[keys[idx]]
	}
	c.mu.Unlock()
	return result
}

func (c *EmbeddingCache) loadStored(ctx context.Context, keys []string, missing []int, result [][]float32) []int {
	if c.store == nil {
		return missing
	}
	remaining := missing[:0]
	for _, idx := range missing {
		vector, ok, err := c.store.Get(ctx, keys[idx])
		if err != nil {
			slog.Warn("embedding store read failed", slog.String("error", err.Error()))
		}
		if !ok || len(vector) == 0 {
			remaining = append(remaining, idx)
			continue
		}
		result[idx] = vector
		c.mu.Lock()
		c.vectors[keys[idx]] = vector
		c.mu.Unlock()
	}
	return remaining
}

type pendingText struct {
	key  string
	text string
}

func uniqueTexts(texts, keys []string, indexes []int) []pendingText {
	seen := make(map[string]bool, len(indexes))
	out := make([]pendingText, 0, len(indexes))
	for _, idx := range indexes {
		if seen[keys[idx]] {
			continue
		}
		seen[keys[idx]] = true
		out = append(out, pendingText{key: keys[idx], text: texts[idx]})
	}
	return out
}

func (c *EmbeddingCache) embed(ctx context.Context, pending []pendingText) map[string][]float32 {
	fetched := make(map[string][]float32, len(pending))
	for _, item := range pending {
		fetched[item.key] = []float32{}
	}
	if c.embedder == nil {
		return fetched
	}
	inputs := make([]string, len(pending))
	for i, item := range pending {
		inputs[i] = item.text
	}
	vectors, err := c.embedder.Embed(ctx, inputs)
	if err != nil || len(vectors) != len(inputs) {
		if err != nil {
			slog.Warn("embedding failed, using zero similarity",
				slog.Int("texts", len(inputs)),
				slog.String("error", err.Error()),
			)
		}
		return fetched
	}
	for i, item := range pending {
		vector := vectors[i]
		if vector == nil {
			continue
		}
		fetched[item.key] = vector
		if c.store != nil && len(vector) > 0 {
			if err := c.store.Set(ctx, item.key, vector); err != nil {
				slog.Warn("embedding store write failed", slog.String("error", err.Error()))
			}
		}
	}
	return fetched
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(c.namespace + "\x00" + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Len reports how many texts are memoized, including failed ones.
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}
