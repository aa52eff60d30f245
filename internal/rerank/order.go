package rerank

import (
	"sort"
	"sync"

	"watchfinder/discoveryservice/internal/domain"
)

type cachedVerdict struct {
	score     float64
	reasoning string
	tags      []string
	rejected  bool
}

// ScoreCache holds rerank verdicts per candidate id for one session.
type ScoreCache struct {
	mu       sync.RWMutex
	verdicts map[string]cachedVerdict
}

func NewScoreCache() *ScoreCache {
	return &ScoreCache{verdicts: make(map[string]cachedVerdict)}
}

// Store merges a rerank result into the cache. Later results win per id.
func (c *ScoreCache) Store(result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range result.Ranked {
		c.verdicts[item.ID] = cachedVerdict{score: item.Score, reasoning: item.Reasoning, tags: item.Tags}
	}
	for _, item := range result.Rejected {
		c.verdicts[item.ID] = cachedVerdict{reasoning: item.Reason, rejected: true}
	}
}

func (c *ScoreCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdicts = make(map[string]cachedVerdict)
}

func (c *ScoreCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.verdicts)
}

// Apply decorates a pool in local order with cached verdicts and returns it
// in final order. Reranked candidates keep the positions they hold locally
// but fill them in rerank score order, so any two reranked candidates are
// ordered by rerank score whatever sits between them. Unscored candidates
// stay where the local order put them and rejected candidates go last.
func (c *ScoreCache) Apply(pool []domain.Candidate) []domain.RankedCandidate {
	kept := make([]domain.RankedCandidate, 0, len(pool))
	var rejected []domain.RankedCandidate
	c.mu.RLock()
	for _, candidate := range pool {
		item := domain.RankedCandidate{Candidate: candidate.Clone()}
		if verdict, ok := c.verdicts[candidate.ID]; ok {
			item.Reasoning = verdict.reasoning
			item.Rejected = verdict.rejected
			if !verdict.rejected {
				score := verdict.score
				item.RerankScore = &score
				item.Tags = append([]string(nil), verdict.tags...)
			}
		}
		if item.Rejected {
			rejected = append(rejected, item)
			continue
		}
		kept = append(kept, item)
	}
	c.mu.RUnlock()

	slots := make([]int, 0, len(kept))
	reranked := make([]domain.RankedCandidate, 0, len(kept))
	for i, item := range kept {
		if item.RerankScore != nil {
			slots = append(slots, i)
			reranked = append(reranked, item)
		}
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return *reranked[i].RerankScore > *reranked[j].RerankScore
	})
	for i, slot := range slots {
		kept[slot] = reranked[i]
	}
	return append(kept, rejected...)
}
