package discovery

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"watchfinder/discoveryservice/internal/domain"
)

const (
	defaultHistoryEntries = 200
	redisHistoryPrefix    = "discovery:history:"
)

// HistoryStore is the append-only log of finished searches.
type HistoryStore interface {
	Append(ctx context.Context, record domain.SearchRecord) error
	// List returns the newest records of a session first.
	List(ctx context.Context, sessionID string, limit int) ([]domain.SearchRecord, error)
}

// MemoryHistory keeps the most recent records across all sessions in a ring.
type MemoryHistory struct {
	mu      sync.RWMutex
	records []domain.SearchRecord
	next    int
	full    bool
}

func NewMemoryHistory(maxEntries int) *MemoryHistory {
	if maxEntries <= 0 {
		maxEntries = defaultHistoryEntries
	}
	return &MemoryHistory{records: make([]domain.SearchRecord, maxEntries)}
}

func (h *MemoryHistory) Append(_ context.Context, record domain.SearchRecord) error {
	record.Candidates = domain.CloneCandidates(record.Candidates)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.next] = record
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

func (h *MemoryHistory) List(_ context.Context, sessionID string, limit int) ([]domain.SearchRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := h.next
	if h.full {
		count = len(h.records)
	}
	out := make([]domain.SearchRecord, 0)
	for i := 1; i <= count; i++ {
		idx := (h.next - i + len(h.records)) % len(h.records)
		record := h.records[idx]
		if record.SessionID != sessionID {
			continue
		}
		record.Candidates = domain.CloneCandidates(record.Candidates)
		out = append(out, record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RedisHistory keeps a capped list per session in Redis.
type RedisHistory struct {
	client     *redis.Client
	maxEntries int
	ttl        time.Duration
}

func NewRedisHistory(client *redis.Client, maxEntries int, ttl time.Duration) *RedisHistory {
	if maxEntries <= 0 {
		maxEntries = defaultHistoryEntries
	}
	return &RedisHistory{client: client, maxEntries: maxEntries, ttl: ttl}
}

func (r *RedisHistory) Append(ctx context.Context, record domain.SearchRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := redisHistoryPrefix + record.SessionID
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.maxEntries-1))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisHistory) List(ctx context.Context, sessionID string, limit int) ([]domain.SearchRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := r.client.LRange(ctx, redisHistoryPrefix+sessionID, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SearchRecord, 0, len(items))
	for _, item := range items {
		var record domain.SearchRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}
