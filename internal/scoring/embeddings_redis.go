package scoring

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const redisEmbeddingPrefix = "discovery:embedding:"

// RedisVectorStore keeps embeddings in Redis as JSON arrays.
type RedisVectorStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisVectorStore(client *redis.Client, ttl time.Duration) *RedisVectorStore {
	return &RedisVectorStore{client: client, ttl: ttl}
}

func (r *RedisVectorStore) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := r.client.Get(ctx, redisEmbeddingPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, false, err
	}
	return vector, true, nil
}

func (r *RedisVectorStore) Set(ctx context.Context, key string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisEmbeddingPrefix+key, data, r.ttl).Err()
}
