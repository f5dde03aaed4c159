package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kirillkom/askrag/internal/infrastructure/vector/codec"
)

const redisKeyPrefix = "askrag:emb:"

// RedisCache shares vectors between processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	if len(keys) == 0 {
		return map[string][]float32{}, nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = redisKeyPrefix + key
	}

	values, err := c.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string][]float32, len(keys))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		vector, err := codec.Decode([]byte(s))
		if err != nil {
			continue
		}
		out[keys[i]] = vector
	}
	return out, nil
}

func (c *RedisCache) SetMany(ctx context.Context, values map[string][]float32) error {
	if len(values) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for key, vector := range values {
		pipe.Set(ctx, redisKeyPrefix+key, codec.Encode(vector), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline set: %w", err)
	}
	return nil
}
