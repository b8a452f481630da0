package memoryfusion

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the "fast/semantic" memory fusion backend: low-latency
// key/value storage for components that need shared state across process
// restarts but don't need relational queries.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an already-configured *redis.Client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, namespacedKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (b *RedisBackend) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, namespacedKey(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, namespace, key string) error {
	if err := b.client.Del(ctx, namespacedKey(namespace, key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
