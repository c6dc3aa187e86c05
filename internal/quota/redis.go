// ABOUTME: Redis-backed fixed-window counter store for multi-instance deployments
// ABOUTME: Uses INCR+EXPIRE in a pipeline keyed by identity and window number

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implements CounterStore on a shared Redis instance so
// multiple gateway processes see the same windows.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore connects to Redis and verifies the connection.
func NewRedisCounterStore(addr, password string, db int) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCounterStore{client: client}, nil
}

// Incr increments the counter for the current window. The key embeds the
// window number so expired windows simply age out via TTL.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	windowNum := now.UnixNano() / int64(window)
	windowKey := fmt.Sprintf("%s:%d", key, windowNum)
	resetAt := time.Unix(0, (windowNum+1)*int64(window))

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	// Expiration only takes effect on first increment
	pipe.Expire(ctx, windowKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing redis counter: %w", err)
	}

	return incr.Val(), resetAt, nil
}

// Close closes the Redis connection.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
