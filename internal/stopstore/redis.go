package stopstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps stop markers in Redis so that every instance of the
// service observes a stop requested on any of them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stopstore: redis ping: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// MarkStopped records a stop request for id with the configured TTL.
func (s *RedisStore) MarkStopped(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, Key(id), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("stopstore: set: %w", err)
	}
	return nil
}

// IsStopped reports whether a marker exists for id.
func (s *RedisStore) IsStopped(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, Key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("stopstore: exists: %w", err)
	}
	return n > 0, nil
}

// Clear removes the marker for id. Removing a nonexistent key is a no-op.
func (s *RedisStore) Clear(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("stopstore: del: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
