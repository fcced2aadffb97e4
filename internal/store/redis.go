package store

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "weather-sync:"

// RedisBackend stores slots as plain redis strings without TTL.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects lazily; the first command dials addr.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Read implements Backend.Read.
func (b *RedisBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// Write implements Backend.Write. SET replaces the value atomically.
func (b *RedisBackend) Write(ctx context.Context, key string, value []byte) error {
	return b.client.Set(ctx, redisKeyPrefix+key, value, 0).Err()
}

// Ping checks if redis is reachable. Used for health checks.
func (b *RedisBackend) Ping() error {
	return b.client.Ping(context.Background()).Err()
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
