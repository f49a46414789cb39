package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "dukapos:replayed:"

type RedisReplayMarkers struct {
	client *redis.Client
}

func NewRedisReplayMarkers(addr string, password string, db int) *RedisReplayMarkers {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReplayMarkers{client: client}
}

func (c *RedisReplayMarkers) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReplayMarkers) Close() error {
	return c.client.Close()
}

func (c *RedisReplayMarkers) Seen(ctx context.Context, key string) (bool, error) {
	_, err := c.client.Get(ctx, replayKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisReplayMarkers) Mark(ctx context.Context, key string, ttl time.Duration) error {
	// First mark wins; a repeat keeps the original timestamp and TTL.
	return c.client.SetNX(ctx, replayKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}
