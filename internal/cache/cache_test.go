package cache

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplayMarkersExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryReplayMarkers()
	m.now = func() time.Time { return now }

	seen, err := m.Seen(ctx, "sale:abc")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.Mark(ctx, "sale:abc", time.Minute))
	seen, _ = m.Seen(ctx, "sale:abc")
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = m.Seen(ctx, "sale:abc")
	assert.False(t, seen)

	require.NoError(t, m.Mark(ctx, "sale:forever", 0))
	now = now.Add(24 * time.Hour)
	seen, _ = m.Seen(ctx, "sale:forever")
	assert.True(t, seen)
}

func TestNoopReplayMarkersNeverSee(t *testing.T) {
	var m ReplayMarkers = NoopReplayMarkers{}
	require.NoError(t, m.Mark(context.Background(), "k", time.Hour))
	seen, err := m.Seen(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisReplayMarkersIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}
	db, _ := strconv.Atoi(os.Getenv("TEST_REDIS_DB"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewRedisReplayMarkers(addr, os.Getenv("TEST_REDIS_PASSWORD"), db)
	defer m.Close()
	require.NoError(t, m.Ping(ctx))

	key := "test:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	seen, err := m.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.Mark(ctx, key, time.Minute))
	seen, err = m.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := m.client.TTL(ctx, replayKeyPrefix+key).Result()
	require.NoError(t, err)
	require.NoError(t, m.Mark(ctx, key, time.Hour), "marking twice is not an error")
	again, err := m.client.TTL(ctx, replayKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, again, ttl, "second mark keeps the first expiry")
}
