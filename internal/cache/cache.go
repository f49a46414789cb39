package cache

import (
	"context"
	"sync"
	"time"
)

// ReplayMarkers remembers which backend keys a flush already wrote, so a
// retry after a partial failure does not write them twice.
type ReplayMarkers interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type NoopReplayMarkers struct{}

func (NoopReplayMarkers) Seen(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (NoopReplayMarkers) Mark(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

// MemoryReplayMarkers is the single-process fallback when Redis is not
// configured.
type MemoryReplayMarkers struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryReplayMarkers() *MemoryReplayMarkers {
	return &MemoryReplayMarkers{
		expires: map[string]time.Time{},
		now:     time.Now,
	}
}

func (m *MemoryReplayMarkers) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.expires[key]
	if !ok {
		return false, nil
	}
	if !exp.IsZero() && !m.now().Before(exp) {
		delete(m.expires, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryReplayMarkers) Mark(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.expires[key] = exp
	return nil
}
