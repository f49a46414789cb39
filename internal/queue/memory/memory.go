package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dukapos/internal/domain"
	"dukapos/internal/queue"
)

type Store struct {
	mu  sync.RWMutex
	ops map[string]domain.PendingOperation
}

func New() *Store {
	return &Store{ops: map[string]domain.PendingOperation{}}
}

func (s *Store) Insert(_ context.Context, op domain.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ops[op.ID]; exists {
		return queue.ErrDuplicateOperation
	}
	s.ops[op.ID] = clone(op)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	out := clone(op)
	return &out, nil
}

func (s *Store) List(_ context.Context, includeSynced bool, limit int) ([]domain.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(limit, func(op domain.PendingOperation) bool {
		return includeSynced || !op.Synced
	}), nil
}

func (s *Store) Due(_ context.Context, now time.Time, limit int) ([]domain.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(limit, func(op domain.PendingOperation) bool {
		return !op.Synced && !op.Dead && !op.NextAttemptAt.After(now)
	}), nil
}

func (s *Store) MarkSynced(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		op, ok := s.ops[id]
		if !ok {
			continue
		}
		syncedAt := at
		op.Synced = true
		op.SyncedAt = &syncedAt
		op.LastError = ""
		s.ops[id] = op
	}
	return nil
}

func (s *Store) UpdateFailure(_ context.Context, id string, attempts int, reason string, nextAttemptAt time.Time, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return queue.ErrNotFound
	}
	op.Attempts = attempts
	op.LastError = reason
	op.NextAttemptAt = nextAttemptAt
	op.Dead = dead
	s.ops[id] = op
	return nil
}

func (s *Store) PurgeSynced(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, op := range s.ops {
		if op.Synced && op.SyncedAt != nil && op.SyncedAt.Before(before) {
			delete(s.ops, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.QueueStats{ByEntity: map[string]int{}}
	for _, op := range s.ops {
		switch {
		case op.Synced:
			stats.Synced++
		case op.Dead:
			stats.Dead++
		default:
			stats.Pending++
			stats.ByEntity[string(op.EntityType)]++
			if stats.Oldest == nil || op.Timestamp.Before(*stats.Oldest) {
				oldest := op.Timestamp
				stats.Oldest = &oldest
			}
		}
	}
	return stats, nil
}

func (s *Store) collect(limit int, keep func(domain.PendingOperation) bool) []domain.PendingOperation {
	out := make([]domain.PendingOperation, 0, len(s.ops))
	for _, op := range s.ops {
		if keep(op) {
			out = append(out, clone(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(op domain.PendingOperation) domain.PendingOperation {
	op.Payload = append([]byte(nil), op.Payload...)
	if op.SourceIDs != nil {
		op.SourceIDs = append([]string(nil), op.SourceIDs...)
	}
	if op.SyncedAt != nil {
		at := *op.SyncedAt
		op.SyncedAt = &at
	}
	return op
}
