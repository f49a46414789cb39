// Package queuetest holds the behaviour every queue.Store must share.
package queuetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/domain"
	"dukapos/internal/queue"
)

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func Op(id string, entity domain.EntityType, kind domain.OperationKind, minute int, priority int) domain.PendingOperation {
	ts := base.Add(time.Duration(minute) * time.Minute)
	return domain.PendingOperation{
		ID:            id,
		EntityType:    entity,
		Kind:          kind,
		Payload:       json.RawMessage(`{"product_id":"p1"}`),
		Timestamp:     ts,
		Priority:      priority,
		NextAttemptAt: ts,
	}
}

// RunStoreSuite exercises a fresh store returned by newStore for each subtest.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) queue.Store) {
	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		op := Op("a", domain.EntitySale, domain.OpCreate, 0, 20)
		op.SourceIDs = []string{"x", "y"}
		require.NoError(t, s.Insert(ctx, op))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, domain.EntitySale, got.EntityType)
		assert.Equal(t, domain.OpCreate, got.Kind)
		assert.JSONEq(t, `{"product_id":"p1"}`, string(got.Payload))
		assert.True(t, got.Timestamp.Equal(op.Timestamp))
		assert.Equal(t, []string{"x", "y"}, got.SourceIDs)
		assert.False(t, got.Synced)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("duplicate insert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Op("a", domain.EntitySale, domain.OpCreate, 0, 20)))
		err := s.Insert(ctx, Op("a", domain.EntitySale, domain.OpCreate, 1, 20))
		assert.ErrorIs(t, err, queue.ErrDuplicateOperation)
	})

	t.Run("due ordering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Op("inv", domain.EntityInventory, domain.OpUpdate, 0, 10)))
		require.NoError(t, s.Insert(ctx, Op("sale-late", domain.EntitySale, domain.OpCreate, 5, 20)))
		require.NoError(t, s.Insert(ctx, Op("sale-early", domain.EntitySale, domain.OpCreate, 1, 20)))
		require.NoError(t, s.Insert(ctx, Op("product", domain.EntityProduct, domain.OpCreate, 9, 30)))
		future := Op("future", domain.EntitySale, domain.OpCreate, 0, 50)
		future.NextAttemptAt = base.Add(time.Hour)
		require.NoError(t, s.Insert(ctx, future))

		due, err := s.Due(ctx, base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"product", "sale-early", "sale-late", "inv"}, ids(due))

		limited, err := s.Due(ctx, base.Add(10*time.Minute), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"product", "sale-early"}, ids(limited))

		later, err := s.Due(ctx, base.Add(2*time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, "future", later[0].ID)
	})

	t.Run("mark synced and purge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Op("a", domain.EntitySale, domain.OpCreate, 0, 20)))
		require.NoError(t, s.Insert(ctx, Op("b", domain.EntitySale, domain.OpCreate, 1, 20)))
		require.NoError(t, s.MarkSynced(ctx, []string{"a"}, base.Add(time.Minute)))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.Synced)
		require.NotNil(t, got.SyncedAt)
		assert.True(t, got.SyncedAt.Equal(base.Add(time.Minute)))

		due, err := s.Due(ctx, base.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(due))

		pending, err := s.List(ctx, false, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(pending))
		all, err := s.List(ctx, true, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		removed, err := s.PurgeSynced(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
		removed, err = s.PurgeSynced(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = s.Get(ctx, "a")
		assert.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("failure and dead letter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Op("a", domain.EntitySale, domain.OpCreate, 0, 20)))
		require.NoError(t, s.UpdateFailure(ctx, "a", 1, "backend down", base.Add(time.Hour), false))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "backend down", got.LastError)
		assert.True(t, got.NextAttemptAt.Equal(base.Add(time.Hour)))

		due, err := s.Due(ctx, base.Add(time.Minute), 0)
		require.NoError(t, err)
		assert.Empty(t, due)

		require.NoError(t, s.UpdateFailure(ctx, "a", 2, "still down", base, true))
		due, err = s.Due(ctx, base.Add(2*time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, due)

		assert.ErrorIs(t, s.UpdateFailure(ctx, "missing", 1, "x", base, false), queue.ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, Op("a", domain.EntitySale, domain.OpCreate, 3, 20)))
		require.NoError(t, s.Insert(ctx, Op("b", domain.EntitySale, domain.OpCreate, 1, 20)))
		require.NoError(t, s.Insert(ctx, Op("c", domain.EntityInventory, domain.OpUpdate, 2, 10)))
		require.NoError(t, s.Insert(ctx, Op("d", domain.EntityCustomer, domain.OpCreate, 0, 30)))
		require.NoError(t, s.MarkSynced(ctx, []string{"d"}, base))
		require.NoError(t, s.UpdateFailure(ctx, "c", 8, "gone", base, true))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 1, stats.Synced)
		assert.Equal(t, 1, stats.Dead)
		assert.Equal(t, map[string]int{"sale": 2}, stats.ByEntity)
		require.NotNil(t, stats.Oldest)
		assert.True(t, stats.Oldest.Equal(base.Add(time.Minute)))
	})
}

func ids(ops []domain.PendingOperation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}
