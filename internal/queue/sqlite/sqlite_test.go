package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/domain"
	"dukapos/internal/queue"
	"dukapos/internal/queue/queuetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	queuetest.RunStoreSuite(t, func(t *testing.T) queue.Store {
		return openTemp(t)
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	first, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, first.Insert(ctx, queuetest.Op("a", domain.EntityInventory, domain.OpUpdate, 0, 10)))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityInventory, got.EntityType)
	assert.Nil(t, got.SourceIDs)
}
