package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteSetGet(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	type member struct {
		UserID string `json:"user_id"`
	}

	require.NoError(t, store.Set(ctx, "presence-chat:members", []member{{UserID: "u1"}}))

	var got []member
	require.NoError(t, store.Get(ctx, "presence-chat:members", &got))
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestSQLiteGetMissingKey(t *testing.T) {
	store := newTestSQLite(t)

	var got []string
	err := store.Get(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSetOverwrites(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "first"))
	require.NoError(t, store.Set(ctx, "k", "second"))

	var got string
	require.NoError(t, store.Get(ctx, "k", &got))
	assert.Equal(t, "second", got)
}

func TestSQLitePublishUnsupported(t *testing.T) {
	store := newTestSQLite(t)

	err := store.Publish(context.Background(), "topic", map[string]string{"x": "y"})
	assert.ErrorIs(t, err, ErrPubSubUnsupported)
}
