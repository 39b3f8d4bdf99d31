package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLocalStorage(t *testing.T) {
	storage := NewSQLiteLocalStorage(getTestSQLite(t))
	ctx := context.Background()

	_, ok, err := storage.Get(ctx, "outbox:events")
	require.NoError(t, err)
	assert.False(t, ok, "A fresh database has no keys")

	// ACT: Write, overwrite, remove
	require.NoError(t, storage.Set(ctx, "outbox:events", `[]`))
	require.NoError(t, storage.Set(ctx, "outbox:events", `[{"id":"e1"}]`))

	v, ok, err := storage.Get(ctx, "outbox:events")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":"e1"}]`, v)

	require.NoError(t, storage.Remove(ctx, "outbox:events"))
	require.NoError(t, storage.Remove(ctx, "outbox:events"), "Removing a missing key is not an error")

	_, ok, err = storage.Get(ctx, "outbox:events")
	require.NoError(t, err)
	assert.False(t, ok)
}
