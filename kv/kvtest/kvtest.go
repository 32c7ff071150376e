// Package kvtest holds the behavioural suite every kv.Store must pass.
package kvtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskward/kv"
)

// Run executes the common suite against store. Keys are namespaced by
// subtest so a shared store can be used.
func Run(t *testing.T, store kv.Store) {
	t.Helper()
	ctx := t.Context()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:get", "v1", time.Minute))
		got, err := store.Get(ctx, "suite:get")
		require.NoError(t, err)
		assert.Equal(t, "v1", got)

		require.NoError(t, store.Set(ctx, "suite:get", "v2", time.Minute))
		got, err = store.Get(ctx, "suite:get")
		require.NoError(t, err)
		assert.Equal(t, "v2", got, "Set must overwrite")
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "suite:missing")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:empty", "", time.Minute))
		got, err := store.Get(ctx, "suite:empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("SetNXKeepsFirstWrite", func(t *testing.T) {
		ok, err := store.SetNX(ctx, "suite:nx", "first", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetNX(ctx, "suite:nx", "second", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.Get(ctx, "suite:nx")
		require.NoError(t, err)
		assert.Equal(t, "first", got)

		ttl, err := store.TTL(ctx, "suite:nx")
		require.NoError(t, err)
		assert.LessOrEqual(t, ttl, time.Minute, "a rejected SetNX must not extend the expiry")
	})

	t.Run("Exists", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:exists:a", "", time.Minute))
		require.NoError(t, store.Set(ctx, "suite:exists:b", "", time.Minute))

		n, err := store.Exists(ctx, "suite:exists:a", "suite:exists:b", "suite:exists:c")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = store.Exists(ctx, "suite:exists:c")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Del", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:del", "x", time.Minute))
		require.NoError(t, store.Del(ctx, "suite:del", "suite:del:never"))
		_, err := store.Get(ctx, "suite:del")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("TTL", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:ttl", "x", time.Minute))
		ttl, err := store.TTL(ctx, "suite:ttl")
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)

		require.NoError(t, store.Set(ctx, "suite:ttl:persistent", "x", 0))
		ttl, err = store.TTL(ctx, "suite:ttl:persistent")
		require.NoError(t, err)
		assert.Equal(t, kv.NoExpiry, ttl)

		_, err = store.TTL(ctx, "suite:ttl:missing")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
