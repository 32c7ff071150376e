package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskward/kv"
	"github.com/jmcleod/taskward/kv/kvtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore(t *testing.T) {
	kvtest.Run(t, New())
}

func TestMemoryStoreExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clock.Now))
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Second))
	clock.Advance(9 * time.Second)

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Second, ttl)

	clock.Advance(time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	n, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := s.SetNX(ctx, "k", "again", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an expired key must be writable with SetNX")
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := New(WithClock(clock.Now))
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "short", "v", time.Second))
	clock.Advance(2 * time.Second)
	for i := 0; i < sweepEvery; i++ {
		require.NoError(t, s.Set(ctx, "filler", "v", 0))
	}

	s.mu.Lock()
	_, present := s.data["short"]
	s.mu.Unlock()
	assert.False(t, present, "expired entries should be swept")
}

func TestMemoryStoreClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	err := s.Ping(t.Context())
	assert.ErrorIs(t, err, kv.ErrUnavailable)
	_, err = s.Get(t.Context(), "k")
	assert.ErrorIs(t, err, kv.ErrUnavailable)
}

func TestDialerIsolatesDatabases(t *testing.T) {
	reg := kv.NewRegistry(Dialer())
	defer reg.Close()
	ctx := t.Context()

	db1, err := reg.DB(ctx, 1)
	require.NoError(t, err)
	db2, err := reg.DB(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, db1.Set(ctx, "k", "one", 0))
	_, err = db2.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	again, err := reg.DB(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, db1, again, "the registry must reuse the store for an index")
}
