package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:")
}

func TestGetSetDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementBy(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	v, err := c.IncrementBy(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = c.IncrementBy(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestHashOps(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.HashSetAll(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	all, err := c.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, c.HashDelete(ctx, "h", "a"))
	all, err = c.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, all)
}

func TestLockAcquireReleaseContested(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	h1, err := c.AcquireLock(ctx, "lock:x", "token-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h1)

	_, err = c.AcquireLock(ctx, "lock:x", "token-b", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, c.ReleaseLock(ctx, h1))

	h2, err := c.AcquireLock(ctx, "lock:x", "token-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestReleaseLockDoesNotStealReacquiredLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	h1, err := c.AcquireLock(ctx, "lock:y", "token-a", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // let it expire

	h2, err := c.AcquireLock(ctx, "lock:y", "token-b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h2)

	// h1's release must be a no-op: the key now belongs to token-b.
	require.NoError(t, c.ReleaseLock(ctx, h1))

	_, ok, err := c.Get(ctx, "lock:y")
	require.NoError(t, err)
	assert.True(t, ok, "token-b's lock must survive token-a's stale release")
}

func TestRefreshLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	h, err := c.AcquireLock(ctx, "lock:z", "token-a", time.Minute)
	require.NoError(t, err)

	ok, err := c.RefreshLock(ctx, h, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	stolen := &LockHandle{Key: "lock:z", Token: "someone-else"}
	ok, err = c.RefreshLock(ctx, stolen, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrCreateCoalescesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var calls int64
	loader := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "computed", nil
	}

	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		go func() {
			v, err := c.GetOrCreate(ctx, "shared", time.Minute, loader)
			require.NoError(t, err)
			results <- v
		}()
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, "computed", <-results)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}
