// Package cache implements the distributed cache and lock primitive:
// a Redis-backed KV store with TTL, Lua-atomic counters and hash
// operations, and SET-NX-EX locks with token-validated release.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrLockNotAcquired is returned by AcquireLock when the key is already held.
var ErrLockNotAcquired = errors.New("cache: lock not acquired")

// releaseScript deletes key only if its value still matches the owner
// token, preventing a caller from releasing a lock re-acquired by a
// different owner after its own lease expired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// refreshScript extends key's TTL only if its value still matches the
// owner token; used as the lock heartbeat.
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// incrScript performs an atomic increment-with-ttl: the increment and
// the TTL application happen in one round trip so a process crash
// between the two can never leave an un-expiring counter.
const incrScript = `
local v = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return v
`

// Cache is a Redis-backed KV store, counter, and lock primitive. All
// keys are namespaced under Prefix (default "AIReview:") so one Redis
// deployment can host multiple logical instances.
type Cache struct {
	client  *redis.Client
	prefix  string
	release *redis.Script
	refresh *redis.Script
	incr    *redis.Script
	group   singleflight.Group
}

// New wraps an existing go-redis client. prefix is applied to every key;
// an empty prefix defaults to "AIReview:".
func New(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "AIReview:"
	}
	return &Cache{
		client:  client,
		prefix:  prefix,
		release: redis.NewScript(releaseScript),
		refresh: redis.NewScript(refreshScript),
		incr:    redis.NewScript(incrScript),
	}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Get returns the raw string value for key, or ("", false, nil) on miss.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key with an optional ttl (ttl<=0 means no expiry).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// IncrementBy atomically adds delta to key, applying ttl (if >0) in the
// same round trip, and returns the resulting value.
func (c *Cache) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := c.incr.Run(ctx, c.client, []string{c.key(key)}, delta, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache incrementby %s: %w", key, err)
	}
	v, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("cache incrementby %s: unexpected reply type %T", key, res)
	}
	return v, nil
}

// HashSet sets a single field of the hash stored at key.
func (c *Cache) HashSet(ctx context.Context, key, field, value string) error {
	if err := c.client.HSet(ctx, c.key(key), field, value).Err(); err != nil {
		return fmt.Errorf("cache hashset %s.%s: %w", key, field, err)
	}
	return nil
}

// HashSetAll sets multiple fields of the hash stored at key in one call.
func (c *Cache) HashSetAll(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.client.HSet(ctx, c.key(key), args...).Err(); err != nil {
		return fmt.Errorf("cache hashsetall %s: %w", key, err)
	}
	return nil
}

// HashGetAll returns every field of the hash stored at key.
func (c *Cache) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache hashgetall %s: %w", key, err)
	}
	return m, nil
}

// HashDelete removes one field from the hash stored at key.
func (c *Cache) HashDelete(ctx context.Context, key, field string) error {
	if err := c.client.HDel(ctx, c.key(key), field).Err(); err != nil {
		return fmt.Errorf("cache hashdelete %s.%s: %w", key, field, err)
	}
	return nil
}

// Expire applies a fresh TTL to key, used to re-arm a hash's expiry
// after HashSetAll (HSET does not itself touch TTL).
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, c.key(key), ttl).Err(); err != nil {
		return fmt.Errorf("cache expire %s: %w", key, err)
	}
	return nil
}

// LockHandle identifies a held lock for later release/refresh.
type LockHandle struct {
	Key   string
	Token string
}

// NewOwnerToken generates a random token suitable for lock ownership.
func NewOwnerToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// AcquireLock attempts `SET key ownerToken NX EX ttl`. Returns
// (nil, ErrLockNotAcquired) if the key is already held.
func (c *Cache) AcquireLock(ctx context.Context, key, ownerToken string, ttl time.Duration) (*LockHandle, error) {
	ok, err := c.client.SetNX(ctx, c.key(key), ownerToken, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache acquirelock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &LockHandle{Key: key, Token: ownerToken}, nil
}

// ReleaseLock runs the check-and-delete Lua script so a lock re-acquired
// by a different owner after expiry is never released out from under
// them.
func (c *Cache) ReleaseLock(ctx context.Context, h *LockHandle) error {
	if h == nil {
		return nil
	}
	_, err := c.release.Run(ctx, c.client, []string{c.key(h.Key)}, h.Token).Result()
	if err != nil {
		return fmt.Errorf("cache releaselock %s: %w", h.Key, err)
	}
	return nil
}

// RefreshLock runs the check-and-pexpire Lua script, used as a liveness
// heartbeat. Returns false (no error) if the lock is no longer owned by
// this token.
func (c *Cache) RefreshLock(ctx context.Context, h *LockHandle, newTTL time.Duration) (bool, error) {
	res, err := c.refresh.Run(ctx, c.client, []string{c.key(h.Key)}, h.Token, newTTL.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("cache refreshlock %s: %w", h.Key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Loader computes the value to cache on a miss.
type Loader func(ctx context.Context) (string, error)

// GetOrCreate is a cache-aside read: on a miss, loader is invoked under a
// per-key singleflight guard so concurrent misses for the same key
// produce one computation and many readers, rather than a thundering
// herd of identical loader calls.
func (c *Cache) GetOrCreate(ctx context.Context, key string, ttl time.Duration, loader Loader) (string, error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}

	v, err, _ := c.group.Do(c.key(key), func() (interface{}, error) {
		// Double-check: another goroutine in this process may have
		// populated the cache while we waited to enter the group.
		if cached, ok, err := c.Get(ctx, key); err == nil && ok {
			return cached, nil
		}
		loaded, err := loader(ctx)
		if err != nil {
			return "", err
		}
		if err := c.Set(ctx, key, loaded, ttl); err != nil {
			return "", err
		}
		return loaded, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Publish sends a message on a pub/sub channel (used for review progress
// notifications and prompt-template invalidation).
func (c *Cache) Publish(ctx context.Context, channel, message string) error {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("cache publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a *redis.PubSub for channel; callers must Close it.
func (c *Cache) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.client.Subscribe(ctx, channel)
}
