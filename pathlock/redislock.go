package pathlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pathforge/castore"
)

// redisCache is the subset of *redis.Client that RedisLocker depends on,
// narrowed to an interface so tests can substitute an in-memory fake instead
// of requiring a live Redis server.
type redisCache interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisLocker implements Locker against a shared Redis instance, for stores
// whose data directory is mounted by several machines at once: flock(2) only
// serializes within one kernel, so a network-shared store needs a lock that
// lives outside any single machine.
type RedisLocker struct {
	client redisCache
	ttl    time.Duration
	owner  string

	held map[string]bool
}

// NewRedisLocker returns a RedisLocker using client. Each lock is written with
// expiry ttl when it is first acquired; re-acquiring a key this RedisLocker
// already holds is a no-op and does not extend that expiry. owner is a fresh UUID,
// stable for the lifetime of the process, so that a crashed and restarted
// process does not recognize another instance's locks as its own.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return newRedisLocker(client, ttl)
}

func newRedisLocker(client redisCache, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		owner:  castore.NewUUID().String(),
		held:   make(map[string]bool),
	}
}

func (l *RedisLocker) formatKey(key string) string {
	return fmt.Sprintf("L%s", key)
}

// Acquire locks every key in keys, sorted, all-or-nothing. Acquisition uses a
// SetNX-then-verify protocol: set the key if absent, then re-read it to
// confirm this owner actually won the race, since a concurrent SetNX from
// another owner could have landed between our check and our write.
func (l *RedisLocker) Acquire(ctx context.Context, keys []string) error {
	sorted := SortKeys(keys)
	acquired := make([]string, 0, len(sorted))

	for {
		acquired = acquired[:0]
		conflict := false

		for _, key := range sorted {
			if l.held[key] {
				continue
			}
			ok, err := l.tryLock(ctx, key)
			if err != nil {
				l.releaseLocked(acquired)
				return err
			}
			if !ok {
				conflict = true
				break
			}
			acquired = append(acquired, key)
		}

		if !conflict {
			for _, key := range acquired {
				l.held[key] = true
			}
			return nil
		}

		l.releaseLocked(acquired)
		select {
		case <-ctx.Done():
			return castore.SysError("pathlock: waiting for redis lock", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// tryLock attempts to claim key for this owner, returning false (not an
// error) if another owner already holds it.
func (l *RedisLocker) tryLock(ctx context.Context, key string) (bool, error) {
	rkey := l.formatKey(key)

	ok, err := l.client.SetNX(ctx, rkey, l.owner, l.ttl).Result()
	if err != nil {
		return false, castore.SysError("pathlock: redis setnx "+key, err)
	}
	if !ok {
		// Key already exists; someone else (or us, from a prior crash) holds it.
		return false, nil
	}

	// Re-read to guard against a lost race between SetNX and this check.
	got, err := l.client.Get(ctx, rkey).Result()
	if err != nil && err != redis.Nil {
		return false, castore.SysError("pathlock: redis get "+key, err)
	}
	return got == l.owner, nil
}

// Release drops the locks held for keys, deleting only those owned by this RedisLocker.
func (l *RedisLocker) Release(keys []string) error {
	l.releaseLocked(keys)
	return nil
}

func (l *RedisLocker) releaseLocked(keys []string) {
	ctx := context.Background()
	for _, key := range keys {
		if !l.held[key] {
			continue
		}
		rkey := l.formatKey(key)
		if got, err := l.client.Get(ctx, rkey).Result(); err == nil && got == l.owner {
			l.client.Del(ctx, rkey)
		}
		delete(l.held, key)
	}
}

// Close releases every lock still held by this RedisLocker.
func (l *RedisLocker) Close() error {
	keys := make([]string, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	l.releaseLocked(keys)
	return nil
}
