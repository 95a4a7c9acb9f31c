package pathlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedisCache is an in-memory stand-in for *redis.Client's subset used by
// RedisLocker, so these tests exercise the SetNX/Get/Del protocol without a
// live Redis server.
type fakeRedisCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeRedisCache() *fakeRedisCache {
	return &fakeRedisCache{values: make(map[string]string)}
}

func (f *fakeRedisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if _, exists := f.values[key]; exists {
		cmd.SetVal(false)
		return cmd
	}
	f.values[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedisCache) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if v, ok := f.values[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedisCache) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func TestRedisLockerAcquireReleaseRoundTrip(t *testing.T) {
	l := newRedisLocker(newFakeRedisCache(), time.Minute)
	ctx := context.Background()

	if err := l.Acquire(ctx, []string{"/store/aaa-foo"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release([]string{"/store/aaa-foo"}); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestRedisLockerBlocksSecondOwnerUntilReleased(t *testing.T) {
	cache := newFakeRedisCache()
	l1 := newRedisLocker(cache, time.Minute)
	l2 := newRedisLocker(cache, time.Minute)

	ctx := context.Background()
	if err := l1.Acquire(ctx, []string{"/store/bbb-shared"}); err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := l2.Acquire(ctx2, []string{"/store/bbb-shared"}); err == nil {
		t.Fatal("expected second owner to fail to acquire while first owner holds the lock")
	}

	if err := l1.Release([]string{"/store/bbb-shared"}); err != nil {
		t.Fatal(err)
	}

	ctx3, cancel3 := context.WithTimeout(ctx, time.Second)
	defer cancel3()
	if err := l2.Acquire(ctx3, []string{"/store/bbb-shared"}); err != nil {
		t.Fatalf("expected second owner to succeed after release: %v", err)
	}
}
