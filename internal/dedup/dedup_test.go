package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the two commands the filter uses.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestMarkThenSeen(t *testing.T) {
	rdb := newFakeRedis()
	f := NewFilter(rdb, time.Hour)
	ctx := context.Background()

	seen, err := f.Seen(ctx, "u1", "m1@example.com")
	require.NoError(t, err)
	assert.False(t, seen)

	fresh, err := f.Mark(ctx, "u1", "m1@example.com")
	require.NoError(t, err)
	assert.True(t, fresh)

	seen, err = f.Seen(ctx, "u1", "m1@example.com")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, rdb.keys["jobmail:seen:u1:m1@example.com"])

	seen, err = f.Seen(ctx, "u2", "m1@example.com")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMarkReportsFirstMarkOnly(t *testing.T) {
	f := NewFilter(newFakeRedis(), 0)
	ctx := context.Background()

	first, err := f.Mark(ctx, "u1", "m1")
	require.NoError(t, err)
	second, err := f.Mark(ctx, "u1", "m1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, DefaultTTL, f.ttl)
}

func TestErrorsAreWrapped(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	f := NewFilter(rdb, time.Hour)

	_, err := f.Seen(context.Background(), "u1", "m1")
	assert.ErrorContains(t, err, "dedup EXISTS")

	_, err = f.Mark(context.Background(), "u1", "m1")
	assert.ErrorContains(t, err, "dedup SETNX")
}
