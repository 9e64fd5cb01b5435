package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	held map[string]interface{}
	ttl  time.Duration
	err  error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, taken := f.held[key]; taken {
		return redis.NewBoolResult(false, nil)
	}
	f.held[key] = value
	f.ttl = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisTickLock(t *testing.T) {
	backend := &fakeRedis{held: map[string]interface{}{}}
	first := newRedisTickLock(backend)
	second := newRedisTickLock(backend)
	ctx := context.Background()

	ok, err := first.Acquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, backend.ttl)
	assert.Equal(t, first.owner, backend.held["auction:lock:reconciler"])

	ok, err = second.Acquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, first.owner, second.owner)
}

func TestRedisTickLockError(t *testing.T) {
	l := newRedisTickLock(&fakeRedis{err: errors.New("connection refused")})
	ok, err := l.Acquire(context.Background(), "reconciler", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLocalAlwaysAcquires(t *testing.T) {
	ok, err := Local{}.Acquire(context.Background(), "any", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "redis://localhost:6379/not-a-db")
	assert.Error(t, err)
}
