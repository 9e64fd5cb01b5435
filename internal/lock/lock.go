package lock

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "auction:lock:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisTickLock is a lease shared by all replicas. The lease is never released
// explicitly; it expires after ttl.
type RedisTickLock struct {
	client setNXer
	owner  string
}

func NewRedisTickLock(client *redis.Client) *RedisTickLock {
	return newRedisTickLock(client)
}

func newRedisTickLock(client setNXer) *RedisTickLock {
	host, _ := os.Hostname()
	return &RedisTickLock{
		client: client,
		owner:  host + "/" + uuid.NewString(),
	}
}

// Acquire takes the lease for key when no other replica holds it.
func (l *RedisTickLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

// Local is the lock of a single-replica deployment; it always succeeds.
type Local struct{}

func (Local) Acquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
