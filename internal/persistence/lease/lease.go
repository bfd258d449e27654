package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease guards a tick so that two processes never run one at the same time.
type Lease interface {
	// Acquire returns ok=false without error when another holder has the lease.
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// Noop always grants the lease; used when no Redis address is configured.
type Noop struct{}

func (Noop) Acquire(context.Context) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// releaseScript deletes the key only when it still carries our token.
// KEYS[1] = lease key, ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLease(addr, password string, db int, key string, ttl time.Duration) *RedisLease {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLeaseWithClient(rdb, key, ttl)
}

func NewRedisLeaseWithClient(c *redis.Client, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = "citysim:tick"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLease{client: c, key: key, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("redis lease release %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}

func (l *RedisLease) Ping(ctx context.Context) error { return l.client.Ping(ctx).Err() }

func (l *RedisLease) Close() error { return l.client.Close() }
