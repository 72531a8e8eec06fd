package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okian/scouting/pkg/logger"
	"github.com/okian/scouting/pkg/metrics"
)

const (
	defaultRedisTTL    = 10 * time.Second
	defaultRedisPoll   = 5 * time.Millisecond
	maxRedisPoll       = 100 * time.Millisecond
	defaultRedisPrefix = "scouting:lock:"
	releaseTimeout     = 2 * time.Second
)

// releaseIfOwner deletes the lock only when it still carries our token.
//
// KEYS[1] = lock key
// ARGV[1] = owner token.
const releaseIfOwner = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`

// renewIfOwner extends the lock only when it still carries our token.
//
// KEYS[1] = lock key
// ARGV[1] = owner token
// ARGV[2] = ttl in milliseconds.
const renewIfOwner = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`

// RedisLocker is a Locker shared by every instance connected to one Redis.
// A held lock is renewed every third of ttl until released, so it expires
// only when its holder stops renewing it.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a held lock survives without release.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{client: client, ttl: defaultRedisTTL, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls SET NX PX until the key is held or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Release, error) {
	start := time.Now()
	redisKey := l.prefix + key
	token := uuid.NewString()
	wait := defaultRedisPoll

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			err = fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, err)
			observeWait(start, err)
			return nil, err
		}
		if ok {
			observeWait(start, nil)
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			err := fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
			observeWait(start, err)
			return nil, err
		case <-timer.C:
		}
		if wait *= 2; wait > maxRedisPoll {
			wait = maxRedisPoll
		}
	}

	stop := make(chan struct{})
	go keepAlive(stop, l.ttl/3, func(ctx context.Context) (bool, error) {
		return l.client.Eval(ctx, renewIfOwner, []string{redisKey}, token, l.ttl.Milliseconds()).Bool()
	}, key)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// Release must outlive a cancelled request context.
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = l.client.Eval(rctx, releaseIfOwner, []string{redisKey}, token).Err()
		})
	}, nil
}

// keepAlive calls renew every interval until stop is closed or renew
// reports that the lock is no longer ours. A failed call is retried on the
// next tick while the lease may still be alive.
func keepAlive(stop <-chan struct{}, interval time.Duration, renew func(context.Context) (bool, error), key string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		owned, err := renew(ctx)
		cancel()
		switch {
		case err != nil:
			logger.Get().Warn(context.Background(), "lock renewal failed", logger.String("key", key), logger.Error(err))
		case !owned:
			metrics.RecordErrorByComponent("lock", "lease_lost")
			logger.Get().Error(context.Background(), "lock lease lost", logger.String("key", key))
			return
		}
	}
}
