package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultMaxWait    = 2 * time.Minute
	keyPrefix         = "article-sync:lock:"
)

// ErrNotAcquired is returned when the lock could not be taken within MaxWait.
var ErrNotAcquired = errors.New("lock not acquired")

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisConfig tunes lock acquisition. A held key is re-armed to TTL every
// RenewInterval (default TTL/3) until it is released.
type RedisConfig struct {
	TTL           time.Duration
	RetryDelay    time.Duration
	MaxWait       time.Duration
	RenewInterval time.Duration
}

// Redis is a distributed Locker for multi-instance deployments.
type Redis struct {
	client        redis.UniversalClient
	ttl           time.Duration
	retryDelay    time.Duration
	maxWait       time.Duration
	renewInterval time.Duration
}

// NewRedis builds a Redis locker.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	return &Redis{
		client:        client,
		ttl:           cfg.TTL,
		retryDelay:    cfg.RetryDelay,
		maxWait:       cfg.MaxWait,
		renewInterval: cfg.RenewInterval,
	}
}

// Lock spins on SET NX until acquired, ctx is cancelled, or MaxWait elapses.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.New().String()
	deadline := time.Now().Add(r.maxWait)

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Detached from ctx: the key must be released even after cancellation.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(rctx, r.client, []string{redisKey}, token).Err()
		})
	}, nil
}

// keepAlive extends the key's TTL while the token still owns it.
func (r *Redis) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.renewInterval)
			n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// Ownership lost; another holder has the key.
				return
			}
		}
	}
}
