package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lease only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisConfig options for the Redis lock
type RedisConfig struct {
	Prefix     string        // Key prefix (default: "simpleimage:lock:")
	TTL        time.Duration // Lease duration (default: 10s)
	RetryDelay time.Duration // Delay between acquisition attempts (default: 25ms)
}

// Redis is a lease-based lock shared by every process using the same Redis.
// The lease is renewed every TTL/3 while held, so a critical section may
// outlive TTL as long as this process keeps reaching Redis.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedis creates a Redis-backed lock.
func NewRedis(client redis.UniversalClient, config RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Prefix == "" {
		config.Prefix = "simpleimage:lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 10 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 25 * time.Millisecond
	}
	return &Redis{
		client:     client,
		prefix:     config.Prefix,
		ttl:        config.TTL,
		retryDelay: config.RetryDelay,
	}, nil
}

// NewRedisFromURL parses a redis:// URL and creates the lock.
func NewRedisFromURL(url string, config RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	return NewRedis(redis.NewClient(opts), config)
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := r.prefix + key

	ticker := time.NewTicker(r.retryDelay)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(context.WithoutCancel(ctx), key, redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Release even when the caller's context is already cancelled.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("Failed to release redis lock", "key", key, "error", err)
			}
		})
	}, nil
}

// renew extends the lease until stop is closed or the lease is lost.
func (r *Redis) renew(ctx context.Context, key, redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		renewCtx, cancel := context.WithTimeout(ctx, r.ttl/3)
		n, err := renewScript.Run(renewCtx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			slog.Warn("Failed to renew redis lock", "key", key, "error", err)
		case n == 0:
			slog.Error("Redis lock lease lost", "key", key)
			return
		}
	}
}

// Ping verifies connectivity to Redis.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
