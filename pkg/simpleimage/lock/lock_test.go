package lock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-image/pkg/simpleimage/lock"
)

func TestKeyed(t *testing.T) {
	ctx := context.Background()

	t.Run("SerialisesSameKey", func(t *testing.T) {
		l := lock.NewKeyed()
		var inside, maxInside int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, "guides/g1")
				if !assert.NoError(t, err) {
					return
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), maxInside)
		assert.Equal(t, 0, l.Len())
	})

	t.Run("DifferentKeysDoNotBlock", func(t *testing.T) {
		l := lock.NewKeyed()
		unlockA, err := l.Lock(ctx, "a")
		require.NoError(t, err)
		defer unlockA()

		done := make(chan struct{})
		go func() {
			unlockB, err := l.Lock(ctx, "b")
			if err == nil {
				unlockB()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on a different key blocked")
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		l := lock.NewKeyed()
		unlock, err := l.Lock(ctx, "k")
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = l.Lock(cctx, "k")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock() // second call is a no-op
		assert.Equal(t, 0, l.Len())
	})
}

func TestRedis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	l, err := lock.NewRedisFromURL(url, lock.RedisConfig{Prefix: "simpleimage:test:", TTL: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, l.Ping(ctx))

	unlock, err := l.Lock(ctx, "products/p1")
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, "products/p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(ctx, "products/p1")
	require.NoError(t, err)
	unlock2()
}

func TestRedis_RenewsLeaseWhileHeld(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	l, err := lock.NewRedisFromURL(url, lock.RedisConfig{Prefix: "simpleimage:test:", TTL: 300 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, l.Ping(ctx))

	unlock, err := l.Lock(ctx, "guides/slow-write")
	require.NoError(t, err)

	// Held for several TTLs; a second holder must still be refused.
	time.Sleep(time.Second)
	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, "guides/slow-write")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op
	unlock2, err := l.Lock(ctx, "guides/slow-write")
	require.NoError(t, err)
	unlock2()
}

func TestNewRedis_RequiresClient(t *testing.T) {
	_, err := lock.NewRedis(nil, lock.RedisConfig{})
	assert.Error(t, err)
}
