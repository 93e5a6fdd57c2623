package locker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRedisLocker(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	r := NewRedis(client, testLogger(), opts...)
	t.Cleanup(func() { _ = r.Close() })

	return r, server
}

func exercise(t *testing.T, l Locker) {
	t.Helper()

	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "execution:1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "execution:1")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	otherUnlock, ok, err := l.TryLock(ctx, "execution:2")
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")
	otherUnlock()

	unlock()
	unlock()

	again, ok, err := l.TryLock(ctx, "execution:1")
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func contend(t *testing.T, l Locker) {
	t.Helper()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
		release = make(chan struct{})
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			unlock, ok, err := l.TryLock(context.Background(), "execution:race")
			assert.NoError(t, err)

			if ok {
				winners.Add(1)
				<-release
				unlock()
			}
		}()
	}

	close(start)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestLocal(t *testing.T) {
	exercise(t, NewLocal())
}

func TestLocal_Contention(t *testing.T) {
	contend(t, NewLocal())
}

func TestRedis(t *testing.T) {
	r, _ := newRedisLocker(t)

	exercise(t, r)
}

func TestRedis_Contention(t *testing.T) {
	r, _ := newRedisLocker(t)

	contend(t, r)
}

func TestRedis_ExpiredHolderIsReplaced(t *testing.T) {
	r, server := newRedisLocker(t, WithTTL(time.Second), WithPrefix("test:"))

	stale, ok, err := r.TryLock(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the holder dying: drop the key as if the TTL lapsed.
	server.Del("test:k")

	fresh, ok, err := r.TryLock(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)

	stale()
	assert.True(t, server.Exists("test:k"), "stale unlock must not free the new holder's key")

	fresh()
	assert.False(t, server.Exists("test:k"))
}
