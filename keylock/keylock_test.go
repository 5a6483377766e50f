package keylock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credeat/keylock"
	"github.com/warp/credeat/ledger"
)

// exclusive checks that no two holders of key overlap.
func exclusive(t *testing.T, l keylock.Locker, key string, workers int) {
	t.Helper()
	var (
		inside     atomic.Int32
		overlapped atomic.Bool
		wg         sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.False(t, overlapped.Load(), "two holders inside the same scope")
}

// =============================================================================
// LOCAL
// =============================================================================

func TestLocal_SameKeyIsExclusive(t *testing.T) {
	l := keylock.NewLocal()
	exclusive(t, l, "selection:u-1:m-1", 20)
	assert.Zero(t, l.Len(), "entries are dropped once nobody holds them")
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := keylock.NewLocal()
	release, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	other, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	other()
}

func TestLocal_ContextCancelledWhileWaiting(t *testing.T) {
	l := keylock.NewLocal()
	release, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Zero(t, l.Len())
}

// =============================================================================
// REDIS
// =============================================================================

func newRedisLocker(t *testing.T, ttl time.Duration) (*keylock.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := keylock.NewRedis(client, ttl)
	l.Retry = time.Millisecond
	log, _ := test.NewNullLogger()
	l.Log = log
	return l, mr
}

func TestRedis_SameKeyIsExclusive(t *testing.T) {
	l, mr := newRedisLocker(t, 5*time.Second)
	exclusive(t, l, "selection:u-1:m-1", 10)
	assert.False(t, mr.Exists("credeat:lock:selection:u-1:m-1"), "lease removed on release")
}

func TestRedis_WaitsUntilReleased(t *testing.T) {
	l, _ := newRedisLocker(t, 5*time.Second)
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestRedis_ReleaseDoesNotStealTakenOverLease(t *testing.T) {
	// GIVEN: A lease that expired and was taken by another holder
	// WHEN: The original holder releases late
	// THEN: The new holder's lease survives

	l, mr := newRedisLocker(t, time.Second)
	release, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	second, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	release()
	assert.True(t, mr.Exists("credeat:lock:k"))
	second()
	assert.False(t, mr.Exists("credeat:lock:k"))
}

func TestRedis_ServerDown_StoreUnavailable(t *testing.T) {
	l, mr := newRedisLocker(t, time.Second)
	mr.Close()

	_, err := l.Lock(context.Background(), "k")
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}
