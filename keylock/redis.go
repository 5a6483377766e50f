package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/credeat/ledger"
)

// =============================================================================
// REDIS - Lease-based lock shared across processes
// =============================================================================

// releaseScript deletes the key only if it still holds our token, so an
// expired lease that was taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds a lease per key. TTL must exceed the longest guarded operation
// (the store timeout times the attempt count), otherwise the lease can expire
// while the holder is still writing.
type Redis struct {
	Client redis.Cmdable
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
	Log    logrus.FieldLogger
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{
		Client: client,
		Prefix: "credeat:lock:",
		TTL:    ttl,
		Retry:  25 * time.Millisecond,
		Log:    logrus.StandardLogger(),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.Prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.Client.SetNX(ctx, redisKey, token, r.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: acquire lock %s: %v", ledger.ErrStoreUnavailable, key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.Retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the caller's context is already done.
			relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.Client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.Log.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("lock release failed, lease will expire")
			}
		})
	}, nil
}
