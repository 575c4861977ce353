package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circle-engine/lock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// REDIS LOCK TESTS
// =============================================================================

func newRedisLocker(t *testing.T, cfg lock.RedisConfig) (*lock.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg.Retry == 0 {
		cfg.Retry = 5 * time.Millisecond
	}
	return lock.NewRedis(client, cfg), mr
}

func TestRedis_AcquireSetsKeyWithTTL(t *testing.T) {
	locker, mr := newRedisLocker(t, lock.RedisConfig{TTL: 10 * time.Second})

	unlock, err := locker.Lock(context.Background(), "group:g1")
	require.NoError(t, err)

	// THEN: The key holds a token and expires on its own
	assert.True(t, mr.Exists("circle:lock:group:g1"))
	assert.Equal(t, 10*time.Second, mr.TTL("circle:lock:group:g1"))

	// WHEN: Released
	unlock()

	// THEN: The key is gone
	assert.False(t, mr.Exists("circle:lock:group:g1"))
}

func TestRedis_SecondLockWaitsForUnlock(t *testing.T) {
	locker, _ := newRedisLocker(t, lock.RedisConfig{})
	ctx := context.Background()

	// GIVEN: The first holder has the lock
	unlockA, err := locker.Lock(ctx, "group:g1")
	require.NoError(t, err)

	// WHEN: A second caller asks for the same key
	acquired := make(chan lock.Unlock, 1)
	go func() {
		unlockB, err := locker.Lock(ctx, "group:g1")
		if err == nil {
			acquired <- unlockB
		}
	}()

	// THEN: It blocks while the key is held
	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	// AND: It proceeds once the first holder releases
	unlockA()
	select {
	case unlockB := <-acquired:
		unlockB()
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired")
	}

	// Other keys never wait.
	unlockOther, err := locker.Lock(ctx, "group:g2")
	require.NoError(t, err)
	unlockOther()
}

func TestRedis_StaleUnlockKeepsNewHolder(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	locker, mr := newRedisLocker(t, lock.RedisConfig{TTL: time.Second, Logger: zap.New(core)})
	ctx := context.Background()

	// GIVEN: A holder whose lock expired and was taken by someone else
	unlockStale, err := locker.Lock(ctx, "group:g1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("circle:lock:group:g1"))

	unlockFresh, err := locker.Lock(ctx, "group:g1")
	require.NoError(t, err)

	// WHEN: The stale holder releases
	unlockStale()

	// THEN: The new holder's key survives and the stale release is logged
	assert.True(t, mr.Exists("circle:lock:group:g1"))
	assert.Equal(t, 1, logs.FilterMessage("lock expired before release").Len())

	unlockFresh()
	assert.False(t, mr.Exists("circle:lock:group:g1"))
}

func TestRedis_ContextCancelWhileWaiting(t *testing.T) {
	locker, _ := newRedisLocker(t, lock.RedisConfig{})

	unlock, err := locker.Lock(context.Background(), "group:g1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "group:g1")
	assert.Error(t, err)
	assert.Error(t, ctx.Err())
}

func TestRedis_ReleaseErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	locker, mr := newRedisLocker(t, lock.RedisConfig{Logger: zap.New(core)})

	unlock, err := locker.Lock(context.Background(), "group:g1")
	require.NoError(t, err)

	// WHEN: Redis goes away before the release
	mr.Close()
	unlock()

	// THEN: The failure is reported, not swallowed
	assert.Equal(t, 1, logs.FilterMessage("lock release failed").Len())
}
