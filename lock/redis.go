package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another server is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis lock settings.
type RedisConfig struct {
	KeyPrefix string
	TTL       time.Duration
	Retry     time.Duration

	// Logger receives release failures. Nil discards them.
	Logger *zap.Logger
}

// Redis is a Locker shared by every server that talks to the same Redis.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "circle:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.cfg.KeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.cfg.Retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
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

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			deleted, err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Int()
			switch {
			case err != nil:
				r.cfg.Logger.Error("lock release failed", zap.String("key", redisKey), zap.Error(err))
			case deleted == 0:
				r.cfg.Logger.Warn("lock expired before release", zap.String("key", redisKey), zap.Duration("ttl", r.cfg.TTL))
			}
		})
	}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Locker = (*Redis)(nil)
