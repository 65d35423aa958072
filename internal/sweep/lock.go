package sweep

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker elects one replica per sweep tick.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another replica is left alone.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type RedisLock struct {
	client redis.Cmdable
	token  string
}

// NewRedisLock returns a lock that identifies itself with token, or a random
// token when empty.
func NewRedisLock(client redis.Cmdable, token string) *RedisLock {
	if token == "" {
		token = uuid.NewString()
	}
	return &RedisLock{client: client, token: token}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, l.token, ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	return l.client.Eval(ctx, releaseScript, []string{key}, l.token).Err()
}

// NoopLock always wins; used when no redis is configured.
type NoopLock struct{}

func (NoopLock) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NoopLock) Release(context.Context, string) error { return nil }
