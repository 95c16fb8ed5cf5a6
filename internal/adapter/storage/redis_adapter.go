package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyKeyTTL = 24 * time.Hour

// releaseScript deletes the key only while it still holds this guard's token, so a
// late release never frees a key that expired and was claimed by another instance.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
	token  string
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultIdempotencyKeyTTL
	}
	return &RedisAdapter{client: client, ttl: ttl, token: uuid.NewString()}
}

func (r *RedisAdapter) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, r.token, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, r.client, []string{key}, r.token).Err()
}
