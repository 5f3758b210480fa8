package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces request ids in Redis.
const KeyPrefix = "idem:request:"

// RedisSetter is the subset of a Redis client used by RedisStore.
type RedisSetter interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisStore reserves request ids with SET NX EX, which is atomic on the
// server; expiry is left to Redis.
type RedisStore struct {
	client RedisSetter
}

func NewRedisStore(client RedisSetter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Reserve(ctx context.Context, req ClientRequest) (bool, error) {
	ttl := req.ExpiresAt.Sub(req.Time)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.client.SetNX(ctx, KeyPrefix+req.ID.String(), req.Name, ttl).Result()
}
