package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a BytesCache shared between replicas. Keys are namespaced with
// prefix.
type RedisCache struct {
	cli    redis.Cmdable
	prefix string
}

var _ BytesCache = (*RedisCache)(nil)

func NewRedisCache(cli redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "candlepull:cache:"
	}
	return &RedisCache{cli: cli, prefix: prefix}
}

func (r *RedisCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, r.prefix+key, value, ttl).Err()
}
