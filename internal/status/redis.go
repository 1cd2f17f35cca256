package status

import (
	"context"
	"errors"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the status in redis through an expiring cache, so a
// publisher that dies leaves nothing behind once the entry expires.
type RedisStore struct {
	client *redis.Client
	cache  *cache.Cache[string]
	key    string
}

func NewRedisStore(client *redis.Client, key string, expiration time.Duration) *RedisStore {
	redisStore := redisstore.NewRedis(client, store.WithExpiration(expiration))
	return &RedisStore{
		client: client,
		cache:  cache.New[string](redisStore),
		key:    key,
	}
}

func (r *RedisStore) Publish(ctx context.Context, s *TrackingStatus) error {
	b, err := encode(s)
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, r.key, string(b))
}

func (r *RedisStore) Read(ctx context.Context) (*TrackingStatus, error) {
	raw, err := r.cache.Get(ctx, r.key)
	if errors.Is(err, redis.Nil) || errors.Is(err, store.NotFound{}) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(raw))
}

func (r *RedisStore) Close() error { return r.client.Close() }
