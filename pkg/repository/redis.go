package repository

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "vibe:"

// Redis stores each blob as a plain string value without expiration
type Redis struct {
	client *redis.Client
	prefix string
}

type RedisOption func(*Redis)

// WithRedisPrefix overrides the key prefix, e.g. to separate users sharing one server
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: redisKeyPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(key string) string {
	return r.prefix + key
}

func (r *Redis) GetBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get blob from redis", goerr.V("key", key))
	}
	return data, nil
}

func (r *Redis) PutBlob(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		return goerr.Wrap(err, "failed to set blob in redis", goerr.V("key", key))
	}
	return nil
}

func (r *Redis) DeleteBlob(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return goerr.Wrap(err, "failed to delete blob from redis", goerr.V("key", key))
	}
	return nil
}
