package store

import (
	"context"
	"errors"
)

// RedisClient defines the Redis list operations the queue store needs.
// The interface is compatible with github.com/redis/go-redis/v9, so a
// deployment provides its own client without this module importing the
// driver.
type RedisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) RedisIntCmd
	LRange(ctx context.Context, key string, start, stop int64) RedisStringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) RedisStatusCmd
	LLen(ctx context.Context, key string) RedisIntCmd
	Del(ctx context.Context, keys ...string) RedisIntCmd
	Close() error
}

// RedisIntCmd represents a Redis integer command result.
type RedisIntCmd interface {
	Result() (int64, error)
	Err() error
}

// RedisStringSliceCmd represents a Redis string-slice command result.
type RedisStringSliceCmd interface {
	Result() ([]string, error)
	Err() error
}

// RedisStatusCmd represents a Redis status command result.
type RedisStatusCmd interface {
	Err() error
}

// ErrRedisNil mirrors redis.Nil from go-redis for missing keys.
var ErrRedisNil = errors.New("redis: nil")

// RedisStore keeps offline queues in Redis lists, one list per user.
// Queues then survive process restarts and can be shared between instances.
type RedisStore struct {
	client RedisClient
	prefix string
	closed bool
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for queue keys.
// Default: "atrium:queue:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed queue store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "atrium:queue:",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisStore{
		client: client,
		prefix: cfg.prefix,
	}
}

func (r *RedisStore) key(userID string) string {
	return r.prefix + userID
}

// Enqueue appends payload to the user's list, trimming to the newest cap
// entries afterwards.
func (r *RedisStore) Enqueue(ctx context.Context, userID string, payload []byte, cap int) (bool, error) {
	if r.closed {
		return false, ErrStoreClosed{}
	}

	n, err := r.client.RPush(ctx, r.key(userID), payload).Result()
	if err != nil {
		return false, err
	}
	if cap > 0 && n > int64(cap) {
		if err := r.client.LTrim(ctx, r.key(userID), -int64(cap), -1).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Drain reads the whole list in order and deletes it.
func (r *RedisStore) Drain(ctx context.Context, userID string) ([][]byte, error) {
	if r.closed {
		return nil, ErrStoreClosed{}
	}

	vals, err := r.client.LRange(ctx, r.key(userID), 0, -1).Result()
	if err != nil {
		if err.Error() == ErrRedisNil.Error() {
			return nil, nil
		}
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return nil, err
	}

	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Len returns the list length for userID.
func (r *RedisStore) Len(ctx context.Context, userID string) (int, error) {
	if r.closed {
		return 0, ErrStoreClosed{}
	}

	n, err := r.client.LLen(ctx, r.key(userID)).Result()
	if err != nil {
		if err.Error() == ErrRedisNil.Error() {
			return 0, nil
		}
		return 0, err
	}
	return int(n), nil
}

// Purge deletes the user's list.
func (r *RedisStore) Purge(ctx context.Context, userID string) error {
	if r.closed {
		return ErrStoreClosed{}
	}
	return r.client.Del(ctx, r.key(userID)).Err()
}

// Close marks the store as closed. The underlying Redis client is not
// closed here; it may be shared with other components.
func (r *RedisStore) Close() error {
	r.closed = true
	return nil
}

// Prefix returns the current key prefix.
// This is for testing/debugging purposes.
func (r *RedisStore) Prefix() string {
	return r.prefix
}
