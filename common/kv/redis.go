package kv

import (
	"context"
	"errors"

	rediscommon "github.com/lyzr/modelrelay/common/redis"
)

// RedisStore keeps state in redis so several coordinators share the current repo
type RedisStore struct {
	client *rediscommon.Client
	prefix string
	log    Logger
}

// NewRedisStore creates a store with all keys under prefix
func NewRedisStore(client *rediscommon.Client, prefix string, log Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		log:    log,
	}
}

// Get retrieves the value at key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key)
	if errors.Is(err, rediscommon.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value at key
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value)
}

// Delete removes the value at key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, s.prefix+key)
}

// Close is a no-op; the redis connection is owned by bootstrap
func (s *RedisStore) Close() error {
	s.log.Info("redis store closed")
	return nil
}
