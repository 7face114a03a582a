package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for absent keys
var ErrKeyNotFound = errors.New("key not found")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Options for connecting
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps redis.Client with the operations the relay needs and logging
type Client struct {
	redis  *redis.Client
	logger Logger
}

// Connect dials redis and verifies the connection
func Connect(ctx context.Context, opts Options, logger Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return NewClient(rdb, logger), nil
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return nil, ErrKeyNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value without expiry
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if err := c.redis.Set(ctx, key, value, 0).Err(); err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key)
	return nil
}

// Delete deletes one or more keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// PublishEvent publishes a message to a pub/sub channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message []byte) error {
	if err := c.redis.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.redis.Close()
}
