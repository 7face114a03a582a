package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Count      int64 // Current count in the window
	Limit      int64
	RetryAfter time.Duration // 0 if allowed
}

// Limiter counts events per key in fixed windows using Redis + Lua, so every
// coordinator sharing the redis sees the same counters.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	prefix string
	logger Logger
}

// NewLimiter creates a limiter whose keys start with prefix
func NewLimiter(redisClient *redis.Client, prefix string, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(fixedWindowScript),
		prefix: prefix,
		logger: logger,
	}
}

// Allow counts one event for key and reports whether it fits in limit per window
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	fullKey := l.prefix + "rate_limit:" + key
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}

	// Run Lua script atomically
	raw, err := l.script.Run(ctx, l.redis, []string{fullKey}, limit, windowSec).Int64Slice()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", fullKey, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(raw) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	result := &Result{
		Allowed:    raw[0] == 1,
		Count:      raw[1],
		Limit:      raw[2],
		RetryAfter: time.Duration(raw[3]) * time.Second,
	}

	if !result.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", fullKey,
			"current", result.Count,
			"limit", limit,
			"retry_after", result.RetryAfter)
	}

	return result, nil
}

// Reset clears a counter
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, l.prefix+"rate_limit:"+key).Err()
}
