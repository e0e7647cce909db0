package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client with a circuit breaker so a down Redis
// degrades callers (cache misses, local-only sessions) instead of stalling
// them. A key miss (redis.Nil) is a successful round-trip, not a failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper wraps client with the default breaker under the given name.
func NewRedisWrapper(name string, client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     New(name, DefaultConfig(), logger),
		logger: logger,
	}
}

func (rw *RedisWrapper) failedStatusCmd(ctx context.Context, err error) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetErr(err)
	return cmd
}

// Ping wraps Redis PING.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	if err != nil && result == nil {
		return rw.failedStatusCmd(ctx, err)
	}
	return result
}

// Get wraps Redis GET.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})
	if err != nil && result == nil {
		cmd := redis.NewStringCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return result
}

// Set wraps Redis SET with expiration.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	if err != nil && result == nil {
		return rw.failedStatusCmd(ctx, err)
	}
	return result
}

// Del wraps Redis DEL.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	if err != nil && result == nil {
		cmd := redis.NewIntCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return result
}

// Expire wraps Redis EXPIRE.
func (rw *RedisWrapper) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd
	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Expire(ctx, key, expiration)
		return result.Err()
	})
	if err != nil && result == nil {
		cmd := redis.NewBoolCmd(ctx)
		cmd.SetErr(err)
		return cmd
	}
	return result
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// Client returns the underlying Redis client for operations the wrapper does
// not cover. Callers bypass the breaker when using it.
func (rw *RedisWrapper) Client() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen reports whether the breaker is currently open.
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
