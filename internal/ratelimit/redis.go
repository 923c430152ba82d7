package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisWindow is a fixed window shared by every instance: INCR on the key,
// EXPIRE when the counter is created.
type RedisWindow struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisWindow wraps an existing client
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client, now: time.Now}
}

// NewRedisClient parses a redis:// URL and checks connectivity
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Take implements Window. A counter over the limit stays over it until the
// key expires.
func (w *RedisWindow) Take(ctx context.Context, key string, limit int, period time.Duration) (Admission, error) {
	now := w.now()
	if limit <= 0 || period <= 0 {
		return Admission{Allowed: true, ResetAt: now}, nil
	}
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Admission{}, fmt.Errorf("redis incr %s: %w", key, err)
	}

	remaining := ttl.Val()
	// a fresh counter, or one that lost its expiry, starts a new window
	if incr.Val() == 1 || remaining < 0 {
		if err := w.client.PExpire(ctx, key, period).Err(); err != nil {
			return Admission{}, fmt.Errorf("redis expire %s: %w", key, err)
		}
		remaining = period
	}

	reset := now.Add(remaining)
	if incr.Val() > int64(limit) {
		return Admission{RetryAfter: remaining, ResetAt: reset}, nil
	}
	return Admission{Allowed: true, ResetAt: reset}, nil
}

// Peek implements Window
func (w *RedisWindow) Peek(ctx context.Context, key string, limit int, period time.Duration) (int, time.Time, error) {
	now := w.now()
	used, err := w.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, now, nil
	}
	if err != nil {
		return 0, now, fmt.Errorf("redis get %s: %w", key, err)
	}
	ttl, err := w.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, now, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = period
	}
	if used > limit {
		used = limit
	}
	return used, now.Add(ttl), nil
}
