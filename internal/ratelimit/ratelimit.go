// Package ratelimit provides a fixed-window per-user limiter backed by
// redis, shared across server instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

type Limiter struct {
	client *redisv9.Client
	limit  int
	window time.Duration
	prefix string
}

func NewLimiter(client *redisv9.Client, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: "chat:ratelimit",
	}
}

// Allow increments the caller's window counter and reports whether the
// request fits under the limit. A non-positive limit disables limiting.
func (l *Limiter) Allow(ctx context.Context, userID uint) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s:%d:%d", l.prefix, userID, time.Now().Unix()/int64(l.window.Seconds()))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter failed: %w", err)
	}
	return count.Val() <= int64(l.limit), nil
}
