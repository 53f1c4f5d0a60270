// Package limiter throttles failed logins per principal using Redis counters.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLimited is returned when a principal has used up its failed attempts for the window.
	ErrLimited = errors.New("too many failed login attempts")
	// ErrUnavailable wraps Redis failures.
	ErrUnavailable = errors.New("login limiter unavailable")
)

// LoginLimiter counts failed logins per principal in a fixed window.
type LoginLimiter struct {
	redis       redis.Cmdable
	maxAttempts int64
	window      time.Duration
}

// New returns a LoginLimiter. maxAttempts <= 0 disables limiting.
func New(client redis.Cmdable, maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{redis: client, maxAttempts: int64(maxAttempts), window: window}
}

func (l *LoginLimiter) key(principal string) string {
	return "login:fail:" + principal
}

// Check returns ErrLimited when principal is currently locked out.
func (l *LoginLimiter) Check(ctx context.Context, principal string) error {
	if l == nil || l.maxAttempts <= 0 {
		return nil
	}
	count, err := l.redis.Get(ctx, l.key(principal)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= l.maxAttempts {
		return ErrLimited
	}
	return nil
}

// RecordFailure counts one failed attempt. The window starts at the first failure; the
// counter and its expiry are written in one MULTI/EXEC so a key never outlives the window.
func (l *LoginLimiter) RecordFailure(ctx context.Context, principal string) error {
	if l == nil || l.maxAttempts <= 0 {
		return nil
	}
	key := l.key(principal)
	var count *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, l.window)
		count = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count.Val() >= l.maxAttempts {
		return ErrLimited
	}
	return nil
}

// Reset clears the counter after a successful login.
func (l *LoginLimiter) Reset(ctx context.Context, principal string) error {
	if l == nil || l.maxAttempts <= 0 {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(principal)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
