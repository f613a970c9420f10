package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/medhub/internal/apperrors"
)

const (
	defaultMaxAttempts = 5
	defaultCooldown    = 15 * time.Minute
	keyPrefix          = "medhub:login-failures:"
)

var ErrLimiterUnavailable = errors.New("login limiter unavailable")

type Config struct {
	// Failed logins allowed per email within cooldown window
	// If not set than default is used
	MaxAttempts int

	// Window starts with the first failure and resets the counter on expiry
	// If not set than default is used
	Cooldown time.Duration
}

// Throttles failed logins per email
// Counter lives in redis, so every instance shares it
type LoginLimiter struct {
	redis       *redis.Client
	maxAttempts int64
	cooldown    time.Duration
}

func New(client *redis.Client, cfg Config) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	return &LoginLimiter{
		redis:       client,
		maxAttempts: int64(cfg.MaxAttempts),
		cooldown:    cfg.Cooldown,
	}
}

// Check whether email may try to login
// apperrors.ErrTooManyAttempts when attempts exhausted
func (l *LoginLimiter) Check(ctx context.Context, email string) error {
	count, err := l.redis.Get(ctx, key(email)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	case count >= l.maxAttempts:
		return apperrors.ErrTooManyAttempts
	default:
		return nil
	}
}

// Count failed attempt, the window opens with the first one
func (l *LoginLimiter) RegisterFailure(ctx context.Context, email string) error {
	k := key(email)

	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, k, l.cooldown).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
	}

	return nil
}

// Forget failures after successful login
func (l *LoginLimiter) Reset(ctx context.Context, email string) error {
	if err := l.redis.Del(ctx, key(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func key(email string) string {
	return keyPrefix + email
}

// Limiter used when redis is not configured
type Nop struct{}

func (Nop) Check(context.Context, string) error           { return nil }
func (Nop) RegisterFailure(context.Context, string) error { return nil }
func (Nop) Reset(context.Context, string) error           { return nil }
