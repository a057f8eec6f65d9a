package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sqlsession/internal/config"
)

var (
	ErrLoginThrottled     = errors.New("too many failed login attempts")
	ErrLimiterUnavailable = errors.New("login limiter unavailable")
)

// LoginLimiter counts failed logins per username and per client address
// in fixed windows.
type LoginLimiter struct {
	redis *redis.Client
	cfg   config.LoginThrottleConfig
}

func NewLoginLimiter(client *redis.Client, cfg config.LoginThrottleConfig) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &LoginLimiter{redis: client, cfg: cfg}
}

// Check fails with ErrLoginThrottled once either counter has reached the
// limit. It does not count the attempt itself.
func (l *LoginLimiter) Check(ctx context.Context, username, ip string) error {
	for _, key := range l.keys(username, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
		if count >= int64(l.cfg.MaxAttempts) {
			return ErrLoginThrottled
		}
	}
	return nil
}

// Fail counts a failed attempt. The window starts at the first failure.
func (l *LoginLimiter) Fail(ctx context.Context, username, ip string) error {
	for _, key := range l.keys(username, ip) {
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.cfg.Window).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
			}
		}
	}
	return nil
}

// Succeed clears the username counter; the address counter keeps
// running so one client cannot probe many accounts.
func (l *LoginLimiter) Succeed(ctx context.Context, username string) error {
	if err := l.redis.Del(ctx, usernameKey(username)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func (l *LoginLimiter) keys(username, ip string) []string {
	keys := []string{usernameKey(username)}
	if ip != "" {
		keys = append(keys, "login:ip:"+ip)
	}
	return keys
}

func usernameKey(username string) string {
	return "login:user:" + strings.ToLower(username)
}
