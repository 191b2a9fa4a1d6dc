package lockout

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/readmark/auth-service/internal/auth/entity"
)

// ErrLocked indicates the account is temporarily locked.
var ErrLocked = errors.New("account locked")

// Store provides the durable side of lockout: the explicit lock state on the
// user row (authoritative) and failure counting over the audit trail when no
// cache is configured.
type Store interface {
	SetLock(ctx context.Context, userID string, until time.Time) error
	ClearLock(ctx context.Context, userID string) error
	IncrementFailed(ctx context.Context, userID string) (int, error)
	CountFailures(ctx context.Context, email string, since time.Time) (int, error)
}

// Config tunes the lockout state machine.
type Config struct {
	Threshold    int           // failures within Window that trigger a lock
	Window       time.Duration // rolling window for counting failures
	LockDuration time.Duration // how long a lock lasts
}

// ConfigFromEnv reads lockout tuning from environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Threshold:    5,
		Window:       15 * time.Minute,
		LockDuration: 30 * time.Minute,
	}
	if v := os.Getenv("LOCKOUT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Threshold = n
		}
	}
	if v := os.Getenv("LOCKOUT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Window = d
		}
	}
	if v := os.Getenv("LOCKOUT_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockDuration = d
		}
	}
	return cfg
}

// Policy implements the per-account lockout state machine:
// Unlocked -> Locked(until) -> Unlocked. Failure counting uses a Redis
// counter with a window TTL when a cache is present, and a sliding-window
// count over login_attempts otherwise. The lock itself always lives on the
// user row so it survives a cache flush.
type Policy struct {
	cache  redis.UniversalClient
	store  Store
	cfg    Config
	logger *zap.SugaredLogger
}

func New(cache redis.UniversalClient, store Store, cfg Config, logger *zap.SugaredLogger) *Policy {
	return &Policy{cache: cache, store: store, cfg: cfg, logger: logger}
}

func key(userID string) string { return "lockout:" + userID }

// Check gates a login attempt. It returns ErrLocked while the lock holds and
// lazily transitions the account back to Unlocked (clearing the counter) the
// first time it is consulted past locked_until.
func (p *Policy) Check(ctx context.Context, u *entity.User) error {
	if !u.Locked {
		return nil
	}
	if u.LockedUntil != nil && u.LockedUntil.Before(time.Now()) {
		if err := p.store.ClearLock(ctx, u.ID); err != nil {
			return err
		}
		if err := p.resetCounter(ctx, u.ID); err != nil {
			p.logger.Warnw("lockout counter reset failed", "err", err)
		}
		u.Locked = false
		u.LockedUntil = nil
		u.FailedAttempts = 0
		return nil
	}
	return ErrLocked
}

// RecordFailure counts one failed attempt and locks the account when the
// threshold is reached within the window. Returns true if this failure
// triggered the lock.
func (p *Policy) RecordFailure(ctx context.Context, u *entity.User) (bool, error) {
	if _, err := p.store.IncrementFailed(ctx, u.ID); err != nil {
		return false, err
	}

	count, err := p.windowCount(ctx, u)
	if err != nil {
		return false, err
	}
	if count < p.cfg.Threshold {
		return false, nil
	}

	until := time.Now().Add(p.cfg.LockDuration)
	if err := p.store.SetLock(ctx, u.ID, until); err != nil {
		return false, err
	}
	return true, nil
}

// Reset clears failure state after a successful login.
func (p *Policy) Reset(ctx context.Context, userID string) error {
	return p.resetCounter(ctx, userID)
}

// windowCount returns the number of failures within the rolling window,
// preferring the cache counter and falling back to the audit trail.
func (p *Policy) windowCount(ctx context.Context, u *entity.User) (int, error) {
	if p.cache != nil {
		count, err := p.cache.Incr(ctx, key(u.ID)).Result()
		if err == nil {
			if count == 1 {
				// TTL on first failure makes the counter a rolling window.
				if err := p.cache.Expire(ctx, key(u.ID), p.cfg.Window).Err(); err != nil {
					p.logger.Warnw("lockout counter expire failed", "err", err)
				}
			}
			return int(count), nil
		}
		p.logger.Warnw("lockout cache unavailable, counting from store", "err", err)
	}
	// A successful login zeroes the counter. The audit trail is never
	// truncated, so the count starts at the last login when that is more
	// recent than the window.
	since := time.Now().Add(-p.cfg.Window)
	if u.LastLoginAt != nil && u.LastLoginAt.After(since) {
		since = *u.LastLoginAt
	}
	return p.store.CountFailures(ctx, u.Email, since)
}

func (p *Policy) resetCounter(ctx context.Context, userID string) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Del(ctx, key(userID)).Err()
}
