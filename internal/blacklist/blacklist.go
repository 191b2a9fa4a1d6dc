package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the durable backend for revoked tokens. Revocation correctness
// never depends on the cache being up.
type Store interface {
	Add(ctx context.Context, digest string, expiresAt time.Time) error
	Contains(ctx context.Context, digest string) (bool, error)
}

const keyPrefix = "blacklist:"

// Blacklist tracks revoked access tokens until their natural expiry. Lookups
// hit the Redis fast path first and fall back to the durable store on miss or
// cache unavailability. A nil cache client means store-only operation.
type Blacklist struct {
	cache  redis.UniversalClient
	store  Store
	logger *zap.SugaredLogger
}

func New(cache redis.UniversalClient, store Store, logger *zap.SugaredLogger) *Blacklist {
	return &Blacklist{cache: cache, store: store, logger: logger}
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Add revokes a token until expiresAt. A token already past its expiry has
// nothing left to block, so the entry is skipped entirely; this is what keeps
// the blacklist from growing without bound. The durable write must succeed;
// the cache write is best-effort.
func (b *Blacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	d := digest(token)
	if err := b.store.Add(ctx, d, expiresAt); err != nil {
		return err
	}
	if b.cache != nil {
		if err := b.cache.Set(ctx, keyPrefix+d, "1", ttl).Err(); err != nil {
			b.logger.Warnw("blacklist cache write failed", "err", err)
		}
	}
	return nil
}

// Contains reports whether the token has been revoked. A cache hit answers
// immediately; a miss or an unreachable cache defers to the store.
func (b *Blacklist) Contains(ctx context.Context, token string) (bool, error) {
	d := digest(token)
	if b.cache != nil {
		_, err := b.cache.Get(ctx, keyPrefix+d).Result()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			b.logger.Warnw("blacklist cache read failed, falling back to store", "err", err)
		}
	}
	return b.store.Contains(ctx, d)
}
