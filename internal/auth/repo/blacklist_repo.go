package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// BlacklistRepo is the durable half of the access-token blacklist. The cache
// is a latency optimization; this table is the source of truth.
type BlacklistRepo struct {
	db *sqlx.DB
}

func NewBlacklistRepo(db *sqlx.DB) *BlacklistRepo { return &BlacklistRepo{db: db} }

// EnsureTable creates the token_blacklist table if not exists (idempotent).
func (r *BlacklistRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS token_blacklist (
  token_digest TEXT PRIMARY KEY,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Add records a revoked token digest. Re-adding an already listed digest is a
// no-op.
func (r *BlacklistRepo) Add(ctx context.Context, digest string, expiresAt time.Time) error {
	const q = `INSERT INTO token_blacklist (token_digest, expires_at) VALUES ($1, $2)
		ON CONFLICT (token_digest) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, digest, expiresAt)
	return err
}

// Contains reports whether the digest is blacklisted and not yet past the
// shadowed token's expiry.
func (r *BlacklistRepo) Contains(ctx context.Context, digest string) (bool, error) {
	const q = `SELECT 1 FROM token_blacklist WHERE token_digest=$1 AND expires_at > NOW()`
	var one int
	if err := r.db.GetContext(ctx, &one, q, digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteExpired garbage-collects entries whose shadowed tokens have expired.
func (r *BlacklistRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM token_blacklist WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
