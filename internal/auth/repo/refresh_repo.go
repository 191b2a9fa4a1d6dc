package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/readmark/auth-service/internal/auth/entity"
)

// ErrTokenRevoked is returned when a conditional revoke finds the token
// already revoked. During rotation this is the reuse signal.
var ErrTokenRevoked = errors.New("refresh token already revoked")

// RefreshRepo is the persistent ledger of issued refresh tokens. Rows are
// only ever flipped to revoked; rotation revokes the predecessor and inserts
// the successor in one transaction.
type RefreshRepo struct {
	db *sqlx.DB
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo { return &RefreshRepo{db: db} }

// EnsureTable creates the refresh_tokens table if not exists (idempotent).
func (r *RefreshRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Store persists a newly issued refresh token.
func (r *RefreshRepo) Store(ctx context.Context, userID, token string, expiresAt time.Time) error {
	const q = `INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, q, token, userID, expiresAt)
	return err
}

// Find returns the ledger entry for a (user, token) pair including its
// revoked flag, so callers can tell reuse of a revoked token apart from a
// token that was never issued.
func (r *RefreshRepo) Find(ctx context.Context, userID, token string) (*entity.RefreshToken, error) {
	const q = `SELECT token, user_id, expires_at, revoked, created_at
		FROM refresh_tokens WHERE user_id=$1 AND token=$2`
	var row entity.RefreshToken
	if err := r.db.GetContext(ctx, &row, q, userID, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// Revoke marks a single token revoked.
func (r *RefreshRepo) Revoke(ctx context.Context, token string) error {
	const q = `UPDATE refresh_tokens SET revoked=true WHERE token=$1`
	_, err := r.db.ExecContext(ctx, q, token)
	return err
}

// Rotate revokes oldToken and stores newToken atomically. The conditional
// revoke (revoked=false predicate) is the arbiter when two rotations race on
// the same token: exactly one sees RowsAffected=1, the loser gets
// ErrTokenRevoked and no new session. Either half failing aborts the whole
// rotation.
func (r *RefreshRepo) Rotate(ctx context.Context, userID, oldToken, newToken string, expiresAt time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND token=$2 AND revoked=false`,
		userID, oldToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenRevoked
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		newToken, userID, expiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeAll revokes every active token of a user. Called on password change
// and password reset.
func (r *RefreshRepo) RevokeAll(ctx context.Context, userID string) error {
	const q = `UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND revoked=false`
	_, err := r.db.ExecContext(ctx, q, userID)
	return err
}

// DeleteExpired garbage-collects tokens past their expiry.
func (r *RefreshRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
