package repo

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/readmark/auth-service/internal/auth/entity"
)

// ErrTokenUnusable is returned when a reset or verification token is missing,
// expired, or already consumed. Callers cannot tell which.
var ErrTokenUnusable = errors.New("token invalid or expired")

// TokenRepo manages the single-use action tokens (password reset, email
// verification). A user has at most one outstanding token per kind.
type TokenRepo struct {
	db *sqlx.DB
}

func NewTokenRepo(db *sqlx.DB) *TokenRepo { return &TokenRepo{db: db} }

// EnsureTables creates both token tables if not exists (idempotent).
func (r *TokenRepo) EnsureTables(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS password_reset_tokens (
  token TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  used BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_password_reset_tokens_user_id ON password_reset_tokens(user_id);
CREATE TABLE IF NOT EXISTS email_verification_tokens (
  token TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_email_verification_tokens_user_id ON email_verification_tokens(user_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func tableFor(kind entity.ActionTokenKind) string {
	if kind == entity.TokenPasswordReset {
		return "password_reset_tokens"
	}
	return "email_verification_tokens"
}

func newTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue deletes any prior outstanding tokens of the kind for the user and
// stores a fresh one, so only one reset/verification request is live at a
// time. Returns the opaque token value.
func (r *TokenRepo) Issue(ctx context.Context, userID string, kind entity.ActionTokenKind, ttl time.Duration) (string, error) {
	token, err := newTokenValue()
	if err != nil {
		return "", err
	}
	table := tableFor(kind)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id=$1`, userID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+table+` (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token, userID, time.Now().Add(ttl)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeReset validates a reset token and, in one transaction, marks it
// used, replaces the user's password hash, and revokes all refresh tokens.
// The token row is locked first so a replayed token loses the race instead
// of resetting twice.
func (r *TokenRepo) ConsumeReset(ctx context.Context, token, newHash string) (string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var row entity.ActionToken
	err = tx.GetContext(ctx, &row,
		`SELECT token, user_id, expires_at, used, created_at
		 FROM password_reset_tokens WHERE token=$1 FOR UPDATE`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenUnusable
		}
		return "", err
	}
	if row.Used || row.ExpiresAt.Before(time.Now()) {
		return "", ErrTokenUnusable
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE password_reset_tokens SET used=true WHERE token=$1`, token); err != nil {
		return "", err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`,
		row.UserID, newHash)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrTokenUnusable
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND revoked=false`, row.UserID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return row.UserID, nil
}

// ConsumeVerification validates a verification token and, in one transaction,
// deletes it and flips the user's email_verified flag.
func (r *TokenRepo) ConsumeVerification(ctx context.Context, token string) (string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var row entity.ActionToken
	err = tx.GetContext(ctx, &row,
		`SELECT token, user_id, expires_at, created_at
		 FROM email_verification_tokens WHERE token=$1 FOR UPDATE`, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenUnusable
		}
		return "", err
	}
	if row.ExpiresAt.Before(time.Now()) {
		return "", ErrTokenUnusable
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM email_verification_tokens WHERE token=$1`, token); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET email_verified=true, updated_at=NOW() WHERE id=$1`, row.UserID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return row.UserID, nil
}

// DeleteExpired garbage-collects expired tokens of both kinds.
func (r *TokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"password_reset_tokens", "email_verification_tokens"} {
		res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at < NOW()`)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
