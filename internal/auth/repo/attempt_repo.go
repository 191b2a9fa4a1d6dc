package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/readmark/auth-service/pkg/utilities"
)

// AttemptRepo records login outcomes for auditing. Failure counts over a
// rolling window also back the lockout policy when no cache is configured.
type AttemptRepo struct {
	db *sqlx.DB
}

func NewAttemptRepo(db *sqlx.DB) *AttemptRepo { return &AttemptRepo{db: db} }

// EnsureTable creates the login_attempts table if not exists (idempotent).
func (r *AttemptRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS login_attempts (
  id TEXT PRIMARY KEY,
  email CITEXT NOT NULL,
  source_ip TEXT NOT NULL DEFAULT '',
  success BOOLEAN NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_login_attempts_email_created ON login_attempts(email, created_at);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Record stores one login outcome.
func (r *AttemptRepo) Record(ctx context.Context, email, sourceIP string, success bool) error {
	const q = `INSERT INTO login_attempts (id, email, source_ip, success) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, q, utilities.NewSnowflakeID(), email, sourceIP, success)
	return err
}

// CountFailures returns the number of failed attempts for an email since the
// given time.
func (r *AttemptRepo) CountFailures(ctx context.Context, email string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM login_attempts WHERE email=$1 AND success=false AND created_at > $2`
	var n int
	if err := r.db.GetContext(ctx, &n, q, email, since); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteOlderThan prunes audit rows past the retention horizon.
func (r *AttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
