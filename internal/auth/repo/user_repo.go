package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/readmark/auth-service/internal/auth/entity"
)

// Store-level sentinel errors. Services translate these into the error
// taxonomy exposed at the HTTP boundary.
var (
	ErrNotFound       = errors.New("row not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

const pqUniqueViolation = "23505"

// UserRepo provides data access for the users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// EnsureTable creates the users table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email CITEXT NOT NULL UNIQUE,
  password_hash TEXT,
  name TEXT,
  role TEXT NOT NULL DEFAULT 'user',
  email_verified BOOLEAN NOT NULL DEFAULT false,
  locked BOOLEAN NOT NULL DEFAULT false,
  locked_until TIMESTAMPTZ,
  failed_attempts INT NOT NULL DEFAULT 0,
  last_login_at TIMESTAMPTZ,
  external_id TEXT UNIQUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const userColumns = `id, email, password_hash, name, role, email_verified,
	locked, locked_until, failed_attempts, last_login_at, external_id,
	created_at, updated_at, deleted_at`

// Create inserts a new user row. A unique-constraint violation on email is
// reported as ErrDuplicateEmail rather than the driver's integrity error.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	const q = `INSERT INTO users (id, email, password_hash, name, role, email_verified, external_id)
		VALUES (:id, :email, :password_hash, :name, :role, :email_verified, :external_id)`
	_, err := r.db.NamedExecContext(ctx, q, u)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetByEmail returns a user matched by email (case-insensitive due to citext).
// Soft-deleted rows are excluded.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE email=$1 AND deleted_at IS NULL`
	var row entity.User
	if err := r.db.GetContext(ctx, &row, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// GetByID fetches a full user row by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1 AND deleted_at IS NULL`
	var row entity.User
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// GetByExternalID fetches a user linked to an external identity.
func (r *UserRepo) GetByExternalID(ctx context.Context, externalID string) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE external_id=$1 AND deleted_at IS NULL`
	var row entity.User
	if err := r.db.GetContext(ctx, &row, q, externalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

// UpdatePassword replaces the password hash and revokes every refresh token
// of the user in the same transaction. A credential change must log out all
// sessions; committing one half without the other is an invariant violation.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id, hash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND revoked=false`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SetLock marks the account locked until the given time.
func (r *UserRepo) SetLock(ctx context.Context, id string, until time.Time) error {
	const q = `UPDATE users SET locked=true, locked_until=$2, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id, until)
	return err
}

// ClearLock transitions a locked account back to unlocked and zeroes the
// failure counter. Used for the lazy unlock once locked_until has passed.
func (r *UserRepo) ClearLock(ctx context.Context, id string) error {
	const q = `UPDATE users SET locked=false, locked_until=NULL, failed_attempts=0, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// IncrementFailed bumps the failure counter atomically and returns the new value.
func (r *UserRepo) IncrementFailed(ctx context.Context, id string) (int, error) {
	const q = `UPDATE users SET failed_attempts = failed_attempts + 1, updated_at=NOW() WHERE id=$1 RETURNING failed_attempts`
	var v int
	if err := r.db.GetContext(ctx, &v, q, id); err != nil {
		return 0, err
	}
	return v, nil
}

// ResetLoginSuccess clears failure state and records the login time.
func (r *UserRepo) ResetLoginSuccess(ctx context.Context, id string) error {
	const q = `UPDATE users SET failed_attempts=0, locked=false, locked_until=NULL, last_login_at=NOW(), updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// UpdateProfile replaces the mutable profile fields.
func (r *UserRepo) UpdateProfile(ctx context.Context, id string, name *string) error {
	const q = `UPDATE users SET name=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, id, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a page of accounts, newest first. Soft-deleted rows are excluded.
func (r *UserRepo) List(ctx context.Context, limit, offset int) ([]entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	var rows []entity.User
	if err := r.db.SelectContext(ctx, &rows, q, limit, offset); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateRole assigns a new role. Role values are validated by the caller.
func (r *UserRepo) UpdateRole(ctx context.Context, id, role string) error {
	const q = `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, id, role)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEmailVerified flips the verification flag.
func (r *UserRepo) SetEmailVerified(ctx context.Context, id string) error {
	const q = `UPDATE users SET email_verified=true, updated_at=NOW() WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

// LinkExternal attaches an external identity to an existing account.
func (r *UserRepo) LinkExternal(ctx context.Context, id, externalID string) error {
	const q = `UPDATE users SET external_id=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, id, externalID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return errors.New("external identity already linked to another account")
		}
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the account deleted; the row is retained while references
// to it (ledger entries, audit rows) exist.
func (r *UserRepo) SoftDelete(ctx context.Context, id string) error {
	const q = `UPDATE users SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
