package entity

import "time"

// Role values assignable to a user account.
const (
	RoleUser   = "user"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// User represents an account row in the `users` table. Password hash is nil
// for accounts created through an external identity provider; such accounts
// authenticate via ExternalID until a password is set.
type User struct {
	ID             string     `db:"id" json:"id"`
	Email          string     `db:"email" json:"email"`
	PasswordHash   *string    `db:"password_hash" json:"-"`
	Name           *string    `db:"name" json:"name,omitempty"`
	Role           string     `db:"role" json:"role"`
	EmailVerified  bool       `db:"email_verified" json:"email_verified"`
	Locked         bool       `db:"locked" json:"-"`
	LockedUntil    *time.Time `db:"locked_until" json:"-"`
	FailedAttempts int        `db:"failed_attempts" json:"-"`
	LastLoginAt    *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	ExternalID     *string    `db:"external_id" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"-"`
	DeletedAt      *time.Time `db:"deleted_at" json:"-"`
}

// Deleted reports whether the account has been soft-deleted.
func (u *User) Deleted() bool { return u.DeletedAt != nil }
