package entity

import "time"

// RefreshToken is a row in the `refresh_tokens` ledger. Rows are created at
// login/refresh, flipped to revoked exactly once, and never otherwise updated.
type RefreshToken struct {
	Token     string    `db:"token" json:"-"`
	UserID    string    `db:"user_id" json:"user_id"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	Revoked   bool      `db:"revoked" json:"revoked"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Active reports whether the token can still be exchanged.
func (t *RefreshToken) Active() bool {
	return !t.Revoked && t.ExpiresAt.After(time.Now())
}

// BlacklistEntry shadows a revoked access token until its natural expiry.
// The entry stores a SHA-256 digest, never the signed token itself, and its
// expiry mirrors the token's own `exp` claim so the table cannot outgrow the
// set of tokens still worth blocking.
type BlacklistEntry struct {
	TokenDigest string    `db:"token_digest"`
	ExpiresAt   time.Time `db:"expires_at"`
	CreatedAt   time.Time `db:"created_at"`
}

// ActionTokenKind discriminates single-use tokens in the action-token ledger.
type ActionTokenKind string

const (
	TokenPasswordReset     ActionTokenKind = "password_reset"
	TokenEmailVerification ActionTokenKind = "email_verification"
)

// ActionToken is a single-use, time-boxed token for password reset or email
// verification. Issuing a new token for a user deletes all prior outstanding
// tokens of the same kind.
type ActionToken struct {
	Token     string    `db:"token"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	Used      bool      `db:"used"`
	CreatedAt time.Time `db:"created_at"`
}

// LoginAttempt is an audit row recording one login outcome. Failed attempts
// within a rolling window feed the lockout policy when no cache is available;
// the explicit lock state on the user row stays authoritative.
type LoginAttempt struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	SourceIP  string    `db:"source_ip"`
	Success   bool      `db:"success"`
	CreatedAt time.Time `db:"created_at"`
}
