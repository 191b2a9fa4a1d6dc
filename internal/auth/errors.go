package auth

import "errors"

// Errors crossing the service boundary. Internal detail (which table, which
// query) is normalized away before any of these reach a caller.
var (
	// ErrValidation covers malformed input; handlers attach field detail.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateEmail is returned when registering an email that exists.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrInvalidCredentials covers wrong email or wrong password; the caller
	// deliberately cannot tell which.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a temporary lock holds, regardless
	// of password correctness.
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrEmailNotVerified is returned when a flow requires a verified email.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers bad signature, wrong kind, malformed or revoked tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrRefreshTokenReuse signals an already-rotated refresh token was
	// presented again, a potential compromise.
	ErrRefreshTokenReuse = errors.New("refresh token reuse detected")
	// ErrTokenUsedOrExpired covers reset/verification tokens that are
	// missing, consumed, or expired.
	ErrTokenUsedOrExpired = errors.New("token invalid or expired")
	// ErrNotFound is returned for user lookups by id in admin paths.
	ErrNotFound = errors.New("user not found")
)
