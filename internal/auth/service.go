package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/readmark/auth-service/internal/auth/entity"
	"github.com/readmark/auth-service/internal/auth/repo"
	"github.com/readmark/auth-service/internal/lockout"
	"github.com/readmark/auth-service/internal/mail"
	"github.com/readmark/auth-service/internal/token"
)

// UserStore is the credential-store contract consumed by the service.
type UserStore interface {
	Create(ctx context.Context, u *entity.User) error
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*entity.User, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	UpdateProfile(ctx context.Context, id string, name *string) error
	ResetLoginSuccess(ctx context.Context, id string) error
	SetEmailVerified(ctx context.Context, id string) error
	LinkExternal(ctx context.Context, id, externalID string) error
	List(ctx context.Context, limit, offset int) ([]entity.User, error)
	UpdateRole(ctx context.Context, id, role string) error
	SoftDelete(ctx context.Context, id string) error
}

// RefreshStore is the refresh-token ledger contract.
type RefreshStore interface {
	Store(ctx context.Context, userID, token string, expiresAt time.Time) error
	Find(ctx context.Context, userID, token string) (*entity.RefreshToken, error)
	Revoke(ctx context.Context, token string) error
	Rotate(ctx context.Context, userID, oldToken, newToken string, expiresAt time.Time) error
	RevokeAll(ctx context.Context, userID string) error
}

// ActionTokenStore is the single-use reset/verification token ledger contract.
type ActionTokenStore interface {
	Issue(ctx context.Context, userID string, kind entity.ActionTokenKind, ttl time.Duration) (string, error)
	ConsumeReset(ctx context.Context, token, newHash string) (string, error)
	ConsumeVerification(ctx context.Context, token string) (string, error)
}

// AttemptStore records login outcomes for auditing.
type AttemptStore interface {
	Record(ctx context.Context, email, sourceIP string, success bool) error
}

// TokenBlacklist is the revoked-access-token set.
type TokenBlacklist interface {
	Add(ctx context.Context, token string, expiresAt time.Time) error
	Contains(ctx context.Context, token string) (bool, error)
}

// LockoutPolicy gates logins and tracks failed attempts.
type LockoutPolicy interface {
	Check(ctx context.Context, u *entity.User) error
	RecordFailure(ctx context.Context, u *entity.User) (bool, error)
	Reset(ctx context.Context, userID string) error
}

// Config holds service policy knobs.
type Config struct {
	// RequireVerifiedEmail blocks password login until the address is
	// verified. Off by default; registration never blocks on it either way.
	RequireVerifiedEmail bool
	// RevokeAllOnReuse proactively revokes every session of a user when
	// refresh-token reuse is detected.
	RevokeAllOnReuse bool
	// BcryptCost is the adaptive hashing cost factor, minimum 10.
	BcryptCost int

	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// ConfigFromEnv reads service policy from environment variables.
func ConfigFromEnv() Config {
	cfg := Config{
		RequireVerifiedEmail: os.Getenv("REQUIRE_VERIFIED_EMAIL") == "1",
		RevokeAllOnReuse:     os.Getenv("REVOKE_ALL_ON_REUSE") != "0",
		BcryptCost:           10,
		VerificationTTL:      24 * time.Hour,
		ResetTTL:             time.Hour,
	}
	return cfg
}

// TokenPair is an access/refresh token pair issued together.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Service composes the credential store, token signer, refresh ledger,
// blacklist, and lockout policy into the auth flows.
type Service struct {
	users     UserStore
	refresh   RefreshStore
	tokens    ActionTokenStore
	attempts  AttemptStore
	blacklist TokenBlacklist
	lockout   LockoutPolicy
	signer    *token.Signer
	mailer    mail.Sender
	logger    *zap.SugaredLogger
	cfg       Config

	// dummyHash keeps the unknown-user and locked paths within timing
	// tolerance of an ordinary failed password comparison.
	dummyHash []byte
}

func NewService(
	users UserStore,
	refresh RefreshStore,
	tokens ActionTokenStore,
	attempts AttemptStore,
	bl TokenBlacklist,
	lo LockoutPolicy,
	signer *token.Signer,
	mailer mail.Sender,
	logger *zap.SugaredLogger,
	cfg Config,
) *Service {
	if cfg.BcryptCost < 10 {
		cfg.BcryptCost = 10
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = 24 * time.Hour
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("timing-equalizer"), cfg.BcryptCost)
	return &Service{
		users:     users,
		refresh:   refresh,
		tokens:    tokens,
		attempts:  attempts,
		blacklist: bl,
		lockout:   lo,
		signer:    signer,
		mailer:    mailer,
		logger:    logger,
		cfg:       cfg,
		dummyHash: dummy,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// burnHash performs a bcrypt comparison against a throwaway hash so failure
// paths that skip the real comparison stay indistinguishable by timing.
func (s *Service) burnHash(password string) {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

func (s *Service) issuePair(ctx context.Context, u *entity.User) (*TokenPair, error) {
	access, err := s.signer.SignAccess(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	refresh, err := s.signer.SignRefresh(u.ID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Store(ctx, u.ID, refresh, time.Now().Add(s.signer.RefreshTTL())); err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Register creates an account, issues a token pair, and kicks off email
// verification. Verification delivery failure is logged, never surfaced:
// registration already succeeded.
func (s *Service) Register(ctx context.Context, email, password string, name *string) (*entity.User, *TokenPair, error) {
	email = normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, nil, err
	}
	hashStr := string(hash)
	u := &entity.User{
		ID:           ksuid.New().String(),
		Email:        email,
		PasswordHash: &hashStr,
		Name:         name,
		Role:         entity.RoleUser,
		CreatedAt:    time.Now(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repo.ErrDuplicateEmail) {
			return nil, nil, ErrDuplicateEmail
		}
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}

	if verification, err := s.tokens.Issue(ctx, u.ID, entity.TokenEmailVerification, s.cfg.VerificationTTL); err != nil {
		s.logger.Warnw("verification token issue failed", "user_id", u.ID, "err", err)
	} else if err := s.mailer.Send(mail.KindVerification, u.Email, verification); err != nil {
		s.logger.Warnw("verification mail delivery failed", "user_id", u.ID, "err", err)
	}

	return u, pair, nil
}

// Login verifies credentials and issues a token pair. The lockout policy is
// consulted before the password comparison; while locked, the attempt fails
// regardless of password correctness.
func (s *Service) Login(ctx context.Context, email, password, sourceIP string) (*entity.User, *TokenPair, error) {
	email = normalizeEmail(email)

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.recordAttempt(ctx, email, sourceIP, false)
			s.burnHash(password)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if err := s.lockout.Check(ctx, u); err != nil {
		if errors.Is(err, lockout.ErrLocked) {
			s.recordAttempt(ctx, email, sourceIP, false)
			s.burnHash(password)
			return nil, nil, ErrAccountLocked
		}
		return nil, nil, err
	}

	if u.PasswordHash == nil || bcrypt.CompareHashAndPassword([]byte(deref(u.PasswordHash)), []byte(password)) != nil {
		if u.PasswordHash == nil {
			s.burnHash(password)
		}
		s.recordAttempt(ctx, email, sourceIP, false)
		if locked, err := s.lockout.RecordFailure(ctx, u); err != nil {
			s.logger.Warnw("lockout accounting failed", "user_id", u.ID, "err", err)
		} else if locked {
			s.logger.Infow("account locked after repeated failures", "user_id", u.ID)
		}
		return nil, nil, ErrInvalidCredentials
	}

	if s.cfg.RequireVerifiedEmail && !u.EmailVerified {
		return nil, nil, ErrEmailNotVerified
	}

	if err := s.users.ResetLoginSuccess(ctx, u.ID); err != nil {
		return nil, nil, err
	}
	if err := s.lockout.Reset(ctx, u.ID); err != nil {
		s.logger.Warnw("lockout reset failed", "user_id", u.ID, "err", err)
	}
	s.recordAttempt(ctx, email, sourceIP, true)

	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// LoginExternal implements the account-linking contract for federated
// identities: match by external id, else link by email, else create a
// pre-verified passwordless account. Token issuance is then identical to a
// password login.
func (s *Service) LoginExternal(ctx context.Context, externalID, email string, name *string) (*entity.User, *TokenPair, error) {
	email = normalizeEmail(email)

	u, err := s.users.GetByExternalID(ctx, externalID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		u, err = s.users.GetByEmail(ctx, email)
		switch {
		case err == nil:
			if err := s.users.LinkExternal(ctx, u.ID, externalID); err != nil {
				return nil, nil, err
			}
			u.ExternalID = &externalID
			// the provider asserted this address, so linking verifies it
			if !u.EmailVerified {
				if err := s.users.SetEmailVerified(ctx, u.ID); err != nil {
					return nil, nil, err
				}
				u.EmailVerified = true
			}
		case errors.Is(err, repo.ErrNotFound):
			u = &entity.User{
				ID:            ksuid.New().String(),
				Email:         email,
				Name:          name,
				Role:          entity.RoleUser,
				EmailVerified: true,
				ExternalID:    &externalID,
				CreatedAt:     time.Now(),
			}
			if err := s.users.Create(ctx, u); err != nil {
				if errors.Is(err, repo.ErrDuplicateEmail) {
					return nil, nil, ErrDuplicateEmail
				}
				return nil, nil, err
			}
		default:
			return nil, nil, err
		}
	default:
		return nil, nil, err
	}

	if err := s.lockout.Check(ctx, u); err != nil {
		if errors.Is(err, lockout.ErrLocked) {
			return nil, nil, ErrAccountLocked
		}
		return nil, nil, err
	}
	if err := s.users.ResetLoginSuccess(ctx, u.ID); err != nil {
		return nil, nil, err
	}
	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Refresh exchanges a refresh token for a fresh pair, rotating the old one.
// Presenting an already-revoked token fails closed as reuse and, when
// configured, revokes every session of the user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*entity.User, *TokenPair, error) {
	claims, err := s.signer.Verify(token.KindRefresh, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, nil, ErrTokenExpired
		}
		return nil, nil, ErrTokenInvalid
	}
	userID := claims.Subject

	entry, err := s.refresh.Find(ctx, userID, refreshToken)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}
	if entry.Revoked {
		return nil, nil, s.handleReuse(ctx, userID)
	}
	if !entry.Active() {
		return nil, nil, ErrTokenExpired
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}

	access, err := s.signer.SignAccess(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, nil, err
	}
	next, err := s.signer.SignRefresh(u.ID)
	if err != nil {
		return nil, nil, err
	}

	err = s.refresh.Rotate(ctx, u.ID, refreshToken, next, time.Now().Add(s.signer.RefreshTTL()))
	if err != nil {
		if errors.Is(err, repo.ErrTokenRevoked) {
			// Lost the rotation race: someone else already spent this token.
			return nil, nil, s.handleReuse(ctx, userID)
		}
		return nil, nil, err
	}

	return u, &TokenPair{AccessToken: access, RefreshToken: next}, nil
}

func (s *Service) handleReuse(ctx context.Context, userID string) error {
	s.logger.Warnw("refresh token reuse detected", "user_id", userID)
	if s.cfg.RevokeAllOnReuse {
		if err := s.refresh.RevokeAll(ctx, userID); err != nil {
			s.logger.Errorw("revoke-all after reuse failed", "user_id", userID, "err", err)
		}
	}
	return ErrRefreshTokenReuse
}

// Logout blacklists the access token for its remaining lifetime and revokes
// the presented refresh token.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.signer.DecodeUnsafe(accessToken)
	if err != nil {
		return ErrTokenInvalid
	}
	// every token we issue carries exp; a token without one is not ours
	if claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}
	if err := s.blacklist.Add(ctx, accessToken, claims.ExpiresAt.Time); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := s.refresh.Revoke(ctx, refreshToken); err != nil {
			return err
		}
	}
	return nil
}

// Authenticate resolves an access token into the current user. Role and lock
// state are re-read from the store on every call; claims are never trusted
// for anything that can change after issuance.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*entity.User, error) {
	listed, err := s.blacklist.Contains(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if listed {
		return nil, ErrTokenInvalid
	}

	claims, err := s.signer.Verify(token.KindAccess, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	u, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if u.Locked && u.LockedUntil != nil && u.LockedUntil.After(time.Now()) {
		return nil, ErrAccountLocked
	}
	return u, nil
}

// InitiatePasswordReset issues a reset token and mails it. The outcome is
// identical whether or not the email exists, so the endpoint cannot be used
// to enumerate accounts.
func (s *Service) InitiatePasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	reset, err := s.tokens.Issue(ctx, u.ID, entity.TokenPasswordReset, s.cfg.ResetTTL)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(mail.KindPasswordReset, u.Email, reset); err != nil {
		s.logger.Warnw("reset mail delivery failed", "user_id", u.ID, "err", err)
	}
	return nil
}

// ResetPassword consumes a reset token and replaces the password. The token
// consumption, password update, and session-wide revocation commit together.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	if _, err := s.tokens.ConsumeReset(ctx, resetToken, string(hash)); err != nil {
		if errors.Is(err, repo.ErrTokenUnusable) {
			return ErrTokenUsedOrExpired
		}
		return err
	}
	return nil
}

// ChangePassword verifies the current password before replacing it. The store
// revokes all refresh tokens in the same transaction as the update.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if u.PasswordHash == nil || bcrypt.CompareHashAndPassword([]byte(deref(u.PasswordHash)), []byte(current)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, userID, string(hash))
}

// VerifyEmail consumes a verification token. Externally idempotent-looking;
// internally the token is single-use, so a second call with the same token
// fails.
func (s *Service) VerifyEmail(ctx context.Context, verificationToken string) error {
	if _, err := s.tokens.ConsumeVerification(ctx, verificationToken); err != nil {
		if errors.Is(err, repo.ErrTokenUnusable) {
			return ErrTokenUsedOrExpired
		}
		return err
	}
	return nil
}

// RequestEmailVerification re-issues a verification token for a logged-in
// user, invalidating any outstanding one.
func (s *Service) RequestEmailVerification(ctx context.Context, userID string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if u.EmailVerified {
		return nil
	}
	verification, err := s.tokens.Issue(ctx, u.ID, entity.TokenEmailVerification, s.cfg.VerificationTTL)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(mail.KindVerification, u.Email, verification); err != nil {
		s.logger.Warnw("verification mail delivery failed", "user_id", u.ID, "err", err)
	}
	return nil
}

// GetUser fetches a user by id for admin paths.
func (s *Service) GetUser(ctx context.Context, userID string) (*entity.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// UpdateProfile changes the caller's mutable profile fields and returns the
// updated account.
func (s *Service) UpdateProfile(ctx context.Context, userID string, name *string) (*entity.User, error) {
	if err := s.users.UpdateProfile(ctx, userID, name); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

// DeleteAccount soft-deletes the account and revokes every session. Access
// tokens die with the row: Authenticate re-reads the user and deleted rows no
// longer resolve.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.users.SoftDelete(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return s.refresh.RevokeAll(ctx, userID)
}

// ListUsers returns a page of accounts for admin paths.
func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]entity.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.users.List(ctx, limit, offset)
}

// UpdateRole assigns a new role to an account and returns it.
func (s *Service) UpdateRole(ctx context.Context, userID, role string) (*entity.User, error) {
	switch role {
	case entity.RoleUser, entity.RoleEditor, entity.RoleAdmin:
	default:
		return nil, ErrValidation
	}
	if err := s.users.UpdateRole(ctx, userID, role); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *Service) recordAttempt(ctx context.Context, email, sourceIP string, success bool) {
	if err := s.attempts.Record(ctx, email, sourceIP, success); err != nil {
		s.logger.Warnw("login attempt audit failed", "err", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
