package token

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates the two signing contexts. Each kind has its own secret
// and TTL; a token of one kind never verifies as the other.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	// ErrExpired indicates a well-formed token past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrInvalid indicates a malformed token, a bad signature, or a kind mismatch.
	ErrInvalid = errors.New("token invalid")
)

// Config carries the signing secrets and TTLs. Secrets are injected here at
// construction, never read from the environment inside business logic.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// ConfigFromEnv reads signer config from environment variables, with the
// usual short-access / long-refresh defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		AccessSecret:  []byte(os.Getenv("JWT_SECRET")),
		RefreshSecret: []byte(os.Getenv("JWT_REFRESH_SECRET")),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        os.Getenv("JWT_ISSUER"),
	}
	if v := os.Getenv("JWT_ACCESS_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AccessTTL = d
		}
	}
	if v := os.Getenv("JWT_REFRESH_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RefreshTTL = d
		}
	}
	return cfg
}

// Claims is the payload embedded in both token kinds. TokenType carries the
// kind discriminator; verification checks it explicitly rather than relying
// on the secret mismatch alone.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer signs and verifies access and refresh tokens with HS256.
type Signer struct {
	cfg Config
}

// NewSigner validates the config and returns a Signer. Both secrets are
// required and must differ so a forged kind swap cannot verify.
func NewSigner(cfg Config) (*Signer, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token: both signing secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: TTLs must be positive")
	}
	return &Signer{cfg: cfg}, nil
}

// AccessTTL returns the configured access-token lifetime.
func (s *Signer) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (s *Signer) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

func (s *Signer) secretFor(kind Kind) ([]byte, error) {
	switch kind {
	case KindAccess:
		return s.cfg.AccessSecret, nil
	case KindRefresh:
		return s.cfg.RefreshSecret, nil
	default:
		return nil, fmt.Errorf("token: unknown kind %q", kind)
	}
}

func (s *Signer) sign(kind Kind, claims Claims, ttl time.Duration) (string, error) {
	secret, err := s.secretFor(kind)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims.TokenType = string(kind)
	claims.RegisteredClaims.Issuer = s.cfg.Issuer
	claims.RegisteredClaims.ID = uuid.NewString()
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// SignAccess issues a short-lived access token for the subject.
func (s *Signer) SignAccess(userID, email, role string) (string, error) {
	return s.sign(KindAccess, Claims{
		Email:            email,
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.cfg.AccessTTL)
}

// SignRefresh issues a long-lived refresh token for the subject.
func (s *Signer) SignRefresh(userID string) (string, error) {
	return s.sign(KindRefresh, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.cfg.RefreshTTL)
}

// Verify parses and validates a token of the given kind. Expired tokens
// return ErrExpired; anything else wrong (signature, shape, kind mismatch)
// returns ErrInvalid.
func (s *Signer) Verify(kind Kind, tokenStr string) (*Claims, error) {
	secret, err := s.secretFor(kind)
	if err != nil {
		return nil, err
	}
	var claims Claims
	_, err = jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if claims.TokenType != string(kind) {
		return nil, ErrInvalid
	}
	if claims.Subject == "" {
		return nil, ErrInvalid
	}
	return &claims, nil
}

// DecodeUnsafe parses a token without verifying its signature or expiry. It
// exists solely so the blacklist can read the exp claim off a token being
// revoked; never use it for an authorization decision.
func (s *Signer) DecodeUnsafe(tokenStr string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(tokenStr, &claims); err != nil {
		return nil, ErrInvalid
	}
	return &claims, nil
}
