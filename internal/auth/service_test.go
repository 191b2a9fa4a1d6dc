package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/readmark/auth-service/internal/auth/entity"
	"github.com/readmark/auth-service/internal/auth/repo"
	"github.com/readmark/auth-service/internal/lockout"
	"github.com/readmark/auth-service/internal/mail"
	"github.com/readmark/auth-service/internal/token"
)

// memUsers is an in-memory UserStore mirroring the repo's semantics,
// including the password-update-revokes-sessions coupling.
type memUsers struct {
	mu      sync.Mutex
	users   map[string]*entity.User
	refresh *memRefresh
}

func (m *memUsers) Create(ctx context.Context, u *entity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return repo.ErrDuplicateEmail
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && !u.Deleted() {
			return u, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok && !u.Deleted() {
		return u, nil
	}
	return nil, repo.ErrNotFound
}

func (m *memUsers) GetByExternalID(ctx context.Context, externalID string) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ExternalID != nil && *u.ExternalID == externalID && !u.Deleted() {
			return u, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memUsers) UpdatePassword(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	u, ok := m.users[id]
	m.mu.Unlock()
	if !ok {
		return repo.ErrNotFound
	}
	u.PasswordHash = &hash
	return m.refresh.RevokeAll(ctx, id)
}

func (m *memUsers) ResetLoginSuccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	now := time.Now()
	u.FailedAttempts = 0
	u.Locked = false
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return nil
}

func (m *memUsers) LinkExternal(ctx context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	u.ExternalID = &externalID
	return nil
}

func (m *memUsers) UpdateProfile(ctx context.Context, id string, name *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Deleted() {
		return repo.ErrNotFound
	}
	if name != nil {
		u.Name = name
	}
	return nil
}

func (m *memUsers) SetEmailVerified(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Deleted() {
		return repo.ErrNotFound
	}
	u.EmailVerified = true
	return nil
}

func (m *memUsers) List(ctx context.Context, limit, offset int) ([]entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.User
	for _, u := range m.users {
		if !u.Deleted() {
			out = append(out, *u)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memUsers) UpdateRole(ctx context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Deleted() {
		return repo.ErrNotFound
	}
	u.Role = role
	return nil
}

func (m *memUsers) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Deleted() {
		return repo.ErrNotFound
	}
	now := time.Now()
	u.DeletedAt = &now
	return nil
}

// memRefresh is an in-memory refresh-token ledger with the same
// rotate-exactly-once contract as the SQL version.
type memRefresh struct {
	mu     sync.Mutex
	tokens map[string]*entity.RefreshToken
}

func (m *memRefresh) Store(ctx context.Context, userID, tok string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok] = &entity.RefreshToken{Token: tok, UserID: userID, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	return nil
}

func (m *memRefresh) Find(ctx context.Context, userID, tok string) (*entity.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tok]
	if !ok || t.UserID != userID {
		return nil, repo.ErrNotFound
	}
	return t, nil
}

func (m *memRefresh) Revoke(ctx context.Context, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[tok]; ok {
		t.Revoked = true
	}
	return nil
}

func (m *memRefresh) Rotate(ctx context.Context, userID, oldToken, newToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.tokens[oldToken]
	if !ok || old.UserID != userID || old.Revoked {
		return repo.ErrTokenRevoked
	}
	old.Revoked = true
	m.tokens[newToken] = &entity.RefreshToken{Token: newToken, UserID: userID, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	return nil
}

func (m *memRefresh) RevokeAll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (m *memRefresh) activeCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.Active() {
			n++
		}
	}
	return n
}

type actionRecord struct {
	userID    string
	kind      entity.ActionTokenKind
	expiresAt time.Time
	used      bool
}

// memTokens is an in-memory single-use action-token ledger. Consume mirrors
// the SQL transaction: the token flip, the password write, and the
// session-wide revocation land together.
type memTokens struct {
	mu      sync.Mutex
	seq     int
	tokens  map[string]*actionRecord
	users   *memUsers
	refresh *memRefresh
}

func (m *memTokens) Issue(ctx context.Context, userID string, kind entity.ActionTokenKind, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, rec := range m.tokens {
		if rec.userID == userID && rec.kind == kind {
			delete(m.tokens, tok)
		}
	}
	m.seq++
	tok := fmt.Sprintf("%s-%d", kind, m.seq)
	m.tokens[tok] = &actionRecord{userID: userID, kind: kind, expiresAt: time.Now().Add(ttl)}
	return tok, nil
}

func (m *memTokens) ConsumeReset(ctx context.Context, tok, newHash string) (string, error) {
	m.mu.Lock()
	rec, ok := m.tokens[tok]
	if !ok || rec.kind != entity.TokenPasswordReset || rec.used || rec.expiresAt.Before(time.Now()) {
		m.mu.Unlock()
		return "", repo.ErrTokenUnusable
	}
	rec.used = true
	m.mu.Unlock()
	if err := m.users.UpdatePassword(ctx, rec.userID, newHash); err != nil {
		return "", err
	}
	return rec.userID, nil
}

func (m *memTokens) ConsumeVerification(ctx context.Context, tok string) (string, error) {
	m.mu.Lock()
	rec, ok := m.tokens[tok]
	if !ok || rec.kind != entity.TokenEmailVerification || rec.expiresAt.Before(time.Now()) {
		m.mu.Unlock()
		return "", repo.ErrTokenUnusable
	}
	delete(m.tokens, tok)
	m.mu.Unlock()

	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	if u, ok := m.users.users[rec.userID]; ok {
		u.EmailVerified = true
	}
	return rec.userID, nil
}

type attemptRecord struct {
	email   string
	ip      string
	success bool
	at      time.Time
}

type memAttempts struct {
	mu      sync.Mutex
	records []attemptRecord
}

func (m *memAttempts) Record(ctx context.Context, email, sourceIP string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, attemptRecord{email: email, ip: sourceIP, success: success, at: time.Now()})
	return nil
}

func (m *memAttempts) CountFailures(ctx context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.email == email && !r.success && r.at.After(since) {
			n++
		}
	}
	return n, nil
}

type memBlacklist struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func (m *memBlacklist) Add(ctx context.Context, tok string, expiresAt time.Time) error {
	if time.Until(expiresAt) <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok] = expiresAt
	return nil
}

func (m *memBlacklist) Contains(ctx context.Context, tok string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.tokens[tok]
	return ok && exp.After(time.Now()), nil
}

type sentMail struct {
	kind      string
	recipient string
	token     string
}

type memMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *memMailer) Send(kind, recipient, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: kind, recipient: recipient, token: tok})
	return nil
}

func (m *memMailer) last(kind string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			return m.sent[i].token
		}
	}
	return ""
}

func (m *memMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// lockStore bridges the user rows and the attempt audit into the lockout
// policy's store contract, the same way cmd/api wires the real repos.
type lockStore struct {
	users    *memUsers
	attempts *memAttempts
}

func (s lockStore) SetLock(ctx context.Context, userID string, until time.Time) error {
	s.users.mu.Lock()
	defer s.users.mu.Unlock()
	u, ok := s.users.users[userID]
	if !ok {
		return repo.ErrNotFound
	}
	u.Locked = true
	u.LockedUntil = &until
	return nil
}

func (s lockStore) ClearLock(ctx context.Context, userID string) error {
	s.users.mu.Lock()
	defer s.users.mu.Unlock()
	u, ok := s.users.users[userID]
	if !ok {
		return repo.ErrNotFound
	}
	u.Locked = false
	u.LockedUntil = nil
	u.FailedAttempts = 0
	return nil
}

func (s lockStore) IncrementFailed(ctx context.Context, userID string) (int, error) {
	s.users.mu.Lock()
	defer s.users.mu.Unlock()
	u, ok := s.users.users[userID]
	if !ok {
		return 0, repo.ErrNotFound
	}
	u.FailedAttempts++
	return u.FailedAttempts, nil
}

func (s lockStore) CountFailures(ctx context.Context, email string, since time.Time) (int, error) {
	return s.attempts.CountFailures(ctx, email, since)
}

type fixtures struct {
	users     *memUsers
	refresh   *memRefresh
	tokens    *memTokens
	attempts  *memAttempts
	blacklist *memBlacklist
	mailer    *memMailer
	signer    *token.Signer
}

func newTestService(t *testing.T, cfg Config) (*Service, *fixtures) {
	t.Helper()
	refresh := &memRefresh{tokens: map[string]*entity.RefreshToken{}}
	users := &memUsers{users: map[string]*entity.User{}, refresh: refresh}
	tokens := &memTokens{tokens: map[string]*actionRecord{}, users: users, refresh: refresh}
	attempts := &memAttempts{}
	bl := &memBlacklist{tokens: map[string]time.Time{}}
	mailer := &memMailer{}

	signer, err := token.NewSigner(token.Config{
		AccessSecret:  []byte("test-access-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "authsvc-test",
	})
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	logger := zap.NewNop().Sugar()
	policy := lockout.New(nil, lockStore{users: users, attempts: attempts}, lockout.Config{
		Threshold:    5,
		Window:       15 * time.Minute,
		LockDuration: 30 * time.Minute,
	}, logger)

	svc := NewService(users, refresh, tokens, attempts, bl, policy, signer, mailer, logger, cfg)
	return svc, &fixtures{
		users:     users,
		refresh:   refresh,
		tokens:    tokens,
		attempts:  attempts,
		blacklist: bl,
		mailer:    mailer,
		signer:    signer,
	}
}

func defaultConfig() Config {
	return Config{RevokeAllOnReuse: true}
}

func TestRegisterHashesPasswordAndIssuesTokens(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.PasswordHash == nil || *u.PasswordHash == "hunter22" {
		t.Fatal("the stored credential must be a hash, never the plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte("hunter22")); err != nil {
		t.Fatalf("stored hash does not match the password: %v", err)
	}
	if u.Role != entity.RoleUser {
		t.Fatalf("expected default role user, got %s", u.Role)
	}

	claims, err := f.signer.Verify(token.KindAccess, pair.AccessToken)
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims.Subject != u.ID {
		t.Fatalf("access token subject %s, want %s", claims.Subject, u.ID)
	}
	if _, err := f.signer.Verify(token.KindRefresh, pair.RefreshToken); err != nil {
		t.Fatalf("refresh token does not verify: %v", err)
	}
	if f.refresh.activeCount(u.ID) != 1 {
		t.Fatalf("expected one active refresh row, got %d", f.refresh.activeCount(u.ID))
	}
	if f.mailer.last(mail.KindVerification) == "" {
		t.Fatal("expected a verification mail on registration")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := svc.Register(ctx, "alice@example.com", "different", nil); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterNormalizesEmail(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "  Alice@Example.COM ", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", u.Email)
	}
	if _, _, err := svc.Login(ctx, "ALICE@example.com", "hunter22", "127.0.0.1"); err != nil {
		t.Fatalf("case-variant login failed: %v", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "wrong", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	n, _ := f.attempts.CountFailures(ctx, "alice@example.com", time.Now().Add(-time.Minute))
	if n != 1 {
		t.Fatalf("expected one audited failure, got %d", n)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	if _, _, err := svc.Login(context.Background(), "ghost@example.com", "whatever", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email must look like a wrong password, got %v", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, _, err := svc.Login(ctx, "alice@example.com", "wrong", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	stored, _ := f.users.GetByID(ctx, u.ID)
	if !stored.Locked || stored.LockedUntil == nil {
		t.Fatal("fifth failure must lock the account")
	}

	// the correct password is refused while the lock holds
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestLockExpiryUnlocksLazily(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		svc.Login(ctx, "alice@example.com", "wrong", "127.0.0.1")
	}

	// march the lock deadline and the audited failures out of the window
	past := time.Now().Add(-time.Minute)
	stored, _ := f.users.GetByID(ctx, u.ID)
	stored.LockedUntil = &past
	f.attempts.mu.Lock()
	for i := range f.attempts.records {
		f.attempts.records[i].at = f.attempts.records[i].at.Add(-time.Hour)
	}
	f.attempts.mu.Unlock()

	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); err != nil {
		t.Fatalf("login after lock expiry failed: %v", err)
	}
	stored, _ = f.users.GetByID(ctx, u.ID)
	if stored.Locked || stored.FailedAttempts != 0 {
		t.Fatal("successful login must clear lock state and counters")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must issue a different refresh token")
	}
	if f.refresh.activeCount(u.ID) != 1 {
		t.Fatalf("expected exactly one active refresh row after rotation, got %d", f.refresh.activeCount(u.ID))
	}

	old, err := f.refresh.Find(ctx, u.ID, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if !old.Revoked {
		t.Fatal("the spent token must be revoked, not deleted")
	}
}

func TestRefreshReuseRevokesAllSessions(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, first, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, second, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if _, _, err := svc.Refresh(ctx, first.RefreshToken); err != nil {
		t.Fatalf("first Refresh failed: %v", err)
	}

	// replaying the spent token is reuse and must burn every session
	if _, _, err := svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("expected ErrRefreshTokenReuse, got %v", err)
	}
	if f.refresh.activeCount(u.ID) != 0 {
		t.Fatalf("expected all sessions revoked after reuse, %d still active", f.refresh.activeCount(u.ID))
	}
	if _, _, err := svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("expected the parallel session to be dead too, got %v", err)
	}
}

func TestRefreshConcurrentOneWinner(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = svc.Refresh(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	var wins, reuses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRefreshTokenReuse):
			reuses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || reuses != 1 {
		t.Fatalf("expected exactly one winner and one reuse, got %d/%d", wins, reuses)
	}
}

func TestRefreshExpiredLedgerRow(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	row, _ := f.refresh.Find(ctx, u.ID, pair.RefreshToken)
	row.ExpiresAt = time.Now().Add(-time.Minute)

	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired from the ledger, got %v", err)
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	if _, _, err := svc.Refresh(context.Background(), "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutBlacklistsAccessToken(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := svc.Authenticate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("Authenticate before logout failed: %v", err)
	}
	if err := svc.Logout(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected the access token to be dead after logout, got %v", err)
	}
	if f.refresh.activeCount(u.ID) != 0 {
		t.Fatal("expected the refresh token to be revoked on logout")
	}
}

func TestAuthenticateReflectsCurrentLockState(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("Authenticate returned user %s, want %s", got.ID, u.ID)
	}

	// locking after issuance must invalidate the still-unexpired token
	until := time.Now().Add(30 * time.Minute)
	stored, _ := f.users.GetByID(ctx, u.ID)
	stored.Locked = true
	stored.LockedUntil = &until

	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.ChangePassword(ctx, u.ID, "wrong", "newpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for a wrong current password, got %v", err)
	}
	if err := svc.ChangePassword(ctx, u.ID, "hunter22", "newpassword"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "newpassword", "127.0.0.1"); err != nil {
		t.Fatalf("new password login failed: %v", err)
	}
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("sessions from before the change must be revoked, got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.InitiatePasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("InitiatePasswordReset failed: %v", err)
	}
	resetToken := f.mailer.last(mail.KindPasswordReset)
	if resetToken == "" {
		t.Fatal("expected a reset mail")
	}

	if err := svc.ResetPassword(ctx, resetToken, "newpassword"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "newpassword", "127.0.0.1"); err != nil {
		t.Fatalf("login with the new password failed: %v", err)
	}
	if _, _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("pre-reset sessions must be revoked, got %v", err)
	}

	// tokens are single-use
	if err := svc.ResetPassword(ctx, resetToken, "thirdpassword"); !errors.Is(err, ErrTokenUsedOrExpired) {
		t.Fatalf("expected ErrTokenUsedOrExpired on replay, got %v", err)
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())

	if err := svc.InitiatePasswordReset(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("unknown email must not surface an error, got %v", err)
	}
	if f.mailer.count() != 0 {
		t.Fatal("no mail may be sent for an unknown email")
	}
}

func TestSecondResetInvalidatesFirst(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.InitiatePasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("InitiatePasswordReset failed: %v", err)
	}
	first := f.mailer.last(mail.KindPasswordReset)
	if err := svc.InitiatePasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("second InitiatePasswordReset failed: %v", err)
	}
	second := f.mailer.last(mail.KindPasswordReset)
	if first == second {
		t.Fatal("expected a fresh token on re-initiation")
	}

	if err := svc.ResetPassword(ctx, first, "newpassword"); !errors.Is(err, ErrTokenUsedOrExpired) {
		t.Fatalf("superseded token must be unusable, got %v", err)
	}
	if err := svc.ResetPassword(ctx, second, "newpassword"); err != nil {
		t.Fatalf("latest token must work: %v", err)
	}
}

func TestVerifyEmailFlow(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.EmailVerified {
		t.Fatal("a fresh account must start unverified")
	}

	tok := f.mailer.last(mail.KindVerification)
	if err := svc.VerifyEmail(ctx, tok); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	stored, _ := f.users.GetByID(ctx, u.ID)
	if !stored.EmailVerified {
		t.Fatal("expected the account to be verified")
	}

	if err := svc.VerifyEmail(ctx, tok); !errors.Is(err, ErrTokenUsedOrExpired) {
		t.Fatalf("verification tokens are single-use, got %v", err)
	}
}

func TestRequireVerifiedEmailGatesLogin(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequireVerifiedEmail = true
	svc, f := newTestService(t, cfg)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}

	if err := svc.VerifyEmail(ctx, f.mailer.last(mail.KindVerification)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); err != nil {
		t.Fatalf("login after verification failed: %v", err)
	}
}

func TestLoginExternal(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	// first sight of the identity creates a pre-verified passwordless account
	name := "Alice"
	u, pair, err := svc.LoginExternal(ctx, "google-123", "alice@example.com", &name)
	if err != nil {
		t.Fatalf("LoginExternal failed: %v", err)
	}
	if !u.EmailVerified {
		t.Fatal("provider-asserted email must arrive verified")
	}
	if u.PasswordHash != nil {
		t.Fatal("externally created accounts have no password")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}

	// the same identity resolves to the same account
	again, _, err := svc.LoginExternal(ctx, "google-123", "alice@example.com", &name)
	if err != nil {
		t.Fatalf("repeat LoginExternal failed: %v", err)
	}
	if again.ID != u.ID {
		t.Fatalf("expected the same account, got %s and %s", u.ID, again.ID)
	}

	// a password login for that email must fail without leaking why
	if _, _, err := svc.Login(ctx, "alice@example.com", "anything", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for a passwordless account, got %v", err)
	}
}

func TestLoginExternalLinksExistingAccount(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	linked, _, err := svc.LoginExternal(ctx, "google-123", "alice@example.com", nil)
	if err != nil {
		t.Fatalf("LoginExternal failed: %v", err)
	}
	if linked.ID != u.ID {
		t.Fatal("expected the existing account to be linked, not a new one")
	}
	stored, _ := f.users.GetByID(ctx, u.ID)
	if stored.ExternalID == nil || *stored.ExternalID != "google-123" {
		t.Fatal("expected the external id to be persisted on the account")
	}

	// the original password still works after linking
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); err != nil {
		t.Fatalf("password login after linking failed: %v", err)
	}
}

func TestLoginExternalMarksLinkedEmailVerified(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.EmailVerified {
		t.Fatal("a fresh password account must start unverified")
	}

	if _, _, err := svc.LoginExternal(ctx, "google-123", "alice@example.com", nil); err != nil {
		t.Fatalf("LoginExternal failed: %v", err)
	}
	stored, _ := f.users.GetByID(ctx, u.ID)
	if !stored.EmailVerified {
		t.Fatal("linking a provider-asserted address must verify it")
	}
}

func TestSuccessfulLoginResetsFailureWindow(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// four failures, one short of the threshold
	for i := 0; i < 4; i++ {
		if _, _, err := svc.Login(ctx, "alice@example.com", "wrong", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("failure %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); err != nil {
		t.Fatalf("login before the threshold failed: %v", err)
	}

	// the success reset the count: one more failure must not lock
	if _, _, err := svc.Login(ctx, "alice@example.com", "wrong", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); err != nil {
		t.Fatalf("login after a single post-success failure must work, got %v", err)
	}
}

func TestLogoutRejectsTokenWithoutExpiry(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// a well-signed token missing exp cannot be ours and must be refused,
	// not silently skipped
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": u.ID,
		"typ": "access",
	}).SignedString([]byte("test-access-secret"))
	if err != nil {
		t.Fatalf("signing test token failed: %v", err)
	}

	if err := svc.Logout(ctx, raw, ""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for an exp-less token, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	name := "Alice Liddell"
	got, err := svc.UpdateProfile(ctx, u.ID, &name)
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if got.Name == nil || *got.Name != name {
		t.Fatalf("expected name %q on the returned account, got %v", name, got.Name)
	}
	stored, _ := f.users.GetByID(ctx, u.ID)
	if stored.Name == nil || *stored.Name != name {
		t.Fatal("expected the name to be persisted")
	}

	// a nil name leaves the field alone
	if _, err := svc.UpdateProfile(ctx, u.ID, nil); err != nil {
		t.Fatalf("no-op UpdateProfile failed: %v", err)
	}
	stored, _ = f.users.GetByID(ctx, u.ID)
	if stored.Name == nil || *stored.Name != name {
		t.Fatal("a nil name must not clear the stored one")
	}

	if _, err := svc.UpdateProfile(ctx, "missing", &name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown account, got %v", err)
	}
}

func TestDeleteAccount(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := svc.DeleteAccount(ctx, u.ID); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	// the account is gone from every lookup path
	if _, _, err := svc.Login(ctx, "alice@example.com", "hunter22", "127.0.0.1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login on a deleted account must look like bad credentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access tokens must die with the account, got %v", err)
	}
	if f.refresh.activeCount(u.ID) != 0 {
		t.Fatal("expected every session revoked on deletion")
	}

	if err := svc.DeleteAccount(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double deletion, got %v", err)
	}
}

func TestListUsersExcludesDeleted(t *testing.T) {
	svc, _ := newTestService(t, defaultConfig())
	ctx := context.Background()

	a, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, _, err := svc.Register(ctx, "bob@example.com", "hunter22", nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := svc.DeleteAccount(ctx, a.ID); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	users, err := svc.ListUsers(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Email != "bob@example.com" {
		t.Fatalf("expected only the live account, got %d users", len(users))
	}
}

func TestUpdateRole(t *testing.T) {
	svc, f := newTestService(t, defaultConfig())
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "alice@example.com", "hunter22", nil)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := svc.UpdateRole(ctx, u.ID, entity.RoleAdmin)
	if err != nil {
		t.Fatalf("UpdateRole failed: %v", err)
	}
	if got.Role != entity.RoleAdmin {
		t.Fatalf("expected role admin, got %s", got.Role)
	}
	stored, _ := f.users.GetByID(ctx, u.ID)
	if stored.Role != entity.RoleAdmin {
		t.Fatal("expected the role to be persisted")
	}

	if _, err := svc.UpdateRole(ctx, u.ID, "superuser"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for an unknown role, got %v", err)
	}
	if _, err := svc.UpdateRole(ctx, "missing", entity.RoleEditor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown account, got %v", err)
	}
}
