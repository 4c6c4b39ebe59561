package service_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/config"
	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/service"
)

func newTestAuthService(t *testing.T, cfg config.Config) (*service.AuthService, *testWorld) {
	t.Helper()

	if cfg.LoginTokenTTL == 0 {
		cfg.LoginTokenTTL = 15 * time.Minute
	}
	if cfg.LoginTokenBytes == 0 {
		cfg.LoginTokenBytes = 32
	}
	if cfg.RememberMeTTL == 0 {
		cfg.RememberMeTTL = 7 * 24 * time.Hour
	}
	if cfg.RememberMeExtendedTTL == 0 {
		cfg.RememberMeExtendedTTL = 30 * 24 * time.Hour
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = 15 * time.Minute
	}
	if cfg.RateLimitMaxAttempts == 0 {
		cfg.RateLimitMaxAttempts = 5
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://stimma.test"
	}

	world := &testWorld{
		users:    &memoryUserRepo{byEmail: map[string]domain.User{}},
		tokens:   &memoryLoginTokenRepo{byHash: map[string]domain.LoginToken{}},
		remember: &memoryRememberRepo{byHash: map[string]domain.RememberToken{}},
		domains:  &memoryDomainRepo{allowed: map[string]bool{}},
		activity: &memoryActivityRepo{},
		rates:    &memoryRateLimitStore{counts: map[string]int{}},
		mailer:   &fakeMailer{},
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	limiter := service.NewLoginRateLimiter(world.rates, cfg.RateLimitWindow, cfg.RateLimitMaxAttempts)
	svc := service.NewAuthService(
		world.users, world.tokens, world.remember, world.domains, world.activity,
		limiter, world.mailer, node, cfg, zap.NewNop(),
	)
	return svc, world
}

func TestRequestLoginCreatesUserForAllowedDomain(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.domains.allowed["example.edu"] = true

	result, err := svc.RequestLogin(ctx, service.LoginRequest{Email: "New.Student@Example.EDU", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	require.True(t, result.UserCreated)

	user, err := world.users.GetByEmail(ctx, "new.student@example.edu")
	require.NoError(t, err)
	require.Equal(t, "example.edu", user.Domain)
	require.Nil(t, user.VerifiedAt)

	require.Len(t, world.mailer.sent, 1)
	require.Equal(t, "new.student@example.edu", world.mailer.sent[0].email)
	require.Contains(t, world.mailer.sent[0].link, "https://stimma.test/auth/verify?token=")
}

func TestRequestLoginRejectsUnknownDomain(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})

	_, err := svc.RequestLogin(ctx, service.LoginRequest{Email: "someone@elsewhere.com", ClientIP: "10.0.0.1"})
	require.ErrorIs(t, err, service.ErrDomainNotAllowed)
	require.Empty(t, world.mailer.sent)
}

func TestRequestLoginExistingUserBypassesAllowlist(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 7, Email: "grandfathered@gone.org", Domain: "gone.org"})

	result, err := svc.RequestLogin(ctx, service.LoginRequest{Email: "grandfathered@gone.org", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	require.False(t, result.UserCreated)
	require.Len(t, world.mailer.sent, 1)
}

func TestRequestLoginRejectsMalformedEmail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAuthService(t, config.Config{})

	for _, bad := range []string{"", "plainstring", "a@", "two@@ats.io", "spaced name@x.io"} {
		_, err := svc.RequestLogin(ctx, service.LoginRequest{Email: bad, ClientIP: "10.0.0.1"})
		require.Error(t, err, "email %q", bad)
	}
}

func TestRequestLoginRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{RateLimitMaxAttempts: 5})
	world.domains.allowed["example.edu"] = true

	req := service.LoginRequest{Email: "student@example.edu", ClientIP: "10.0.0.1"}
	for i := 0; i < 5; i++ {
		_, err := svc.RequestLogin(ctx, req)
		require.NoError(t, err, "attempt %d", i+1)
	}

	_, err := svc.RequestLogin(ctx, req)
	var limited *service.RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.Greater(t, limited.RetryAfterMinutes(), 0)

	// Rejected attempts do not extend the lockout.
	countBefore := world.rates.counts[service.LoginIdentity(req.Email, req.ClientIP)]
	_, err = svc.RequestLogin(ctx, req)
	require.ErrorAs(t, err, &limited)
	require.Equal(t, countBefore, world.rates.counts[service.LoginIdentity(req.Email, req.ClientIP)])

	// A different client IP has its own budget.
	_, err = svc.RequestLogin(ctx, service.LoginRequest{Email: "student@example.edu", ClientIP: "10.0.0.2"})
	require.NoError(t, err)

	// Once the window lapses the counter is gone and attempts flow again.
	world.rates.expireKey(service.LoginIdentity(req.Email, req.ClientIP))
	_, err = svc.RequestLogin(ctx, req)
	require.NoError(t, err)
}

func TestRateLimiterFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := &memoryRateLimitStore{counts: map[string]int{}, err: errors.New("redis down")}
	limiter := service.NewLoginRateLimiter(store, 15*time.Minute, 5)

	err := limiter.CheckAndRecord(ctx, "user@example.edu", "10.0.0.1")
	require.Error(t, err)
	var limited *service.RateLimitedError
	require.False(t, errors.As(err, &limited))
}

func TestRedeemConsumesTokenExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.domains.allowed["example.edu"] = true

	_, err := svc.RequestLogin(ctx, service.LoginRequest{Email: "student@example.edu", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	raw := world.mailer.lastToken(t)

	user, err := svc.Redeem(ctx, raw, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.Equal(t, "student@example.edu", user.Email)
	require.NotNil(t, user.VerifiedAt)

	_, err = svc.Redeem(ctx, raw, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrTokenConsumed)
}

func TestRedeemExpiredToken(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.domains.allowed["example.edu"] = true

	_, err := svc.RequestLogin(ctx, service.LoginRequest{Email: "student@example.edu", ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	raw := world.mailer.lastToken(t)

	world.tokens.expire(service.HashToken(raw))

	_, err = svc.Redeem(ctx, raw, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrTokenExpired)
}

func TestRedeemUnknownToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAuthService(t, config.Config{})

	_, err := svc.Redeem(ctx, "never-issued", "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrTokenInvalid)
}

func TestRememberTokenRotation(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 42, Email: "student@example.edu", Domain: "example.edu"})

	value, expires, err := svc.IssueRememberToken(ctx, 42, false)
	require.NoError(t, err)
	require.NotEmpty(t, value)
	require.WithinDuration(t, time.Now().Add(7*24*time.Hour), expires, time.Minute)

	user, next, nextExpires, err := svc.ValidateRememberToken(ctx, value, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.Equal(t, int64(42), user.ID)
	require.NotEqual(t, value, next)
	// Rotation does not slide the expiry.
	require.Equal(t, expires.Unix(), nextExpires.Unix())

	// The old value is dead after rotation.
	_, _, _, err = svc.ValidateRememberToken(ctx, value, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrRememberInvalid)

	// The rotated value still works.
	_, _, _, err = svc.ValidateRememberToken(ctx, next, "10.0.0.1", "test-agent")
	require.NoError(t, err)
}

func TestRememberTokenExpiredValueRejected(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 42, Email: "student@example.edu"})

	value, _, err := svc.IssueRememberToken(ctx, 42, false)
	require.NoError(t, err)

	world.remember.expire(service.HashToken(value))

	_, _, _, err = svc.ValidateRememberToken(ctx, value, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrRememberInvalid)
}

func TestRememberTokenExtendedTTL(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 42, Email: "student@example.edu"})

	_, expires, err := svc.IssueRememberToken(ctx, 42, true)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(30*24*time.Hour), expires, time.Minute)
}

func TestLogoutRevokesRememberToken(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 42, Email: "student@example.edu"})

	value, _, err := svc.IssueRememberToken(ctx, 42, false)
	require.NoError(t, err)

	session := &domain.Session{ID: "sid", UserID: 42, Email: "student@example.edu"}
	require.NoError(t, svc.Logout(ctx, session, value, "10.0.0.1"))

	_, _, _, err = svc.ValidateRememberToken(ctx, value, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrRememberInvalid)
}

func TestRevokeUserRememberTokens(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 42, Email: "student@example.edu"})

	first, _, err := svc.IssueRememberToken(ctx, 42, false)
	require.NoError(t, err)
	second, _, err := svc.IssueRememberToken(ctx, 42, true)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeUserRememberTokens(ctx, 42, "admin@stimma.test"))

	_, _, _, err = svc.ValidateRememberToken(ctx, first, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrRememberInvalid)
	_, _, _, err = svc.ValidateRememberToken(ctx, second, "10.0.0.1", "test-agent")
	require.ErrorIs(t, err, service.ErrRememberInvalid)

	// Unknown users are reported, not silently accepted.
	err = svc.RevokeUserRememberTokens(ctx, 999, "admin@stimma.test")
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestUpdateUserRoles(t *testing.T) {
	ctx := context.Background()
	svc, world := newTestAuthService(t, config.Config{})
	world.users.put(domain.User{ID: 42, Email: "student@example.edu"})

	user, err := svc.UpdateUserRoles(ctx, 42, true, true, "admin@stimma.test")
	require.NoError(t, err)
	require.True(t, user.IsAdmin)
	require.True(t, user.IsEditor)

	stored, err := world.users.GetByID(ctx, 42)
	require.NoError(t, err)
	require.True(t, stored.IsAdmin)
	require.True(t, stored.IsEditor)

	user, err = svc.UpdateUserRoles(ctx, 42, false, true, "admin@stimma.test")
	require.NoError(t, err)
	require.False(t, user.IsAdmin)
	require.True(t, user.IsEditor)

	_, err = svc.UpdateUserRoles(ctx, 999, true, false, "admin@stimma.test")
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestAllowlistManagement(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestAuthService(t, config.Config{})

	require.NoError(t, svc.AddAllowedDomain(ctx, "Example.EDU", "admin@stimma.test"))
	require.NoError(t, svc.AddAllowedDomain(ctx, "example.edu", "admin@stimma.test"))
	require.Error(t, svc.AddAllowedDomain(ctx, "not a domain", "admin@stimma.test"))

	domains, err := svc.ListAllowedDomains(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"example.edu"}, domains)

	require.NoError(t, svc.RemoveAllowedDomain(ctx, "example.edu", "admin@stimma.test"))
	domains, err = svc.ListAllowedDomains(ctx)
	require.NoError(t, err)
	require.Empty(t, domains)
}

// --- fakes ---

type testWorld struct {
	users    *memoryUserRepo
	tokens   *memoryLoginTokenRepo
	remember *memoryRememberRepo
	domains  *memoryDomainRepo
	activity *memoryActivityRepo
	rates    *memoryRateLimitStore
	mailer   *fakeMailer
}

type memoryUserRepo struct {
	mu      sync.Mutex
	byEmail map[string]domain.User
}

func (m *memoryUserRepo) put(user domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byEmail[user.Email] = user
}

func (m *memoryUserRepo) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return domain.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (m *memoryUserRepo) GetByID(ctx context.Context, userID int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.byEmail {
		if user.ID == userID {
			return user, nil
		}
	}
	return domain.User{}, pgx.ErrNoRows
}

func (m *memoryUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byEmail[user.Email] = user
	return user, nil
}

func (m *memoryUserRepo) MarkVerified(ctx context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, user := range m.byEmail {
		if user.ID == userID && user.VerifiedAt == nil {
			user.VerifiedAt = &at
			m.byEmail[email] = user
		}
	}
	return nil
}

func (m *memoryUserRepo) SetRoles(ctx context.Context, userID int64, isAdmin, isEditor bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, user := range m.byEmail {
		if user.ID == userID {
			user.IsAdmin = isAdmin
			user.IsEditor = isEditor
			m.byEmail[email] = user
		}
	}
	return nil
}

func (m *memoryUserRepo) SetSuperAdmin(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, user := range m.byEmail {
		if user.ID == userID {
			user.IsAdmin = true
			user.IsSuperAdmin = true
			m.byEmail[email] = user
		}
	}
	return nil
}

type memoryLoginTokenRepo struct {
	mu     sync.Mutex
	byHash map[string]domain.LoginToken
}

func (m *memoryLoginTokenRepo) expire(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.byHash[hash]
	token.ExpiresAt = time.Now().Add(-time.Minute)
	m.byHash[hash] = token
}

func (m *memoryLoginTokenRepo) Create(ctx context.Context, token domain.LoginToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[token.TokenHash] = token
	return nil
}

func (m *memoryLoginTokenRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byHash[tokenHash]
	if !ok || token.ConsumedAt != nil || !token.ExpiresAt.After(now) {
		return "", pgx.ErrNoRows
	}
	token.ConsumedAt = &now
	m.byHash[tokenHash] = token
	return token.Email, nil
}

func (m *memoryLoginTokenRepo) Get(ctx context.Context, tokenHash string) (domain.LoginToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byHash[tokenHash]
	if !ok {
		return domain.LoginToken{}, pgx.ErrNoRows
	}
	return token, nil
}

type memoryRememberRepo struct {
	mu     sync.Mutex
	byHash map[string]domain.RememberToken
}

func (m *memoryRememberRepo) expire(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token := m.byHash[hash]
	token.ExpiresAt = time.Now().Add(-time.Minute)
	m.byHash[hash] = token
}

func (m *memoryRememberRepo) Create(ctx context.Context, token domain.RememberToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash[token.TokenHash] = token
	return nil
}

func (m *memoryRememberRepo) Rotate(ctx context.Context, oldHash, newHash string, now time.Time) (domain.RememberToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byHash[oldHash]
	if !ok || !token.ExpiresAt.After(now) {
		return domain.RememberToken{}, pgx.ErrNoRows
	}
	delete(m.byHash, oldHash)
	token.TokenHash = newHash
	token.RotatedAt = &now
	m.byHash[newHash] = token
	return token, nil
}

func (m *memoryRememberRepo) Revoke(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byHash, tokenHash)
	return nil
}

func (m *memoryRememberRepo) RevokeAllForUser(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, token := range m.byHash {
		if token.UserID == userID {
			delete(m.byHash, hash)
		}
	}
	return nil
}

type memoryDomainRepo struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func (m *memoryDomainRepo) IsAllowed(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed[strings.ToLower(name)], nil
}

func (m *memoryDomainRepo) Add(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[strings.ToLower(name)] = true
	return nil
}

func (m *memoryDomainRepo) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allowed, strings.ToLower(name))
	return nil
}

func (m *memoryDomainRepo) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.allowed {
		names = append(names, name)
	}
	return names, nil
}

type memoryActivityRepo struct {
	mu      sync.Mutex
	entries []domain.ActivityEntry
}

func (m *memoryActivityRepo) Record(ctx context.Context, entry domain.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

type memoryRateLimitStore struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

// expireKey simulates the window TTL elapsing in the backing store.
func (m *memoryRateLimitStore) expireKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
}

func (m *memoryRateLimitStore) Count(ctx context.Context, key string) (int, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, 0, m.err
	}
	return m.counts[key], 10 * time.Minute, nil
}

func (m *memoryRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

type sentMail struct {
	email string
	link  string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeMailer) SendLoginLink(ctx context.Context, email, link string, validFor time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{email: email, link: link})
	return nil
}

func (f *fakeMailer) lastToken(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	parsed, err := url.Parse(f.sent[len(f.sent)-1].link)
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}
