package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	mailadapter "github.com/ereffner/stimma/internal/adapter/mail"
	"github.com/ereffner/stimma/internal/config"
	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/repository"
)

// LoginRequest carries one submission of the login form.
type LoginRequest struct {
	Email     string
	ClientIP  string
	UserAgent string
	Remember  bool
	Extended  bool
}

// LoginResult reports what the submission did. UserCreated distinguishes the
// registration path for auditing; the client message is the same either way.
type LoginResult struct {
	UserCreated bool
	TokenTTL    time.Duration
}

// AuthService encapsulates the passwordless login flows: magic-link issuance
// and redemption, remember-me tokens, and allowlist management.
type AuthService struct {
	users     repository.UserRepository
	tokens    repository.LoginTokenRepository
	remember  repository.RememberTokenRepository
	domains   repository.DomainRepository
	activity  repository.ActivityLogRepository
	limiter   *LoginRateLimiter
	mailer    mailadapter.Mailer
	snowflake *snowflake.Node
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewAuthService wires dependencies.
func NewAuthService(
	users repository.UserRepository,
	tokens repository.LoginTokenRepository,
	remember repository.RememberTokenRepository,
	domains repository.DomainRepository,
	activity repository.ActivityLogRepository,
	limiter *LoginRateLimiter,
	mailer mailadapter.Mailer,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		tokens:    tokens,
		remember:  remember,
		domains:   domains,
		activity:  activity,
		limiter:   limiter,
		mailer:    mailer,
		snowflake: node,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/ereffner/stimma/internal/service"),
	}
}

// RequestLogin handles one login submission: rate-limit gate, allowlist gate
// for unknown addresses, user creation, token issuance, link dispatch. The
// rate limit is checked before anything that could reveal whether the address
// belongs to an account.
func (s *AuthService) RequestLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	ctx, span := s.startSpan(ctx, "AuthService.RequestLogin")
	defer span.End()

	email := domain.NormalizeEmail(req.Email)

	if err := s.limiter.CheckAndRecord(ctx, email, req.ClientIP); err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			s.audit("login.rate_limited", "email", email, "ip", req.ClientIP)
			s.recordActivity(ctx, email, "rate limit exceeded for login attempt", map[string]any{
				"ip": req.ClientIP, "user_agent": req.UserAgent,
			})
			return nil, err
		}
		span.RecordError(err)
		return nil, err
	}

	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}

	result := &LoginResult{TokenTTL: s.cfg.LoginTokenTTL}

	user, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		// Existing users always pass, regardless of the current allowlist.
	case errors.Is(err, pgx.ErrNoRows):
		user, err = s.registerUser(ctx, email, req)
		if err != nil {
			return nil, err
		}
		result.UserCreated = true
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if err := s.issueLoginToken(ctx, user.Email, req); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// registerUser creates a user for a first-time address whose domain is on the
// allowlist. Creation is an explicit, audited step rather than a side effect
// of token dispatch.
func (s *AuthService) registerUser(ctx context.Context, email string, req LoginRequest) (domain.User, error) {
	orgDomain := domain.EmailDomain(email)
	allowed, err := s.domains.IsAllowed(ctx, orgDomain)
	if err != nil {
		return domain.User{}, fmt.Errorf("check domain allowlist: %w", err)
	}
	if !allowed {
		s.audit("login.domain_rejected", "email", email, "domain", orgDomain, "ip", req.ClientIP)
		s.recordActivity(ctx, email, "registration rejected, domain not allowed", map[string]any{
			"domain": orgDomain, "ip": req.ClientIP, "user_agent": req.UserAgent,
		})
		return domain.User{}, ErrDomainNotAllowed
	}

	user, err := s.users.Create(ctx, domain.User{
		ID:        s.snowflake.Generate().Int64(),
		Email:     email,
		Domain:    orgDomain,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}

	s.audit("user.created", "user_id", user.ID, "email", user.Email, "domain", user.Domain)
	s.recordActivity(ctx, user.Email, "user account created on first login attempt", map[string]any{
		"user_id": user.ID, "domain": user.Domain, "ip": req.ClientIP,
	})
	return user, nil
}

// issueLoginToken mints a single-use token, persists its hash, and dispatches
// the link. A dispatch failure surfaces to the caller; outstanding earlier
// tokens for the address stay valid until their own expiry.
func (s *AuthService) issueLoginToken(ctx context.Context, email string, req LoginRequest) error {
	now := time.Now()
	raw := randomToken(s.cfg.LoginTokenBytes)

	token := domain.LoginToken{
		ID:        s.snowflake.Generate().Int64(),
		TokenHash: HashToken(raw),
		Email:     email,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.LoginTokenTTL),
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return fmt.Errorf("persist login token: %w", err)
	}

	link := s.cfg.BaseURL + "/auth/verify?token=" + url.QueryEscape(raw)
	if err := s.mailer.SendLoginLink(ctx, email, link, s.cfg.LoginTokenTTL); err != nil {
		s.audit("login.dispatch_failed", "email", email)
		return fmt.Errorf("dispatch login link: %w", err)
	}

	s.audit("login.link_sent", "email", email, "ip", req.ClientIP)
	s.recordActivity(ctx, email, "login link dispatched", map[string]any{
		"ip": req.ClientIP, "user_agent": req.UserAgent, "expires_at": token.ExpiresAt.UTC(),
	})
	return nil
}

// Redeem consumes a magic-link token exactly once and returns the owning
// user. Expired, already-used, and unknown tokens fail with distinct errors
// for the audit trail; callers must collapse them into one client message.
func (s *AuthService) Redeem(ctx context.Context, rawToken, clientIP, userAgent string) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Redeem")
	defer span.End()

	hash := HashToken(strings.TrimSpace(rawToken))
	now := time.Now()

	email, err := s.tokens.Consume(ctx, hash, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, s.classifyRedeemFailure(ctx, hash, now, clientIP, userAgent)
		}
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("redeem token: %w", err)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("redeem load user: %w", err)
	}

	if user.VerifiedAt == nil {
		if err := s.users.MarkVerified(ctx, user.ID, now); err != nil {
			span.RecordError(err)
			return domain.User{}, fmt.Errorf("mark user verified: %w", err)
		}
		user.VerifiedAt = &now
	}

	s.audit("login.success", "user_id", user.ID, "email", user.Email, "ip", clientIP)
	s.recordActivity(ctx, user.Email, "magic link redeemed", map[string]any{
		"user_id": user.ID, "ip": clientIP, "user_agent": userAgent,
	})
	return user, nil
}

// classifyRedeemFailure distinguishes why a consume matched no row. The raw
// token value is never logged, only its hash prefix.
func (s *AuthService) classifyRedeemFailure(ctx context.Context, hash string, now time.Time, clientIP, userAgent string) error {
	reason := "unknown token"
	result := ErrTokenInvalid

	token, err := s.tokens.Get(ctx, hash)
	if err == nil {
		switch {
		case token.ConsumedAt != nil:
			reason = "token already used"
			result = ErrTokenConsumed
		case !token.ExpiresAt.After(now):
			reason = "token expired"
			result = ErrTokenExpired
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("inspect token: %w", err)
	}

	s.audit("login.redeem_rejected", "reason", reason, "token_hash", hash[:12], "ip", clientIP)
	s.recordActivity(ctx, token.Email, "magic link rejected: "+reason, map[string]any{
		"ip": clientIP, "user_agent": userAgent,
	})
	return result
}

// IssueRememberToken mints a persistent-login token for the user. The
// returned value goes into the cookie; only its hash is stored.
func (s *AuthService) IssueRememberToken(ctx context.Context, userID int64, extended bool) (string, time.Time, error) {
	now := time.Now()
	ttl := s.cfg.RememberMeTTL
	if extended {
		ttl = s.cfg.RememberMeExtendedTTL
	}

	raw := randomToken(s.cfg.LoginTokenBytes)
	token := domain.RememberToken{
		ID:        s.snowflake.Generate().Int64(),
		TokenHash: HashToken(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.remember.Create(ctx, token); err != nil {
		return "", time.Time{}, fmt.Errorf("persist remember token: %w", err)
	}

	s.audit("remember.issued", "user_id", userID, "expires_at", token.ExpiresAt.UTC())
	return raw, token.ExpiresAt, nil
}

// ValidateRememberToken redeems a remember-me cookie for a user, rotating the
// stored value in the same step: the presented value never validates twice,
// which bounds a stolen cookie to a single use. The new cookie value and the
// unchanged expiry are returned for re-setting the cookie.
func (s *AuthService) ValidateRememberToken(ctx context.Context, rawValue, clientIP, userAgent string) (domain.User, string, time.Time, error) {
	ctx, span := s.startSpan(ctx, "AuthService.ValidateRememberToken")
	defer span.End()

	next := randomToken(s.cfg.LoginTokenBytes)
	rotated, err := s.remember.Rotate(ctx, HashToken(strings.TrimSpace(rawValue)), HashToken(next), time.Now())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.audit("remember.rejected", "ip", clientIP)
			return domain.User{}, "", time.Time{}, ErrRememberInvalid
		}
		span.RecordError(err)
		return domain.User{}, "", time.Time{}, fmt.Errorf("validate remember token: %w", err)
	}

	user, err := s.users.GetByID(ctx, rotated.UserID)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, "", time.Time{}, fmt.Errorf("remember load user: %w", err)
	}

	s.audit("remember.success", "user_id", user.ID, "email", user.Email, "ip", clientIP)
	s.recordActivity(ctx, user.Email, "automatic login via remember token", map[string]any{
		"user_id": user.ID, "ip": clientIP, "user_agent": userAgent,
	})
	return user, next, rotated.ExpiresAt, nil
}

// Logout revokes the presented remember token, if any, and audits the exit.
// Session destruction is the session manager's job; handlers call both.
func (s *AuthService) Logout(ctx context.Context, session *domain.Session, rememberValue, clientIP string) error {
	if rememberValue != "" {
		if err := s.remember.Revoke(ctx, HashToken(rememberValue)); err != nil {
			return fmt.Errorf("revoke remember token: %w", err)
		}
	}
	if session.Authenticated() {
		s.audit("logout", "user_id", session.UserID, "email", session.Email, "ip", clientIP)
		s.recordActivity(ctx, session.Email, "logged out", map[string]any{"user_id": session.UserID, "ip": clientIP})
	}
	return nil
}

// RevokeUserRememberTokens drops every persistent login for the user, the
// admin-forced revoke path.
func (s *AuthService) RevokeUserRememberTokens(ctx context.Context, userID int64, actorEmail string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("revoke lookup user: %w", err)
	}
	if err := s.remember.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	s.audit("remember.revoked_all", "user_id", userID, "actor", actorEmail)
	s.recordActivity(ctx, user.Email, "persistent logins revoked by administrator", map[string]any{
		"user_id": userID, "actor": actorEmail,
	})
	return nil
}

// UpdateUserRoles sets a user's admin and editor flags. The super-admin flag
// is bootstrap-owned and never changes here.
func (s *AuthService) UpdateUserRoles(ctx context.Context, userID int64, isAdmin, isEditor bool, actorEmail string) (domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("roles lookup user: %w", err)
	}
	if err := s.users.SetRoles(ctx, userID, isAdmin, isEditor); err != nil {
		return domain.User{}, fmt.Errorf("update roles: %w", err)
	}
	user.IsAdmin = isAdmin
	user.IsEditor = isEditor

	s.audit("user.roles_updated", "user_id", userID, "is_admin", isAdmin, "is_editor", isEditor, "actor", actorEmail)
	s.recordActivity(ctx, user.Email, "roles updated by administrator", map[string]any{
		"user_id": userID, "is_admin": isAdmin, "is_editor": isEditor, "actor": actorEmail,
	})
	return user, nil
}

// ListAllowedDomains returns the registration allowlist.
func (s *AuthService) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return s.domains.List(ctx)
}

// AddAllowedDomain admits a domain for self-registration.
func (s *AuthService) AddAllowedDomain(ctx context.Context, name, actorEmail string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, "@ \t") {
		return ErrInvalidEmail
	}
	if err := s.domains.Add(ctx, name); err != nil {
		return err
	}
	s.audit("domain.added", "domain", name, "actor", actorEmail)
	s.recordActivity(ctx, actorEmail, "allowlist domain added: "+name, nil)
	return nil
}

// RemoveAllowedDomain revokes a domain. Existing members of the domain keep
// their accounts and keep logging in; only new registrations stop.
func (s *AuthService) RemoveAllowedDomain(ctx context.Context, name, actorEmail string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if err := s.domains.Remove(ctx, name); err != nil {
		return err
	}
	s.audit("domain.removed", "domain", name, "actor", actorEmail)
	s.recordActivity(ctx, actorEmail, "allowlist domain removed: "+name, nil)
	return nil
}

// SeedAllowedDomains inserts configured domains at startup, ignoring ones
// already present.
func (s *AuthService) SeedAllowedDomains(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := s.domains.Add(ctx, name); err != nil {
			return fmt.Errorf("seed domain %s: %w", name, err)
		}
	}
	return nil
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *AuthService) audit(event string, attrs ...any) {
	logger := s.log()
	if logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}

// recordActivity writes the durable audit row. Best effort: a failed write is
// logged and never fails the request.
func (s *AuthService) recordActivity(ctx context.Context, email, message string, context map[string]any) {
	if s.activity == nil {
		return
	}
	entry := domain.ActivityEntry{
		ID:        s.snowflake.Generate().Int64(),
		Email:     email,
		Message:   message,
		Context:   context,
		CreatedAt: time.Now(),
	}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.log().Warn("record activity", zap.Error(err), zap.String("message", message))
	}
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	return domain.EmailDomain(email) != ""
}

// HashToken derives the storable digest of an opaque token value. Lookups by
// digest keep the comparison constant-time and keep raw values out of the
// database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) string {
	if n < 32 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
