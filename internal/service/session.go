package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/repository"
)

// Area selects which idle lifetime applies to a request. Admin-area sessions
// and front-end sessions expire independently.
type Area int

const (
	AreaFront Area = iota
	AreaAdmin
)

// SessionManager owns the session lifecycle: creation on login, activity
// tracking, periodic identifier regeneration, idle expiry, and destruction.
// It is the sole writer of session state; other components only read the
// authenticated identity off the session.
type SessionManager struct {
	store         repository.SessionStore
	lifetime      time.Duration
	adminLifetime time.Duration
	regenInterval time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewSessionManager wires the store and lifetimes.
func NewSessionManager(store repository.SessionStore, lifetime, adminLifetime, regenInterval time.Duration, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		store:         store,
		lifetime:      lifetime,
		adminLifetime: adminLifetime,
		regenInterval: regenInterval,
		logger:        logger,
		now:           time.Now,
	}
}

// Create establishes an authenticated session for the user.
func (m *SessionManager) Create(ctx context.Context, user domain.User) (*domain.Session, error) {
	now := m.now()
	session := domain.Session{
		ID:              newSessionID(),
		UserID:          user.ID,
		Email:           user.Email,
		IsAdmin:         user.IsAdmin,
		IsEditor:        user.IsEditor,
		IsSuperAdmin:    user.IsSuperAdmin,
		CreatedAt:       now,
		LastActivity:    now,
		LastRegenerated: now,
	}
	if err := m.store.Save(ctx, session, m.maxLifetime()); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// CreateGuest establishes an unauthenticated session. It exists only to hold
// the pre-login CSRF token and the pending remember-me choice.
func (m *SessionManager) CreateGuest(ctx context.Context) (*domain.Session, error) {
	now := m.now()
	session := domain.Session{
		ID:              newSessionID(),
		CreatedAt:       now,
		LastActivity:    now,
		LastRegenerated: now,
	}
	if err := m.store.Save(ctx, session, m.lifetime); err != nil {
		return nil, fmt.Errorf("create guest session: %w", err)
	}
	return &session, nil
}

// Touch advances the session through its state machine for one request.
// Expiry is checked first and wins: an idle-expired session is destroyed and
// never regenerated-and-continued. Within its lifetime the identifier is
// replaced once per regeneration interval while the authenticated identity
// carries over. The returned session may therefore have a different ID than
// the one passed in.
func (m *SessionManager) Touch(ctx context.Context, id string, area Area) (*domain.Session, error) {
	session, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionExpired
	}

	now := m.now()
	lifetime := m.lifetime
	if area == AreaAdmin {
		lifetime = m.adminLifetime
	}

	if now.Sub(session.LastActivity) > lifetime {
		if err := m.store.Delete(ctx, id); err != nil {
			m.log().Warn("delete expired session", zap.Error(err))
		}
		return nil, ErrSessionExpired
	}

	if now.Sub(session.LastRegenerated) > m.regenInterval {
		return m.regenerate(ctx, session, now, lifetime)
	}

	session.LastActivity = now
	if err := m.store.Save(ctx, *session, lifetime); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return session, nil
}

// Update persists mutated session data (CSRF token, pending remember choice)
// under the current identifier.
func (m *SessionManager) Update(ctx context.Context, session *domain.Session) error {
	if err := m.store.Save(ctx, *session, m.maxLifetime()); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// Destroy terminates the session. Destroyed identifiers never validate again.
func (m *SessionManager) Destroy(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

func (m *SessionManager) regenerate(ctx context.Context, session *domain.Session, now time.Time, lifetime time.Duration) (*domain.Session, error) {
	oldID := session.ID
	session.ID = newSessionID()
	session.LastRegenerated = now
	session.LastActivity = now

	if err := m.store.Save(ctx, *session, lifetime); err != nil {
		return nil, fmt.Errorf("regenerate session: %w", err)
	}
	if err := m.store.Delete(ctx, oldID); err != nil {
		// The new id is already live; the stale record still dies with its TTL.
		m.log().Warn("delete superseded session", zap.Error(err))
	}

	m.log().Debug("session id regenerated", zap.Int64("user_id", session.UserID))
	return session, nil
}

func (m *SessionManager) maxLifetime() time.Duration {
	if m.adminLifetime > m.lifetime {
		return m.adminLifetime
	}
	return m.lifetime
}

func (m *SessionManager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}

// CsrfToken returns the session's anti-forgery token, generating it on first
// need. One token serves the whole session life.
func (m *SessionManager) CsrfToken(ctx context.Context, session *domain.Session) (string, error) {
	if session.CsrfToken != "" {
		return session.CsrfToken, nil
	}
	session.CsrfToken = randomHex(32)
	if err := m.Update(ctx, session); err != nil {
		return "", err
	}
	return session.CsrfToken, nil
}

// ValidateCsrf compares the supplied token against the session's in constant
// time. Empty and missing values always fail.
func (m *SessionManager) ValidateCsrf(session *domain.Session, supplied string) bool {
	if session == nil || session.CsrfToken == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(session.CsrfToken), []byte(supplied)) == 1
}

func newSessionID() string {
	return randomHex(32)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
