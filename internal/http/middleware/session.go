package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/config"
	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/service"
)

const ginSessionKey = "stimma.session"

// Sessions resolves the caller's session for every request: it validates the
// session cookie, advances the session state machine, falls back to
// remember-me auto-login when the session is gone, and re-sets cookies
// whenever an identifier rotates.
type Sessions struct {
	Manager *service.SessionManager
	Auth    *service.AuthService
	Cfg     config.Config
	Logger  *zap.Logger
}

// Load is the resolution middleware. It never rejects a request by itself;
// requests without a usable session simply continue unauthenticated and the
// route guards decide what that means.
func (m *Sessions) Load() gin.HandlerFunc {
	return func(c *gin.Context) {
		area := service.AreaFront
		if strings.HasPrefix(c.Request.URL.Path, "/admin") {
			area = service.AreaAdmin
		}

		staleCookie := false
		if id, err := c.Cookie(m.Cfg.SessionCookie); err == nil && id != "" {
			session, err := m.Manager.Touch(c.Request.Context(), id, area)
			switch {
			case err == nil:
				if session.ID != id {
					m.SetSessionCookie(c, session.ID)
				}
				c.Set(ginSessionKey, session)
				c.Next()
				return
			case errors.Is(err, service.ErrSessionExpired):
				staleCookie = true
			default:
				m.log().Error("session load", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_error", "error_description": "Something went wrong. Please try again.",
				})
				return
			}
		}

		// Clearing the stale cookie only when auto-login failed keeps the
		// response to a single Set-Cookie for the session name.
		if !m.tryRememberLogin(c) && staleCookie {
			m.ClearSessionCookie(c)
		}
		c.Next()
	}
}

// tryRememberLogin exchanges a remember-me cookie for a fresh session,
// reporting whether one was established. The cookie rotates on every
// successful use; an invalid cookie is cleared so the browser stops
// presenting it.
func (m *Sessions) tryRememberLogin(c *gin.Context) bool {
	raw, err := c.Cookie(m.Cfg.RememberCookie)
	if err != nil || raw == "" {
		return false
	}

	user, next, expires, err := m.Auth.ValidateRememberToken(c.Request.Context(), raw, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		if errors.Is(err, service.ErrRememberInvalid) {
			m.ClearRememberCookie(c)
		} else {
			m.log().Error("remember login", zap.Error(err))
		}
		return false
	}

	session, err := m.Manager.Create(c.Request.Context(), user)
	if err != nil {
		m.log().Error("remember session create", zap.Error(err))
		return false
	}

	m.SetSessionCookie(c, session.ID)
	m.SetRememberCookie(c, next, expires)
	c.Set(ginSessionKey, session)
	return true
}

// Ensure returns the request's session, creating a guest session when none
// exists. The login form calls this so the CSRF token has somewhere to live
// before authentication.
func (m *Sessions) Ensure(c *gin.Context) (*domain.Session, error) {
	if session, ok := GetSession(c); ok {
		return session, nil
	}
	session, err := m.Manager.CreateGuest(c.Request.Context())
	if err != nil {
		return nil, err
	}
	m.SetSessionCookie(c, session.ID)
	c.Set(ginSessionKey, session)
	return session, nil
}

// GetSession returns the session attached by Load, if any.
func GetSession(c *gin.Context) (*domain.Session, bool) {
	value, ok := c.Get(ginSessionKey)
	if !ok {
		return nil, false
	}
	session, ok := value.(*domain.Session)
	return session, ok && session != nil
}

// SetSession replaces the session attached to the request, used after login
// swaps a guest session for an authenticated one.
func SetSession(c *gin.Context, session *domain.Session) {
	c.Set(ginSessionKey, session)
}

// SetSessionCookie writes the session identifier cookie.
func (m *Sessions) SetSessionCookie(c *gin.Context, id string) {
	m.setCookie(c, &http.Cookie{
		Name:  m.Cfg.SessionCookie,
		Value: id,
	})
}

// ClearSessionCookie expires the session cookie.
func (m *Sessions) ClearSessionCookie(c *gin.Context) {
	m.setCookie(c, &http.Cookie{
		Name:   m.Cfg.SessionCookie,
		Value:  "",
		MaxAge: -1,
	})
}

// SetRememberCookie writes the remember-me cookie with the token's own expiry.
func (m *Sessions) SetRememberCookie(c *gin.Context, value string, expires time.Time) {
	m.setCookie(c, &http.Cookie{
		Name:    m.Cfg.RememberCookie,
		Value:   value,
		Expires: expires,
	})
}

// ClearRememberCookie expires the remember-me cookie.
func (m *Sessions) ClearRememberCookie(c *gin.Context) {
	m.setCookie(c, &http.Cookie{
		Name:   m.Cfg.RememberCookie,
		Value:  "",
		MaxAge: -1,
	})
}

func (m *Sessions) setCookie(c *gin.Context, cookie *http.Cookie) {
	cookie.Path = m.Cfg.CookiePath
	cookie.Secure = m.Cfg.CookieSecure
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	http.SetCookie(c.Writer, cookie)
}

func (m *Sessions) log() *zap.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return zap.L()
}
