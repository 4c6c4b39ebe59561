package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/config"
	"github.com/ereffner/stimma/internal/http/middleware"
	"github.com/ereffner/stimma/internal/service"
)

// AuthHandler serves the passwordless login surface.
type AuthHandler struct {
	Auth     *service.AuthService
	Manager  *service.SessionManager
	Sessions *middleware.Sessions
	Cfg      config.Config
	Logger   *zap.Logger
}

// NewAuthHandler wires the handler.
func NewAuthHandler(auth *service.AuthService, manager *service.SessionManager, sessions *middleware.Sessions, cfg config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{Auth: auth, Manager: manager, Sessions: sessions, Cfg: cfg, Logger: logger}
}

// ShowLogin serves the login form state. It establishes a guest session when
// the browser has none so the CSRF token has a home before authentication.
func (h *AuthHandler) ShowLogin(c *gin.Context) {
	session, err := h.Sessions.Ensure(c)
	if err != nil {
		h.internalError(c, "ensure session", err)
		return
	}

	token, err := h.Manager.CsrfToken(c.Request.Context(), session)
	if err != nil {
		h.internalError(c, "issue csrf token", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"csrf_token":    token,
		"authenticated": session.Authenticated(),
	})
}

// Login accepts one login form submission and dispatches a magic link. The
// remember-me choice is parked on the session until the link is redeemed;
// checking a box at form time must not require re-submitting it at click
// time.
func (h *AuthHandler) Login(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		// CSRF validation requires a session, so this is unreachable in the
		// normal flow; guard anyway.
		c.JSON(http.StatusForbidden, gin.H{
			"error":             "csrf_mismatch",
			"error_description": "Invalid or missing CSRF token. Reload the page and try again.",
		})
		return
	}

	var req struct {
		Email    string `form:"email" json:"email"`
		Remember bool   `form:"remember_me" json:"remember_me"`
		Extended bool   `form:"extended" json:"extended"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Email is required."})
		return
	}

	session.PendingRemember = req.Remember
	session.PendingExtended = req.Extended
	if err := h.Manager.Update(c.Request.Context(), session); err != nil {
		h.internalError(c, "stash remember choice", err)
		return
	}

	result, err := h.Auth.RequestLogin(c.Request.Context(), service.LoginRequest{
		Email:     req.Email,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Remember:  req.Remember,
		Extended:  req.Extended,
	})
	if err != nil {
		h.respondLoginError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Check your inbox. If the address is valid, a login link is on its way.",
		"expires_in": int(result.TokenTTL.Seconds()),
	})
}

// Verify redeems a magic link. Every failure collapses into one message so
// the response never reveals whether a guessed token ever existed. On success
// the guest session dies and a fresh authenticated session takes its place.
func (h *AuthHandler) Verify(c *gin.Context) {
	raw := c.Query("token")
	if raw == "" {
		h.invalidLink(c)
		return
	}

	user, err := h.Auth.Redeem(c.Request.Context(), raw, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenInvalid),
			errors.Is(err, service.ErrTokenExpired),
			errors.Is(err, service.ErrTokenConsumed):
			h.invalidLink(c)
		default:
			h.internalError(c, "redeem token", err)
		}
		return
	}

	// The remember-me choice rides on the pre-login session. The link may be
	// opened in a different browser, in which case there is no pending choice
	// and no persistent login.
	remember, extended := false, false
	if old, ok := middleware.GetSession(c); ok {
		remember, extended = old.PendingRemember, old.PendingExtended
		if err := h.Manager.Destroy(c.Request.Context(), old.ID); err != nil {
			h.log().Warn("destroy pre-login session", zap.Error(err))
		}
	}

	session, err := h.Manager.Create(c.Request.Context(), user)
	if err != nil {
		h.internalError(c, "create session", err)
		return
	}
	h.Sessions.SetSessionCookie(c, session.ID)
	middleware.SetSession(c, session)

	if remember {
		value, expires, err := h.Auth.IssueRememberToken(c.Request.Context(), user.ID, extended)
		if err != nil {
			h.log().Error("issue remember token", zap.Error(err))
		} else {
			h.Sessions.SetRememberCookie(c, value, expires)
		}
	}

	c.Redirect(http.StatusSeeOther, "/")
}

// Logout terminates the session and revokes the presented remember token.
func (h *AuthHandler) Logout(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"message": "Signed out."})
		return
	}

	rememberValue, _ := c.Cookie(h.Cfg.RememberCookie)
	if err := h.Auth.Logout(c.Request.Context(), session, rememberValue, c.ClientIP()); err != nil {
		h.internalError(c, "logout", err)
		return
	}
	if err := h.Manager.Destroy(c.Request.Context(), session.ID); err != nil {
		h.internalError(c, "destroy session", err)
		return
	}

	h.Sessions.ClearSessionCookie(c)
	h.Sessions.ClearRememberCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Signed out."})
}

// Me reports the authenticated identity behind the session cookie.
func (h *AuthHandler) Me(c *gin.Context) {
	session, _ := middleware.GetSession(c)

	token, err := h.Manager.CsrfToken(c.Request.Context(), session)
	if err != nil {
		h.internalError(c, "issue csrf token", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":        session.UserID,
		"email":          session.Email,
		"is_admin":       session.IsAdmin,
		"is_editor":      session.IsEditor,
		"is_super_admin": session.IsSuperAdmin,
		"csrf_token":     token,
	})
}

func (h *AuthHandler) respondLoginError(c *gin.Context, err error) {
	var limited *service.RateLimitedError
	switch {
	case errors.As(err, &limited):
		c.Header("Retry-After", fmt.Sprintf("%d", int(limited.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate_limited",
			"error_description": fmt.Sprintf("Too many login attempts. Try again in %d minutes.", limited.RetryAfterMinutes()),
		})
	case errors.Is(err, service.ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_email",
			"error_description": "Enter a valid email address.",
		})
	case errors.Is(err, service.ErrDomainNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{
			"error":             "domain_not_allowed",
			"error_description": "This email domain is not eligible for an account.",
		})
	default:
		h.internalError(c, "request login", err)
	}
}

func (h *AuthHandler) invalidLink(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":             "invalid_token",
		"error_description": "This login link is invalid or has expired. Request a new one.",
	})
}

func (h *AuthHandler) internalError(c *gin.Context, msg string, err error) {
	h.log().Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":             "internal_error",
		"error_description": "Something went wrong. Please try again.",
	})
}

func (h *AuthHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
