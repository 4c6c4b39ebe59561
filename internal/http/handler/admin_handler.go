package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ereffner/stimma/internal/http/middleware"
	"github.com/ereffner/stimma/internal/service"
)

// AdminHandler serves the registration-allowlist management surface. The
// router guards every route with the admin role check.
type AdminHandler struct {
	Auth   *service.AuthService
	Logger *zap.Logger
}

// NewAdminHandler wires the handler.
func NewAdminHandler(auth *service.AuthService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{Auth: auth, Logger: logger}
}

// ListDomains returns the domains currently allowed to self-register.
func (h *AdminHandler) ListDomains(c *gin.Context) {
	domains, err := h.Auth.ListAllowedDomains(c.Request.Context())
	if err != nil {
		h.internalError(c, "list domains", err)
		return
	}
	if domains == nil {
		domains = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"domains": domains})
}

// AddDomain admits a domain. Adding an existing domain is a no-op success.
func (h *AdminHandler) AddDomain(c *gin.Context) {
	var req struct {
		Domain string `form:"domain" json:"domain"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Domain) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Domain is required."})
		return
	}

	session, _ := middleware.GetSession(c)
	if err := h.Auth.AddAllowedDomain(c.Request.Context(), req.Domain, session.Email); err != nil {
		if errors.Is(err, service.ErrInvalidEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Not a valid domain name."})
			return
		}
		h.internalError(c, "add domain", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"domain": strings.ToLower(strings.TrimSpace(req.Domain))})
}

// RemoveDomain revokes a domain. Existing accounts under it are untouched.
func (h *AdminHandler) RemoveDomain(c *gin.Context) {
	name := strings.TrimSpace(c.Param("domain"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Domain is required."})
		return
	}

	session, _ := middleware.GetSession(c)
	if err := h.Auth.RemoveAllowedDomain(c.Request.Context(), name, session.Email); err != nil {
		h.internalError(c, "remove domain", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"domain": strings.ToLower(name)})
}

// UpdateUserRoles toggles a user's admin and editor flags.
func (h *AdminHandler) UpdateUserRoles(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req struct {
		IsAdmin  bool `json:"is_admin"`
		IsEditor bool `json:"is_editor"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid payload."})
		return
	}

	session, _ := middleware.GetSession(c)
	user, err := h.Auth.UpdateUserRoles(c.Request.Context(), userID, req.IsAdmin, req.IsEditor, session.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "No such user."})
			return
		}
		h.internalError(c, "update user roles", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":   user.ID,
		"email":     user.Email,
		"is_admin":  user.IsAdmin,
		"is_editor": user.IsEditor,
	})
}

// RevokeRememberTokens invalidates every persistent login the user holds.
// Their next visit without a live session requires a fresh magic link.
func (h *AdminHandler) RevokeRememberTokens(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	session, _ := middleware.GetSession(c)
	if err := h.Auth.RevokeUserRememberTokens(c.Request.Context(), userID, session.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "No such user."})
			return
		}
		h.internalError(c, "revoke remember tokens", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID})
}

func (h *AdminHandler) userID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Invalid user id."})
		return 0, false
	}
	return userID, true
}

func (h *AdminHandler) internalError(c *gin.Context, msg string, err error) {
	logger := h.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":             "internal_error",
		"error_description": "Something went wrong. Please try again.",
	})
}
