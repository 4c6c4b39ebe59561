package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAuth aborts requests that carry no authenticated session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := GetSession(c)
		if !ok || !session.Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "unauthenticated",
				"error_description": "Sign in to continue.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin aborts requests from sessions without an admin role.
// Super-admins pass everywhere admins do.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, ok := GetSession(c)
		if !ok || !session.Authenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "unauthenticated",
				"error_description": "Sign in to continue.",
			})
			return
		}
		if !session.IsAdmin && !session.IsSuperAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "forbidden",
				"error_description": "Administrator access required.",
			})
			return
		}
		c.Next()
	}
}
