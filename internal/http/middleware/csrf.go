package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ereffner/stimma/internal/service"
)

const csrfHeader = "X-CSRF-Token"
const csrfField = "csrf_token"

// Csrf rejects state-changing requests whose anti-forgery token does not
// match the session's. Safe methods pass through untouched. A request with no
// session at all fails too: the token only ever lives on a session, so its
// absence means the form was never served.
func Csrf(sessions *service.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		session, _ := GetSession(c)
		supplied := c.GetHeader(csrfHeader)
		if supplied == "" {
			supplied = c.PostForm(csrfField)
		}

		if !sessions.ValidateCsrf(session, supplied) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "csrf_mismatch",
				"error_description": "Invalid or missing CSRF token. Reload the page and try again.",
			})
			return
		}

		c.Next()
	}
}
