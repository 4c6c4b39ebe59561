package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ereffner/stimma/internal/config"
	"github.com/ereffner/stimma/internal/http/handler"
	"github.com/ereffner/stimma/internal/http/middleware"
	"github.com/ereffner/stimma/internal/service"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	adminHandler *handler.AdminHandler,
	sessions *middleware.Sessions,
	manager *service.SessionManager,
	throttle *middleware.Throttle,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(nil))
	if throttle != nil {
		r.Use(throttle.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(sessions.Load())
	r.Use(middleware.Csrf(manager))

	authGroup := r.Group("/auth")
	{
		authGroup.GET("/login", authHandler.ShowLogin)
		authGroup.POST("/login", authHandler.Login)
		authGroup.GET("/verify", authHandler.Verify)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/me", middleware.RequireAuth(), authHandler.Me)
	}

	admin := r.Group("/admin", middleware.RequireAdmin())
	{
		admin.GET("/domains", adminHandler.ListDomains)
		admin.POST("/domains", adminHandler.AddDomain)
		admin.DELETE("/domains/:domain", adminHandler.RemoveDomain)
		admin.POST("/users/:id/roles", adminHandler.UpdateUserRoles)
		admin.DELETE("/users/:id/remember-tokens", adminHandler.RevokeRememberTokens)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
