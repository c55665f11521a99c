// Package router assembles the gin engine: middleware chain, Outer API
// routes, and the optional admin surface, the way the teacher's main.go
// builds its server.
package router

import (
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kirobridge/kirobridge/common/config"
	"github.com/kirobridge/kirobridge/common/graceful"
	"github.com/kirobridge/kirobridge/common/logger"
	"github.com/kirobridge/kirobridge/controller"
	"github.com/kirobridge/kirobridge/middleware"
)

// New builds the HTTP engine for the bridge: request-id/logging/recovery
// middleware, the public /v1/* surface, and (when an admin key is
// configured) the /api/admin/* surface (§6).
func New(cfg *config.Config, deps *controller.Deps, admin *controller.AdminDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.Use(
		middleware.Recover(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	// No gzip middleware: it breaks SSE streaming on /v1/messages.
	engine.Use(middleware.RequestId())
	engine.Use(graceful.GinRequestTracker())
	engine.Use(cors.Default())

	v1 := engine.Group("/v1")
	v1.Use(middleware.APIKeyAuth(cfg.APIKey))
	{
		v1.POST("/messages", deps.Messages)
		v1.POST("/messages/count_tokens", deps.CountTokens)
		v1.GET("/models", controller.ListModels)
	}

	if cfg.AdminAPIKey != "" {
		admGroup := engine.Group("/api/admin")
		admGroup.Use(middleware.AdminKeyAuth(cfg.AdminAPIKey))
		{
			admGroup.GET("/credentials", admin.ListCredentials)
			admGroup.POST("/credentials", admin.AddCredential)
			admGroup.DELETE("/credentials/:id", admin.DeleteCredential)
			admGroup.POST("/credentials/:id/disable", admin.SetDisabled(true))
			admGroup.POST("/credentials/:id/enable", admin.SetDisabled(false))
			admGroup.POST("/credentials/:id/priority", admin.SetPriority)
			admGroup.POST("/credentials/:id/reset-failure", admin.ResetFailure)
			admGroup.GET("/credentials/:id/balance", admin.Balance)
			admGroup.GET("/load-balancing-mode", admin.GetLoadBalancingMode)
			admGroup.POST("/load-balancing-mode", admin.SetLoadBalancingMode)
		}
	}

	return engine
}
