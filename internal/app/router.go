package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"livesession/internal/handler"
	"livesession/internal/middleware"
)

// actorHeader carries the ID of the user performing a request.
const actorHeader = "X-User-ID"

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	UserHandler    *handler.UserHandler
	SessionHandler *handler.SessionHandler
	RedisClient    *redis.Client // Optional: enables idempotent retries
	NewRelicApp    *newrelic.Application
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORSMiddleware())

	// Add New Relic middleware if enabled.
	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
		router.Use(middleware.TransactionAttributes(actorHeader))
	}

	router.Use(middleware.IdempotencyMiddleware(deps.RedisClient, actorHeader))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 routes.
	v1 := router.Group("/v1")
	{
		// User routes.
		users := v1.Group("/users")
		{
			users.POST("", deps.UserHandler.Save)
			users.GET("/:id", deps.UserHandler.Get)
			users.GET("/devices/:device", deps.UserHandler.GetByDevice)
			users.PUT("/devices/:device/role", deps.UserHandler.AssignRole)
		}

		// Session routes.
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", deps.SessionHandler.Create)
			sessions.GET("/:id", deps.SessionHandler.Get)
			sessions.POST("/:id/join", deps.SessionHandler.Join)
			sessions.POST("/:id/invitations", deps.SessionHandler.Invite)
			sessions.POST("/:id/leave", deps.SessionHandler.Leave)
			sessions.POST("/:id/expire", deps.SessionHandler.Expire)
			sessions.PUT("/:id/tracking", deps.SessionHandler.SetTrackingMode)
			sessions.POST("/:id/locations", deps.SessionHandler.ReportLocation)
			sessions.GET("/:id/locations", deps.SessionHandler.Locations)
		}
	}

	return router
}
