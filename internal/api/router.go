package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relayops/claude-relay/internal/config"
	"github.com/relayops/claude-relay/internal/ratelimit"
	"github.com/relayops/claude-relay/internal/store"
)

// Deps carries everything the routes need.
type Deps struct {
	Config     *config.Config
	Keys       *store.APIKeyStore
	Limiter    *ratelimit.Manager
	Messages   *MessagesHandler
	Management *ManagementHandler
}

// RegisterRoutes registers the relay and management routes.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	relayGroup := r.Group("/v1")
	relayGroup.Use(apiKeyAuthMiddleware(deps.Keys, deps.Limiter))
	relayGroup.POST("/messages", deps.Messages.Create)

	managementGroup := r.Group("/v0/management")
	managementGroup.Use(managementAuthMiddleware(deps.Config.Management.Key))

	managementGroup.POST("/accounts", deps.Management.CreateAccount)
	managementGroup.GET("/accounts", deps.Management.ListAccounts)
	managementGroup.POST("/accounts/:id/status", deps.Management.UpdateAccountStatus)
	managementGroup.POST("/accounts/:id/health-check", deps.Management.HealthCheck)
	managementGroup.POST("/accounts/:id/refresh", deps.Management.RefreshAccount)
	managementGroup.POST("/refresh", deps.Management.RefreshAll)
	managementGroup.POST("/oauth/authorize-url", deps.Management.AuthorizeURL)
	managementGroup.POST("/oauth/exchange", deps.Management.ExchangeCode)

	managementGroup.POST("/api-keys", deps.Management.CreateAPIKey)
}
