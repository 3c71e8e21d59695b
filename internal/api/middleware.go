// Package api wires the gin routes for the relay and its management
// surface.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/relayops/claude-relay/internal/ratelimit"
	"github.com/relayops/claude-relay/internal/store"
)

const contextAPIKey = "relayAPIKey"

// apiKeyAuthMiddleware resolves the caller's relay key from the
// x-api-key header (or a bearer token) and enforces its rate limit.
func apiKeyAuthMiddleware(keys *store.APIKeyStore, limiter *ratelimit.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("x-api-key"))
		if token == "" {
			token = bearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}

		key, errResolve := keys.Resolve(c.Request.Context(), token)
		if errResolve != nil {
			if errors.Is(errResolve, store.ErrAPIKeyNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "api key lookup failed"})
			return
		}

		result := limiter.Allow(c.Request.Context(), ratelimit.KeyForAPIKey(key.ID), key.RateLimit)
		if !result.Allowed {
			c.Header("Retry-After", result.ResetAt.UTC().Format(http.TimeFormat))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		if errTouch := keys.Touch(c.Request.Context(), key.ID); errTouch != nil {
			log.WithError(errTouch).Debug("api: touch api key failed")
		}
		c.Set(contextAPIKey, key)
		c.Next()
	}
}

// managementAuthMiddleware guards management routes with the static
// management key from config.
func managementAuthMiddleware(managementKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if managementKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not configured"})
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = strings.TrimSpace(c.GetHeader("x-management-key"))
		}
		if token != managementKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return ""
	}
	return strings.TrimSpace(token)
}
