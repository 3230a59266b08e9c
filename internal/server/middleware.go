package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tokenmeter/internal/observability/context"
)

const (
	HeaderAPIKey       = "X-API-Key"
	contextUserIDKey   = "user_id"
	contextAuthTypeKey = "auth_type"

	authTypeUsageKey  = "usage_api_key"
	authTypeDashboard = "dashboard"
)

// UsageAPIKeyRequired authenticates usage reporters with the shared service
// key sent as a bearer token or X-API-Key header.
func (s *Server) UsageAPIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		if raw == "" {
			raw = bearerToken(c)
		}
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.usageKeys.Authenticate(raw); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAuthTypeKey, authTypeUsageKey)
		ctx := obscontext.WithActor(c.Request.Context(), authTypeUsageKey, "usage-reporter")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// DashboardAuthRequired authenticates dashboard users with a Supabase access
// token.
func (s *Server) DashboardAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.verifier.VerifyToken(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextAuthTypeKey, authTypeDashboard)
		c.Set(contextUserIDKey, principal.UserID)
		ctx := obscontext.WithActor(c.Request.Context(), "user", principal.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
