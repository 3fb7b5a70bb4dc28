package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditcontext "github.com/promptship/promptship/internal/auditcontext"
	"github.com/promptship/promptship/internal/usercontext"
)

const userIDHeader = "X-User-ID"

// UserRequired resolves the calling user from the gateway-injected identity
// header. Authentication itself happens upstream; this service only needs
// the id for scoping and audit attribution.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(userIDHeader))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID, err := snowflake.ParseString(raw)
		if err != nil || userID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := usercontext.WithUserID(c.Request.Context(), userID)
		ctx = auditcontext.WithActor(ctx, "user", userID.String())
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// SubmitRateLimit throttles deployment submissions per user before any
// quota work happens.
func (s *Server) SubmitRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.submitLimiter.Enabled() {
			c.Next()
			return
		}

		userID, ok := usercontext.UserIDFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		result, err := s.submitLimiter.AllowSubmit(c.Request.Context(), userID)
		if err != nil {
			// Limiter trouble should not take submissions down.
			c.Next()
			return
		}
		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", result.RetryAfter.Round(1e9).String())
			}
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}
