package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/caretrail/caretrail/internal/auth"
)

const (
	ctxUserID = "userID"
	ctxRole   = "role"
)

// requireAuth validates the Bearer access token and stores the caller's
// identity on the request context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing bearer token",
			})
			return
		}

		claims, err := s.tokens.Validate(strings.TrimPrefix(header, "Bearer "), auth.TokenKindAccess)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid or expired token",
			})
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func callerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
