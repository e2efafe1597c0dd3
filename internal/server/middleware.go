package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kertaslab/papergate/internal/security"
)

// Context keys set by middleware.
const (
	ctxRequestID = "requestID"
	ctxUserID    = "userID"
)

// requestIDMiddleware assigns every request an ID and echoes it in the
// response header so callers can correlate with the audit trail.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set(ctxRequestID, requestID)
		c.Header("X-Request-Id", requestID)
		c.Next()
	}
}

// authMiddleware validates the caller's JWT and loads the stable user ID into
// context. Identity is issued by the external session system; this gateway
// only verifies it.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, err := security.ParseToken(s.cfg.Auth.JWTSecret, token)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			if err == security.ErrExpiredToken {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// requestID reads the middleware-assigned ID.
func requestID(c *gin.Context) string { return c.GetString(ctxRequestID) }

// userID reads the authenticated caller's stable ID.
func userID(c *gin.Context) string { return c.GetString(ctxUserID) }
