package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/verba-ai/verba/internal/logger"
)

// Define a custom type for context keys to avoid collisions.
type contextKey string

const (
	// PrincipalKey is the context key for the validated principal.
	PrincipalKey contextKey = "principal"
)

type Middleware struct {
	validator TokenValidator
}

func NewMiddleware(validator TokenValidator) *Middleware {
	return &Middleware{validator: validator}
}

// RequireAuth validates the bearer token and attaches the principal and a
// fresh correlation ID to the request context.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		// Fallback for WebSocket connections: accept token from query parameter.
		// Browser WebSocket API doesn't support custom headers during upgrade.
		if authHeader == "" && c.Request.Header.Get("Upgrade") == "websocket" {
			token := c.Query("token")
			if token != "" {
				authHeader = "Bearer " + token
			}
		}

		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be a Bearer token"})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Bearer token is empty"})
			c.Abort()
			return
		}

		principal, err := m.validator.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logger.GenerateCorrelationID()
		}

		ctx := logger.WithUserID(c.Request.Context(), principal.UserID)
		ctx = logger.WithCorrelationID(ctx, correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(PrincipalKey), principal)

		c.Next()
	}
}

// GetPrincipal extracts the validated principal from the Gin context.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, exists := c.Get(string(PrincipalKey))
	if !exists {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
