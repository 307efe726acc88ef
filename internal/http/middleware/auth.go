// README: Firebase ID-token authentication and role checks.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/infra"
)

const (
	ctxUIDKey  = "auth.uid"
	ctxRoleKey = "auth.role"

	RoleDriver = "driver"
)

// Auth verifies the bearer token and stores uid and role on the context.
// A nil verifier leaves every request unauthenticated.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUIDKey, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRoleKey, role)
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers that lack role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Authenticated(c) && CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "requires role " + role})
			return
		}
		c.Next()
	}
}

func Authenticated(c *gin.Context) bool {
	_, ok := c.Get(ctxUIDKey)
	return ok
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUIDKey)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRoleKey)
}
