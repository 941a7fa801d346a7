package middleware

import (
	"net/http"
	"strings"

	"twine/internal/core/services"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a bearer token and stores its identity on the
// request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		identity := claims.Identity()
		c.Set(identityKey, identity)
		c.Request = c.Request.WithContext(services.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}

// OptionalAuthMiddleware stores the identity when a valid token is present
// and lets every request through.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				identity := claims.Identity()
				c.Set(identityKey, identity)
				c.Request = c.Request.WithContext(services.WithIdentity(c.Request.Context(), identity))
			}
		}
		c.Next()
	}
}
