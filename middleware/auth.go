package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/utils"
)

// Context keys set by JWTAuth.
const (
	ContextUserName = "userName"
	ContextUserRole = "userRole"
)

// JWTAuth verifies the identity token and stores the caller's name and role
// in the request context. The token is read from the Authorization header,
// or from the token query parameter for websocket upgrades.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization_required", "message": "Authorization token is required"})
			return
		}

		claims, err := utils.ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "message": "Invalid or expired token"})
			return
		}

		c.Set(ContextUserName, claims.Name)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. It must run after
// JWTAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextUserRole) != utils.RoleAdmin {
			err := apperrors.Authorization("admin role required")
			c.AbortWithStatusJSON(apperrors.HTTPStatus(err), gin.H{"error": err.Kind, "message": err.Message})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
