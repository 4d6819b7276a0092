package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"duocall-backend/pkg/jwt"
	"duocall-backend/pkg/response"
)

// TokenValidator parses and verifies bearer tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*jwt.Claims, error)
}

// AuthMiddleware validates the bearer token and admits only selfID, the
// user this agent acts for. Browsers cannot set headers on a WebSocket
// upgrade, so GET requests may pass the token as the access_token query
// parameter. On success user_id and name are set in the Gin context.
func AuthMiddleware(validator TokenValidator, selfID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if claims.UserID != selfID {
			response.Forbidden(c, "Token does not belong to this agent's user")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("name", claims.Name)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if c.Request.Method == "GET" {
		if token := c.Query("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}
