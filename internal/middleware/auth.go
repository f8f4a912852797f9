package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kiese-app/kiese-backend/pkg/utils"
)

// AgentAuth guards the operator endpoints. It accepts the bearer token
// issued by the agent OTP flow, either in the Authorization header or,
// for WebSocket clients, as a token query parameter.
func AgentAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenString string

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			c.JSON(401, gin.H{"error": "Authorization header or token query parameter required"})
			c.Abort()
			return
		}

		token, err := utils.ValidateToken(tokenString)
		if err != nil || !token.Valid {
			c.JSON(401, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(401, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		role, _ := claims["role"].(string)
		if role != "agent" {
			c.JSON(403, gin.H{"error": "Agent token required"})
			c.Abort()
			return
		}

		agentID, _ := claims["agentId"].(string)
		phone, _ := claims["phone"].(string)
		c.Set("agentId", agentID)
		c.Set("agentPhone", phone)
		c.Next()
	}
}
