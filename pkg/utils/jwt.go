package utils

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerateAgentToken issues a 90-day bearer token for an operator agent.
func GenerateAgentToken(agentID, phone string) (string, error) {
	claims := jwt.MapClaims{
		"agentId": agentID,
		"phone":   phone,
		"role":    "agent",
		"exp":     time.Now().Add(time.Hour * 24 * 90).Unix(), // 90 days
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(os.Getenv("JWT_SECRET")))
}

func ValidateToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(os.Getenv("JWT_SECRET")), nil
	})
}
