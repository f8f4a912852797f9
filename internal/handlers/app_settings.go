package handlers

import (
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/models"
)

const rechargeNumbersKey = "recharge_numbers"

// GetRechargeNumbers returns the mobile-money numbers drivers use to
// top up their solde.
func GetRechargeNumbers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var setting models.AppSetting
		err := db.Where("key = ?", rechargeNumbersKey).First(&setting).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(200, gin.H{"numbers": []string{}})
			return
		}
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		var numbers []string
		if err := json.Unmarshal([]byte(setting.Value), &numbers); err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		c.JSON(200, gin.H{"numbers": numbers})
	}
}

// SetRechargeNumbers replaces the recharge number list. Agent-only.
func SetRechargeNumbers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Numbers []string `json:"numbers" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		value, err := json.Marshal(input.Numbers)
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		setting := models.AppSetting{Key: rechargeNumbersKey, Value: string(value)}
		if err := db.Save(&setting).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		c.JSON(200, gin.H{"numbers": input.Numbers})
	}
}
