package handlers

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/pkg/utils"
)

// RequestAgentOTP sends a login code to an operator agent's phone.
func RequestAgentOTP(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var agent models.Agent
		if err := db.Where("phone = ?", input.Phone).First(&agent).Error; err != nil {
			c.JSON(404, gin.H{"error": "Agent introuvable"})
			return
		}

		code := utils.GenerateOTP()
		if err := agent.SetOTP(code, utils.OTPExpiration); err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if err := db.Model(&agent).Updates(map[string]interface{}{
			"otp_hash":    agent.OTPHash,
			"otp_expires": agent.OTPExpires,
		}).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		if err := utils.SendOTPSMS(agent.Phone, code, int(utils.OTPExpiration.Minutes())); err != nil {
			log.Printf("send OTP to agent %s: %v", agent.Phone, err)
			c.JSON(502, gin.H{"error": "Echec d'envoi du SMS"})
			return
		}

		c.JSON(200, gin.H{"sent": true})
	}
}

// VerifyAgentOTP exchanges a valid code for a long-lived bearer token.
func VerifyAgentOTP(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
			Code  string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var agent models.Agent
		if err := db.Where("phone = ?", input.Phone).First(&agent).Error; err != nil {
			c.JSON(404, gin.H{"error": "Agent introuvable"})
			return
		}
		if !agent.CheckOTP(input.Code) {
			c.JSON(401, gin.H{"error": "Code invalide ou expire"})
			return
		}

		if err := db.Model(&agent).Updates(map[string]interface{}{
			"otp_hash":    "",
			"otp_expires": nil,
		}).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		token, err := utils.GenerateAgentToken(agent.AgentID, agent.Phone)
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		c.JSON(200, gin.H{
			"token": token,
			"agent": gin.H{"id": agent.AgentID, "name": agent.Name, "phone": agent.Phone},
		})
	}
}

// CreateAgent registers a new operator agent. Agent-only, so the first
// agent must be seeded directly in the database.
func CreateAgent(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Name  string `json:"name" binding:"required"`
			Phone string `json:"phone" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if !utils.IsE164(input.Phone) {
			c.JSON(400, gin.H{"error": "Numero invalide, format attendu +243..."})
			return
		}

		agent := models.Agent{
			AgentID: uuid.NewString(),
			Name:    input.Name,
			Phone:   input.Phone,
		}
		if err := db.Create(&agent).Error; err != nil {
			c.JSON(409, gin.H{"error": "Ce numero est deja enregistre"})
			return
		}
		log.Printf("agent %v created agent %s (%s)", c.GetString("agentId"), agent.AgentID, agent.Phone)
		c.JSON(201, gin.H{"id": agent.AgentID, "name": agent.Name, "phone": agent.Phone})
	}
}

// RegisterDriver onboards a new driver. Agent-only.
func RegisterDriver(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone   string `json:"phone" binding:"required"`
			Name    string `json:"name" binding:"required"`
			Plaque  string `json:"plaque" binding:"required"`
			Couleur string `json:"couleur"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if !utils.IsE164(input.Phone) {
			c.JSON(400, gin.H{"error": "Numero invalide, format attendu +243..."})
			return
		}

		driver := models.Driver{
			Phone:   input.Phone,
			Name:    input.Name,
			Plaque:  input.Plaque,
			Couleur: input.Couleur,
		}
		if err := db.Create(&driver).Error; err != nil {
			c.JSON(409, gin.H{"error": "Ce numero est deja enregistre"})
			return
		}

		c.JSON(201, driver)
	}
}

// CreditDriverSolde adds a mobile-money recharge to a driver's balance.
// Agent-only.
func CreditDriverSolde(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone  string `json:"phone" binding:"required"`
			Amount int    `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if input.Amount <= 0 {
			c.JSON(400, gin.H{"error": "amount must be positive"})
			return
		}

		res := db.Model(&models.Driver{}).Where("phone = ?", input.Phone).
			Update("solde", gorm.Expr("solde + ?", input.Amount))
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}

		var driver models.Driver
		if err := db.Where("phone = ?", input.Phone).First(&driver).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		log.Printf("agent %v credited %d CDF to driver %s", c.GetString("agentId"), input.Amount, input.Phone)
		c.JSON(200, gin.H{"phone": driver.Phone, "solde": driver.Solde})
	}
}

// BlockDriver toggles a driver's blocked flag. Agent-only.
func BlockDriver(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone   string `json:"phone" binding:"required"`
			Blocked *bool  `json:"blocked" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res := db.Model(&models.Driver{}).Where("phone = ?", input.Phone).
			Update("blocked", *input.Blocked)
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}
		c.JSON(200, gin.H{"phone": input.Phone, "blocked": *input.Blocked})
	}
}
