package handlers

import (
	"errors"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/pkg/utils"
)

// RegisterClient creates or refreshes a rider account keyed by phone.
func RegisterClient(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
			Name  string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if !utils.IsE164(input.Phone) {
			c.JSON(400, gin.H{"error": "Numero invalide, format attendu +243..."})
			return
		}

		var client models.Client
		err := db.Where("phone = ?", input.Phone).First(&client).Error
		switch {
		case err == nil:
			client.Name = input.Name
			if err := db.Save(&client).Error; err != nil {
				c.JSON(500, gin.H{"error": "Erreur serveur"})
				return
			}
			c.JSON(200, client)
		case errors.Is(err, gorm.ErrRecordNotFound):
			client = models.Client{Phone: input.Phone, Name: input.Name}
			if err := db.Create(&client).Error; err != nil {
				c.JSON(500, gin.H{"error": "Erreur serveur"})
				return
			}
			c.JSON(201, client)
		default:
			c.JSON(500, gin.H{"error": "Erreur serveur"})
		}
	}
}

// RequestClientOTP sends a verification code to a rider's phone. Codes
// live in their own table since clients carry no credential columns.
func RequestClientOTP(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var client models.Client
		if err := db.Where("phone = ?", input.Phone).First(&client).Error; err != nil {
			c.JSON(404, gin.H{"error": "Client introuvable"})
			return
		}

		code := utils.GenerateOTP()
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		otp := models.OTPCode{
			Phone:     input.Phone,
			Purpose:   "client_verify",
			CodeHash:  string(hash),
			ExpiresAt: time.Now().Add(utils.OTPExpiration),
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("phone = ? AND purpose = ?", input.Phone, "client_verify").
				Delete(&models.OTPCode{}).Error; err != nil {
				return err
			}
			return tx.Create(&otp).Error
		})
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		if err := utils.SendOTPSMS(input.Phone, code, int(utils.OTPExpiration.Minutes())); err != nil {
			log.Printf("send OTP to client %s: %v", input.Phone, err)
			c.JSON(502, gin.H{"error": "Echec d'envoi du SMS"})
			return
		}

		c.JSON(200, gin.H{"sent": true})
	}
}

// VerifyClientOTP checks the code and marks the rider verified.
func VerifyClientOTP(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
			Code  string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var otp models.OTPCode
		err := db.Where("phone = ? AND purpose = ? AND used = ?", input.Phone, "client_verify", false).
			First(&otp).Error
		if err != nil || time.Now().After(otp.ExpiresAt) {
			c.JSON(401, gin.H{"error": "Code invalide ou expire"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(input.Code)) != nil {
			db.Model(&otp).Update("attempts", gorm.Expr("attempts + 1"))
			c.JSON(401, gin.H{"error": "Code invalide ou expire"})
			return
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&otp).Update("used", true).Error; err != nil {
				return err
			}
			return tx.Model(&models.Client{}).Where("phone = ?", input.Phone).
				Update("verified", true).Error
		})
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		c.JSON(200, gin.H{"verified": true})
	}
}

// UpdateClientFCMToken stores the rider device token.
func UpdateClientFCMToken(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res := db.Model(&models.Client{}).Where("phone = ?", input.Phone).
			Update("fcm_token", input.Token)
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Client introuvable"})
			return
		}
		c.JSON(200, gin.H{"ok": true})
	}
}

// GetClient returns a rider profile by phone.
func GetClient(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Query("phone")
		if phone == "" {
			c.JSON(400, gin.H{"error": "phone is required"})
			return
		}

		var client models.Client
		if err := db.Where("phone = ?", phone).First(&client).Error; err != nil {
			c.JSON(404, gin.H{"error": "Client introuvable"})
			return
		}
		c.JSON(200, client)
	}
}
