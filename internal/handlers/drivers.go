package handlers

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/internal/services"
	"github.com/kiese-app/kiese-backend/pkg/utils"
)

// PingPosition records a driver heartbeat: position and last_seen. The
// position is mirrored to Redis and streamed to the client of any ride
// the driver is currently on.
func PingPosition(db *gorm.DB, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Pointers so a coordinate of exactly zero still binds.
		var input struct {
			Phone string   `json:"phone" binding:"required"`
			Lat   *float64 `json:"lat" binding:"required"`
			Lng   *float64 `json:"lng" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res := db.Model(&models.Driver{}).Where("phone = ?", input.Phone).
			Updates(map[string]interface{}{
				"lat":       *input.Lat,
				"lng":       *input.Lng,
				"last_seen": time.Now(),
			})
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}

		if err := services.SetDriverPosition(c.Request.Context(), input.Phone, *input.Lat, *input.Lng); err != nil {
			log.Printf("mirror position for %s: %v", input.Phone, err)
		}

		// Stream to the client of an active ride, if any.
		var active models.Ride
		err := db.Where("driver_phone = ? AND status IN ?", input.Phone,
			[]string{models.RideStatusCourseAcceptee, models.RideStatusEnCours}).
			First(&active).Error
		if err == nil && hub != nil {
			hub.NotifyDriverPosition(active.ClientPhone, services.DriverPositionEvent{
				DriverPhone: input.Phone,
				Lat:         *input.Lat,
				Lng:         *input.Lng,
			})
		}

		c.JSON(200, gin.H{"ok": true})
	}
}

// UpdateAvailability flips a driver's opt-in flag. It never touches
// on_ride; a driver going unavailable mid-ride still finishes that ride.
func UpdateAvailability(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone     string `json:"phone" binding:"required"`
			Available *bool  `json:"available" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res := db.Model(&models.Driver{}).Where("phone = ?", input.Phone).
			Updates(map[string]interface{}{
				"available": *input.Available,
				"last_seen": time.Now(),
			})
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}

		if err := services.SetDriverAvailability(c.Request.Context(), input.Phone, *input.Available); err != nil {
			log.Printf("mirror availability for %s: %v", input.Phone, err)
		}

		c.JSON(200, gin.H{"phone": input.Phone, "available": *input.Available})
	}
}

// GetDriverStatus returns the driver fields the app dashboard shows.
func GetDriverStatus(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Query("phone")
		if phone == "" {
			c.JSON(400, gin.H{"error": "phone is required"})
			return
		}

		var driver models.Driver
		if err := db.Where("phone = ?", phone).First(&driver).Error; err != nil {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}

		c.JSON(200, gin.H{
			"phone":     driver.Phone,
			"name":      driver.Name,
			"available": driver.Available,
			"onRide":    driver.OnRide,
			"blocked":   driver.Blocked,
			"solde":     driver.Solde,
			"photo":     driver.Photo,
		})
	}
}

// GetDriverHistory lists a driver's finished rides for a period
// (jour, semaine or mois) with earnings and commission totals.
func GetDriverHistory(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Query("phone")
		if phone == "" {
			c.JSON(400, gin.H{"error": "phone is required"})
			return
		}

		periode := c.DefaultQuery("periode", "jour")
		var since time.Time
		now := time.Now()
		switch periode {
		case "jour":
			since = now.AddDate(0, 0, -1)
		case "semaine":
			since = now.AddDate(0, 0, -7)
		case "mois":
			since = now.AddDate(0, -1, 0)
		case "annee":
			since = now.AddDate(-1, 0, 0)
		default:
			c.JSON(400, gin.H{"error": "periode must be jour, semaine, mois or annee"})
			return
		}

		var history []models.Ride
		err := db.Where("driver_phone = ? AND status = ? AND finished_at >= ?",
			phone, models.RideStatusTerminee, since).
			Order("finished_at DESC").Find(&history).Error
		if err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		totalEarnings, totalCommission := 0, 0
		for _, r := range history {
			if r.ConfirmedPrice != nil {
				totalEarnings += *r.ConfirmedPrice
			}
			totalCommission += r.Commission
		}

		c.JSON(200, gin.H{
			"periode":         periode,
			"rides":           history,
			"count":           len(history),
			"totalEarnings":   totalEarnings,
			"totalCommission": totalCommission,
		})
	}
}

// RequestDriverOTP sends a login code to a registered driver's phone.
func RequestDriverOTP(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var driver models.Driver
		if err := db.Where("phone = ?", input.Phone).First(&driver).Error; err != nil {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}
		if driver.Blocked {
			c.JSON(403, gin.H{"error": "Compte bloque"})
			return
		}

		code := utils.GenerateOTP()
		if err := driver.SetOTP(code, utils.OTPExpiration); err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if err := db.Model(&driver).Updates(map[string]interface{}{
			"otp_hash":    driver.OTPHash,
			"otp_expires": driver.OTPExpires,
		}).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		if err := utils.SendOTPSMS(driver.Phone, code, int(utils.OTPExpiration.Minutes())); err != nil {
			log.Printf("send OTP to driver %s: %v", driver.Phone, err)
			c.JSON(502, gin.H{"error": "Echec d'envoi du SMS"})
			return
		}

		c.JSON(200, gin.H{"sent": true})
	}
}

// VerifyDriverOTP checks the code and returns the driver profile.
func VerifyDriverOTP(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
			Code  string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		var driver models.Driver
		if err := db.Where("phone = ?", input.Phone).First(&driver).Error; err != nil {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}
		if !driver.CheckOTP(input.Code) {
			c.JSON(401, gin.H{"error": "Code invalide ou expire"})
			return
		}

		// Single use.
		if err := db.Model(&driver).Updates(map[string]interface{}{
			"otp_hash":    "",
			"otp_expires": nil,
			"last_seen":   time.Now(),
		}).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}

		c.JSON(200, driver)
	}
}

// UpdateDriverFCMToken stores the device token used for ride offers.
func UpdateDriverFCMToken(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Phone string `json:"phone" binding:"required"`
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res := db.Model(&models.Driver{}).Where("phone = ?", input.Phone).
			Update("fcm_token", input.Token)
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}
		c.JSON(200, gin.H{"ok": true})
	}
}

// UploadDriverPhoto stores a driver profile photo and saves its URL.
func UploadDriverPhoto(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.PostForm("phone")
		if phone == "" {
			c.JSON(400, gin.H{"error": "phone is required"})
			return
		}

		file, err := c.FormFile("photo")
		if err != nil {
			c.JSON(400, gin.H{"error": "photo file is required"})
			return
		}

		url, err := services.UploadDriverPhoto(file)
		if err != nil {
			log.Printf("upload photo for %s: %v", phone, err)
			c.JSON(500, gin.H{"error": "Echec du televersement"})
			return
		}

		res := db.Model(&models.Driver{}).Where("phone = ?", phone).Update("photo", url)
		if res.Error != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}

		c.JSON(200, gin.H{"photo": url})
	}
}
