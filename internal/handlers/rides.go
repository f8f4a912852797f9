package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/internal/rides"
	"github.com/kiese-app/kiese-backend/internal/services"
)

// rideID parses the :id path parameter.
func rideID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(400, gin.H{"error": "Invalid ride id"})
		return 0, false
	}
	return uint(id), true
}

// rideError maps service sentinel errors to HTTP responses.
func rideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rides.ErrRideNotFound):
		c.JSON(404, gin.H{"error": "Course introuvable"})
	case errors.Is(err, rides.ErrNoDriverAvailable):
		c.JSON(404, gin.H{"error": "Aucun chauffeur disponible"})
	case errors.Is(err, rides.ErrMaxAttemptsReached):
		c.JSON(409, gin.H{"error": "Nombre maximum de tentatives atteint"})
	case errors.Is(err, rides.ErrReassignBusy), errors.Is(err, rides.ErrSearchActive):
		c.JSON(409, gin.H{"error": "Recherche de chauffeur deja en cours"})
	case errors.Is(err, rides.ErrAlreadyAssigned):
		c.JSON(409, gin.H{"error": "La course a deja un chauffeur"})
	case errors.Is(err, rides.ErrRideTerminal):
		c.JSON(409, gin.H{"error": "Course deja terminee ou annulee"})
	case errors.Is(err, rides.ErrPriceNotConfirmed):
		c.JSON(409, gin.H{"error": "Prix non confirme"})
	case errors.Is(err, rides.ErrInvalidCoordinates),
		errors.Is(err, rides.ErrMissingOrigin):
		c.JSON(400, gin.H{"error": err.Error()})
	default:
		c.JSON(500, gin.H{"error": "Erreur serveur"})
	}
}

// CreateNegotiation creates a ride from a client's opening offer and
// reserves the nearest available driver. When no driver can be reserved
// nothing is persisted and the client gets a 404.
func CreateNegotiation(svc *rides.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Pointers so a coordinate of exactly zero still binds.
		var input struct {
			ClientName  string   `json:"clientName" binding:"required"`
			ClientPhone string   `json:"clientPhone" binding:"required"`
			OriginLat   *float64 `json:"originLat" binding:"required"`
			OriginLng   *float64 `json:"originLng" binding:"required"`
			DestLat     *float64 `json:"destLat" binding:"required"`
			DestLng     *float64 `json:"destLng" binding:"required"`
			Prix        int      `json:"prix" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.Create(c.Request.Context(), rides.CreateParams{
			ClientName:   input.ClientName,
			ClientPhone:  input.ClientPhone,
			OriginLat:    *input.OriginLat,
			OriginLng:    *input.OriginLng,
			DestLat:      *input.DestLat,
			DestLng:      *input.DestLng,
			InitialOffer: input.Prix,
		})
		if err != nil {
			if errors.Is(err, rides.ErrNoDriverAvailable) {
				c.JSON(404, gin.H{"error": "Aucun chauffeur disponible"})
				return
			}
			if errors.Is(err, rides.ErrInvalidCoordinates) {
				c.JSON(400, gin.H{"error": err.Error()})
				return
			}
			// Offer validation failures come from the negotiation package.
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		c.JSON(201, gin.H{
			"ride": res.Ride,
			"driver": gin.H{
				"phone":   res.Driver.Phone,
				"name":    res.Driver.Name,
				"plaque":  res.Driver.Plaque,
				"couleur": res.Driver.Couleur,
				"photo":   res.Driver.Photo,
				"lat":     res.Driver.Lat,
				"lng":     res.Driver.Lng,
			},
			"etaToClient":      res.EtaToClient,
			"etaToDestination": res.EtaToDestination,
		})
	}
}

// PostDiscussionMessage appends one negotiation message to a ride and
// reports the resulting state transition.
func PostDiscussionMessage(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}

		var input struct {
			From   string `json:"from" binding:"required"`
			Kind   string `json:"kind" binding:"required"`
			Amount int    `json:"amount"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.PostMessage(c.Request.Context(), id,
			models.MessageSender(input.From), models.MessageKind(input.Kind), input.Amount)
		if err != nil {
			// A driver refusal rewrites the ride even when the replacement
			// search fails; push the update before reporting the outcome.
			// The ride stays visible as searching via GET /:id/status.
			if res != nil && res.Ride != nil {
				notifyRideEvent(hub, res.Ride)
			}
			switch {
			case errors.Is(err, rides.ErrRideNotFound),
				errors.Is(err, rides.ErrRideTerminal),
				errors.Is(err, rides.ErrNoDriverAvailable),
				errors.Is(err, rides.ErrMaxAttemptsReached):
				rideError(c, err)
			default:
				c.JSON(400, gin.H{"error": err.Error()})
			}
			return
		}

		response := gin.H{
			"ride":       res.Ride,
			"cancelled":  res.Cancelled,
			"confirmed":  res.Confirmed,
			"reassigned": res.Reassigned,
		}
		if res.NewDriver != nil {
			response["newDriver"] = gin.H{
				"phone":   res.NewDriver.Phone,
				"name":    res.NewDriver.Name,
				"plaque":  res.NewDriver.Plaque,
				"couleur": res.NewDriver.Couleur,
			}
		}

		notifyRideEvent(hub, res.Ride)
		c.JSON(200, response)
	}
}

// GetDiscussion returns the current negotiation log and the archives of
// earlier driver pairings.
func GetDiscussion(svc *rides.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}
		ride, err := svc.Get(id)
		if err != nil {
			rideError(c, err)
			return
		}
		c.JSON(200, gin.H{
			"discussion":         ride.Discussion,
			"archivedDiscussion": ride.ArchivedDiscussion,
			"negotiationStatus":  ride.NegotiationStatus,
			"proposedPrice":      ride.ProposedPrice,
			"confirmedPrice":     ride.ConfirmedPrice,
		})
	}
}

// ConfirmPrice records the driver's acceptance of the proposed price.
func ConfirmPrice(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}
		ride, err := svc.ConfirmPrice(c.Request.Context(), id)
		if err != nil {
			rideError(c, err)
			return
		}
		notifyRideEvent(hub, ride)
		c.JSON(200, ride)
	}
}

// StartRide marks the ride as underway.
func StartRide(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}
		ride, err := svc.Start(c.Request.Context(), id)
		if err != nil {
			rideError(c, err)
			return
		}
		notifyRideEvent(hub, ride)
		c.JSON(200, ride)
	}
}

// FinishRide completes the ride and returns the commission deducted from
// the driver's solde. Finishing twice is safe.
func FinishRide(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}

		var input struct {
			Route string `json:"route"`
		}
		// Route is optional; ignore body parse errors on empty bodies.
		_ = c.ShouldBindJSON(&input)

		commission, err := svc.Finish(c.Request.Context(), id, input.Route)
		if err != nil {
			rideError(c, err)
			return
		}

		if ride, getErr := svc.Get(id); getErr == nil {
			notifyRideEvent(hub, ride)
		}
		c.JSON(200, gin.H{"commission": commission, "status": models.RideStatusTerminee})
	}
}

// CancelRide cancels on behalf of the client, or swaps the driver out
// when the driver is the one walking away.
func CancelRide(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}

		var input struct {
			By     string `json:"by" binding:"required"`
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		switch input.By {
		case models.CancelledByClient:
			ride, err := svc.CancelByClient(c.Request.Context(), id, input.Reason)
			if err != nil {
				rideError(c, err)
				return
			}
			notifyRideEvent(hub, ride)
			c.JSON(200, ride)

		case models.CancelledByDriver:
			driver, err := svc.CancelByDriver(c.Request.Context(), id, input.Reason)
			if err != nil {
				if errors.Is(err, rides.ErrNoDriverAvailable) || errors.Is(err, rides.ErrMaxAttemptsReached) {
					c.JSON(200, gin.H{"reassigned": false, "searching": errors.Is(err, rides.ErrNoDriverAvailable)})
					return
				}
				rideError(c, err)
				return
			}
			c.JSON(200, gin.H{"reassigned": true, "newDriver": gin.H{
				"phone":   driver.Phone,
				"name":    driver.Name,
				"plaque":  driver.Plaque,
				"couleur": driver.Couleur,
			}})

		default:
			c.JSON(400, gin.H{"error": "by must be client or driver"})
		}
	}
}

// GetRideStatus returns the lifecycle fields the apps poll.
func GetRideStatus(svc *rides.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}
		ride, err := svc.Get(id)
		if err != nil {
			rideError(c, err)
			return
		}
		c.JSON(200, gin.H{
			"status":            ride.Status,
			"negotiationStatus": ride.NegotiationStatus,
			"driverPhone":       ride.DriverPhone,
			"confirmedPrice":    ride.ConfirmedPrice,
			"reassignAttempts":  ride.ReassignAttempts,
		})
	}
}

// GetRide returns the full ride record plus the assigned driver's card.
func GetRide(svc *rides.Service, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}
		ride, err := svc.Get(id)
		if err != nil {
			rideError(c, err)
			return
		}
		response := gin.H{"ride": ride}
		if ride.DriverPhone != nil && *ride.DriverPhone != "" {
			var driver models.Driver
			if err := db.Where("phone = ?", *ride.DriverPhone).First(&driver).Error; err == nil {
				response["driver"] = gin.H{
					"phone":   driver.Phone,
					"name":    driver.Name,
					"plaque":  driver.Plaque,
					"couleur": driver.Couleur,
					"photo":   driver.Photo,
				}
			}
		}
		c.JSON(200, response)
	}
}

// GetRideDriverPosition returns the assigned driver's last position,
// served from the Redis mirror when fresh, from Postgres otherwise.
func GetRideDriverPosition(svc *rides.Service, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}
		ride, err := svc.Get(id)
		if err != nil {
			rideError(c, err)
			return
		}
		if ride.DriverPhone == nil || *ride.DriverPhone == "" {
			c.JSON(404, gin.H{"error": "Aucun chauffeur assigne"})
			return
		}

		if lat, lng, err := services.GetDriverPosition(c.Request.Context(), *ride.DriverPhone); err == nil {
			c.JSON(200, gin.H{"phone": *ride.DriverPhone, "lat": lat, "lng": lng})
			return
		}

		var driver models.Driver
		if err := db.Where("phone = ?", *ride.DriverPhone).First(&driver).Error; err != nil {
			c.JSON(404, gin.H{"error": "Chauffeur introuvable"})
			return
		}
		c.JSON(200, gin.H{"phone": driver.Phone, "lat": driver.Lat, "lng": driver.Lng})
	}
}

// GetPendingRides lists the rides currently offered to a driver.
func GetPendingRides(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Query("phone")
		if phone == "" {
			c.JSON(400, gin.H{"error": "phone is required"})
			return
		}

		var pending []models.Ride
		if err := db.Where("driver_phone = ? AND status = ?", phone, models.RideStatusEnAttente).
			Order("created_at DESC").Find(&pending).Error; err != nil {
			c.JSON(500, gin.H{"error": "Erreur serveur"})
			return
		}
		c.JSON(200, pending)
	}
}

// ReassignRide forces a driver swap on the ride.
func ReassignRide(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}

		var input struct {
			ClearExclusions bool `json:"clearExclusions"`
		}
		_ = c.ShouldBindJSON(&input)

		driver, err := svc.Reassign(c.Request.Context(), id, rides.ReassignOptions{
			ClearExclusions: input.ClearExclusions,
		})
		if err != nil {
			if errors.Is(err, rides.ErrNoDriverAvailable) {
				c.JSON(200, gin.H{"reassigned": false, "searching": true})
				return
			}
			rideError(c, err)
			return
		}

		if ride, getErr := svc.Get(id); getErr == nil {
			notifyRideEvent(hub, ride)
		}
		c.JSON(200, gin.H{"reassigned": true, "newDriver": gin.H{
			"phone":   driver.Phone,
			"name":    driver.Name,
			"plaque":  driver.Plaque,
			"couleur": driver.Couleur,
		}})
	}
}

// EnsureReassignRide retries the driver search only when the ride has no
// driver and no search is running. Safe to call from a polling client.
func EnsureReassignRide(svc *rides.Service, hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := rideID(c)
		if !ok {
			return
		}

		driver, err := svc.EnsureReassign(c.Request.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, rides.ErrAlreadyAssigned):
				c.JSON(200, gin.H{"reassigned": false, "alreadyAssigned": true})
			case errors.Is(err, rides.ErrSearchActive), errors.Is(err, rides.ErrReassignBusy):
				c.JSON(200, gin.H{"reassigned": false, "searching": true})
			case errors.Is(err, rides.ErrNoDriverAvailable):
				c.JSON(200, gin.H{"reassigned": false, "searching": true})
			default:
				rideError(c, err)
			}
			return
		}

		if ride, getErr := svc.Get(id); getErr == nil {
			notifyRideEvent(hub, ride)
		}
		c.JSON(200, gin.H{"reassigned": true, "newDriver": gin.H{
			"phone":   driver.Phone,
			"name":    driver.Name,
			"plaque":  driver.Plaque,
			"couleur": driver.Couleur,
		}})
	}
}

// notifyRideEvent pushes the ride's new state to both connected apps,
// through Redis when configured so other instances' sockets see it too.
func notifyRideEvent(hub *services.Hub, ride *models.Ride) {
	if ride == nil {
		return
	}
	event := services.RideEvent{
		RideID:            ride.ID,
		Status:            ride.Status,
		NegotiationStatus: ride.NegotiationStatus,
		ConfirmedPrice:    ride.ConfirmedPrice,
	}
	driverPhone := ""
	if ride.DriverPhone != nil {
		driverPhone = *ride.DriverPhone
		event.DriverPhone = driverPhone
	}
	services.BroadcastRideEvent(context.Background(), hub, ride.ClientPhone, driverPhone, event)
}
