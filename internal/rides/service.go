package rides

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/matching"
	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/internal/negotiation"
)

// DefaultCommissionRate is the share of the confirmed price deducted
// from the driver's solde when a ride finishes.
const DefaultCommissionRate = 0.15

// Notifier delivers a push notification to a device token. Delivery is
// best-effort: failures are logged by the service, never fatal.
type Notifier interface {
	SendToToken(ctx context.Context, token, title, body string, data map[string]string) error
}

// Estimator returns a human-readable travel-duration estimate between
// two points. Used for display only, never for matching decisions.
type Estimator interface {
	EstimateDuration(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (string, error)
}

// Service drives the ride state machine on top of the relational store.
// Correctness under concurrency comes from transactions and conditional
// updates, not in-process locks, so one Service can safely serve many
// request handlers.
type Service struct {
	DB             *gorm.DB
	Notifier       Notifier
	Estimator      Estimator
	CommissionRate float64
	Radii          []float64
}

// NewService builds a Service with default commission rate and radii.
func NewService(db *gorm.DB, notifier Notifier, estimator Estimator) *Service {
	return &Service{
		DB:             db,
		Notifier:       notifier,
		Estimator:      estimator,
		CommissionRate: DefaultCommissionRate,
	}
}

// CreateParams is a client's ride request with an opening offer.
type CreateParams struct {
	ClientName   string
	ClientPhone  string
	OriginLat    float64
	OriginLng    float64
	DestLat      float64
	DestLng      float64
	InitialOffer int
}

// CreateResult carries the persisted ride, the reserved driver and the
// informational ETAs.
type CreateResult struct {
	Ride             *models.Ride
	Driver           *models.Driver
	EtaToClient      string
	EtaToDestination string
}

// Create reserves the nearest eligible driver, persists the ride and
// seeds the negotiation with the client's opening offer. When no driver
// is reservable the ride is not persisted and ErrNoDriverAvailable is
// returned.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if p.OriginLat < -90 || p.OriginLat > 90 || p.DestLat < -90 || p.DestLat > 90 ||
		p.OriginLng < -180 || p.OriginLng > 180 || p.DestLng < -180 || p.DestLng > 180 {
		return nil, ErrInvalidCoordinates
	}
	opening, err := negotiation.NewMessage(models.SenderClient, models.KindNormal, p.InitialOffer)
	if err != nil {
		return nil, err
	}

	// The offer doubles as the solde floor so commission can always be
	// deducted at finish time.
	driver, err := matching.ReserveNearest(s.DB, matching.Params{
		OriginLat: p.OriginLat,
		OriginLng: p.OriginLng,
		Radii:     s.Radii,
		MinSolde:  p.InitialOffer,
	})
	if err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, ErrNoDriverAvailable
	}

	ride := &models.Ride{
		ClientName:          p.ClientName,
		ClientPhone:         p.ClientPhone,
		OriginLat:           p.OriginLat,
		OriginLng:           p.OriginLng,
		DestLat:             p.DestLat,
		DestLng:             p.DestLng,
		DriverPhone:         &driver.Phone,
		Status:              models.RideStatusEnAttente,
		NegotiationStatus:   models.NegotiationEnAttente,
		ProposedPrice:       p.InitialOffer,
		Discussion:          models.Discussion{opening},
		ArchivedDiscussion:  models.DiscussionArchive{},
		ContactedPhones:     models.PhoneList{driver.Phone},
		MaxReassignAttempts: models.DefaultMaxReassignAttempts,
	}
	if err := s.DB.Create(ride).Error; err != nil {
		// The driver was already reserved; hand them back.
		if relErr := matching.Release(s.DB, driver.Phone); relErr != nil {
			log.Printf("failed to release driver %s after ride create error: %v", driver.Phone, relErr)
		}
		return nil, err
	}

	res := &CreateResult{Ride: ride, Driver: driver}
	res.EtaToClient, res.EtaToDestination = s.estimateETAs(ctx, driver, p)

	s.notifyDriver(ctx, driver.Phone, "Nouvelle course",
		fmt.Sprintf("%s propose %d CDF", p.ClientName, p.InitialOffer),
		map[string]string{
			"type":   "ride_offer",
			"rideId": fmt.Sprintf("%d", ride.ID),
		})

	return res, nil
}

// DiscussionResult reports what a posted message caused.
type DiscussionResult struct {
	Ride       *models.Ride
	Cancelled  bool
	Confirmed  bool
	Reassigned bool
	// NewDriver is set when the message triggered a successful
	// reassignment.
	NewDriver *models.Driver
}

// PostMessage appends one negotiation message and applies its state
// effects. A driver refusal hands the ride to the reassignment engine;
// a client refusal cancels the ride.
func (s *Service) PostMessage(ctx context.Context, rideID uint, from models.MessageSender, kind models.MessageKind, amount int) (*DiscussionResult, error) {
	msg, err := negotiation.NewMessage(from, kind, amount)
	if err != nil {
		return nil, err
	}

	var ride models.Ride
	res := &DiscussionResult{}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&ride, rideID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRideNotFound
			}
			return err
		}
		if ride.Terminal() {
			return ErrRideTerminal
		}

		ride.Discussion = append(ride.Discussion, msg)

		switch {
		case kind == models.KindNormal:
			ride.ProposedPrice = amount
			ride.NegotiationStatus = models.NegotiationEnAttente
		case kind == models.KindLastOffer:
			ride.ProposedPrice = amount
			ride.LastOfferFrom = string(from)
			ride.LastOfferValue = amount
		case kind == models.KindAccept && from == models.SenderClient:
			ride.ClientAccepted = true
		case kind == models.KindAccept && from == models.SenderDriver:
			confirmed := ride.ProposedPrice
			ride.ConfirmedPrice = &confirmed
			ride.NegotiationStatus = models.NegotiationConfirmee
			ride.Status = models.RideStatusCourseAcceptee
			res.Confirmed = true
		case kind == models.KindRefuse && from == models.SenderClient:
			// Walking away from the driver's final position (or any
			// driver offer) ends the ride, attributed to the client.
			ride.Status = models.RideStatusAnnulee
			ride.CancelledBy = models.CancelledByClient
			ride.CancelReason = "offre refusee"
			res.Cancelled = true
		}
		return tx.Save(&ride).Error
	})
	if err != nil {
		return nil, err
	}

	if res.Cancelled && ride.DriverPhone != nil {
		if relErr := matching.Release(s.DB, *ride.DriverPhone); relErr != nil {
			log.Printf("release driver %s after client refusal: %v", *ride.DriverPhone, relErr)
		}
		s.notifyDriver(ctx, *ride.DriverPhone, "Course annulee",
			"Le client a refuse votre derniere offre",
			map[string]string{"type": "ride_cancelled", "rideId": fmt.Sprintf("%d", ride.ID)})
	}

	// Driver refusal does not terminate the ride: swap the driver in
	// place, outside the append transaction.
	if kind == models.KindRefuse && from == models.SenderDriver {
		driver, reErr := s.Reassign(ctx, ride.ID, ReassignOptions{})
		// The reassignment engine rewrote the ride either way (archived
		// discussion, attempt counters), so reload before answering.
		if fresh, getErr := s.Get(ride.ID); getErr == nil {
			ride = *fresh
		}
		if reErr != nil {
			if errors.Is(reErr, ErrNoDriverAvailable) || errors.Is(reErr, ErrMaxAttemptsReached) {
				res.Ride = &ride
				return res, reErr
			}
			return nil, reErr
		}
		res.Reassigned = true
		res.NewDriver = driver
	}

	res.Ride = &ride
	return res, nil
}

// ConfirmPrice records the driver's acceptance of the currently proposed
// price and moves the ride to course_acceptee.
func (s *Service) ConfirmPrice(ctx context.Context, rideID uint) (*models.Ride, error) {
	var ride models.Ride
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&ride, rideID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRideNotFound
			}
			return err
		}
		if ride.Terminal() {
			return ErrRideTerminal
		}
		confirmed := ride.ProposedPrice
		ride.ConfirmedPrice = &confirmed
		ride.NegotiationStatus = models.NegotiationConfirmee
		ride.Status = models.RideStatusCourseAcceptee
		return tx.Save(&ride).Error
	})
	if err != nil {
		return nil, err
	}

	s.notifyClientOf(ctx, &ride, "Prix confirme",
		fmt.Sprintf("Votre chauffeur a confirme %d CDF", ride.ProposedPrice),
		map[string]string{"type": "price_confirmed", "rideId": fmt.Sprintf("%d", ride.ID)})
	return &ride, nil
}

// Start marks the ride as underway.
func (s *Service) Start(ctx context.Context, rideID uint) (*models.Ride, error) {
	var ride models.Ride
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&ride, rideID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRideNotFound
			}
			return err
		}
		if ride.Terminal() {
			return ErrRideTerminal
		}
		now := time.Now()
		ride.StartedAt = &now
		ride.Status = models.RideStatusEnCours
		return tx.Save(&ride).Error
	})
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// Finish completes the ride: commission is deducted from the driver's
// solde in the same transaction that flips the status, so a finished
// ride without the matching debit is never observable. Finishing an
// already terminated ride only re-releases the driver and returns the
// stored commission.
func (s *Service) Finish(ctx context.Context, rideID uint, route string) (int, error) {
	var ride models.Ride
	if err := s.DB.First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrRideNotFound
		}
		return 0, err
	}

	if ride.Status == models.RideStatusTerminee {
		if ride.DriverPhone != nil {
			if err := matching.Release(s.DB, *ride.DriverPhone); err != nil {
				log.Printf("re-release driver %s on idempotent finish: %v", *ride.DriverPhone, err)
			}
		}
		return ride.Commission, nil
	}
	if ride.Status == models.RideStatusAnnulee {
		return 0, ErrRideTerminal
	}
	if ride.ConfirmedPrice == nil {
		return 0, ErrPriceNotConfirmed
	}

	rate := s.CommissionRate
	if rate == 0 {
		rate = DefaultCommissionRate
	}
	commission := int(math.Floor(float64(*ride.ConfirmedPrice) * rate))

	raceLost := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.Ride{}).
			Where("id = ? AND status NOT IN ?", ride.ID,
				[]string{models.RideStatusTerminee, models.RideStatusAnnulee}).
			Updates(map[string]interface{}{
				"status":      models.RideStatusTerminee,
				"finished_at": now,
				"route":       route,
				"commission":  commission,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent finish or cancel committed first; skip the debit.
			raceLost = true
			return nil
		}
		if ride.DriverPhone != nil {
			if err := tx.Model(&models.Driver{}).
				Where("phone = ?", *ride.DriverPhone).
				Updates(map[string]interface{}{
					"solde":   gorm.Expr("solde - ?", commission),
					"on_ride": false,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if raceLost {
		// Report whatever the winning transition committed.
		var again models.Ride
		if err := s.DB.First(&again, rideID).Error; err != nil {
			return 0, err
		}
		if again.Status == models.RideStatusAnnulee {
			return 0, ErrRideTerminal
		}
		return again.Commission, nil
	}

	s.notifyClientOf(ctx, &ride, "Course terminee",
		"Merci d'avoir voyage avec Kiese", map[string]string{
			"type":   "ride_finished",
			"rideId": fmt.Sprintf("%d", ride.ID),
		})
	return commission, nil
}

// CancelByClient terminates the ride on the client's behalf. Calling it
// on an already terminal ride is a no-op.
func (s *Service) CancelByClient(ctx context.Context, rideID uint, reason string) (*models.Ride, error) {
	var ride models.Ride
	cancelled := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&ride, rideID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRideNotFound
			}
			return err
		}
		if ride.Terminal() {
			return nil
		}
		res := tx.Model(&models.Ride{}).
			Where("id = ? AND status NOT IN ?", ride.ID,
				[]string{models.RideStatusTerminee, models.RideStatusAnnulee}).
			Updates(map[string]interface{}{
				"status":        models.RideStatusAnnulee,
				"cancelled_by":  models.CancelledByClient,
				"cancel_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent finish or cancel committed first; keep its outcome.
			return tx.First(&ride, rideID).Error
		}
		ride.Status = models.RideStatusAnnulee
		ride.CancelledBy = models.CancelledByClient
		ride.CancelReason = reason
		cancelled = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled && ride.DriverPhone != nil {
		if relErr := matching.Release(s.DB, *ride.DriverPhone); relErr != nil {
			log.Printf("release driver %s on client cancel: %v", *ride.DriverPhone, relErr)
		}
		s.notifyDriver(ctx, *ride.DriverPhone, "Course annulee",
			"Le client a annule la course",
			map[string]string{"type": "ride_cancelled", "rideId": fmt.Sprintf("%d", ride.ID)})
	}
	return &ride, nil
}

// CancelByDriver does not terminate the ride: the refusing driver is
// swapped out and the ride keeps searching. The returned driver is nil
// when no replacement was found (the client sees "searching").
func (s *Service) CancelByDriver(ctx context.Context, rideID uint, reason string) (*models.Driver, error) {
	var ride models.Ride
	if err := s.DB.First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, err
	}
	if ride.Terminal() {
		return nil, ErrRideTerminal
	}
	driver, err := s.Reassign(ctx, rideID, ReassignOptions{})
	if errors.Is(err, ErrNoDriverAvailable) || errors.Is(err, ErrMaxAttemptsReached) {
		return nil, err
	}
	return driver, err
}

// Get loads a ride by id.
func (s *Service) Get(rideID uint) (*models.Ride, error) {
	var ride models.Ride
	if err := s.DB.First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, err
	}
	return &ride, nil
}

func (s *Service) estimateETAs(ctx context.Context, driver *models.Driver, p CreateParams) (string, string) {
	toClient, toDest := "inconnu", "inconnu"
	if s.Estimator == nil {
		return toClient, toDest
	}
	if eta, err := s.Estimator.EstimateDuration(ctx, driver.Lat, driver.Lng, p.OriginLat, p.OriginLng); err == nil {
		toClient = eta
	} else {
		log.Printf("eta driver->client estimate failed: %v", err)
	}
	if eta, err := s.Estimator.EstimateDuration(ctx, p.OriginLat, p.OriginLng, p.DestLat, p.DestLng); err == nil {
		toDest = eta
	} else {
		log.Printf("eta client->destination estimate failed: %v", err)
	}
	return toClient, toDest
}

// notifyDriver pushes to a driver's device, looked up by phone.
func (s *Service) notifyDriver(ctx context.Context, phone, title, body string, data map[string]string) {
	if s.Notifier == nil {
		return
	}
	var driver models.Driver
	if err := s.DB.Where("phone = ?", phone).First(&driver).Error; err != nil {
		log.Printf("notify driver %s: lookup failed: %v", phone, err)
		return
	}
	if driver.FCMToken == "" {
		return
	}
	if err := s.Notifier.SendToToken(ctx, driver.FCMToken, title, body, data); err != nil {
		log.Printf("notify driver %s: %v", phone, err)
	}
}

// notifyClientOf pushes to the ride's client device.
func (s *Service) notifyClientOf(ctx context.Context, ride *models.Ride, title, body string, data map[string]string) {
	if s.Notifier == nil || ride.ClientPhone == "" {
		return
	}
	var client models.Client
	if err := s.DB.Where("phone = ?", ride.ClientPhone).First(&client).Error; err != nil {
		return
	}
	if client.FCMToken == "" {
		return
	}
	if err := s.Notifier.SendToToken(ctx, client.FCMToken, title, body, data); err != nil {
		log.Printf("notify client %s: %v", ride.ClientPhone, err)
	}
}
