package rides

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/matching"
	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/internal/negotiation"
)

// ReassignGuardTTL is how long a held reassigning flag is trusted. A
// guard older than this is considered abandoned (crashed caller) and may
// be re-acquired.
const ReassignGuardTTL = 2 * time.Minute

// ReassignOptions tune a single reassignment cycle.
type ReassignOptions struct {
	// Radii overrides the matcher's widening search sequence.
	Radii []float64
	// MinSolde overrides the solde floor derived from the negotiation.
	MinSolde int
	// ClearExclusions retries drivers that were already contacted.
	ClearExclusions bool
}

// Reassign swaps the ride's driver in place: the outgoing driver is
// released, the negotiation so far is archived under their phone, and
// the discussion is reseeded at the client's last known offer for the
// incoming driver. A per-ride single-flight guard makes concurrent calls
// safe; the loser gets ErrReassignBusy without touching the ride.
func (s *Service) Reassign(ctx context.Context, rideID uint, opts ReassignOptions) (*models.Driver, error) {
	if err := s.acquireReassignGuard(rideID); err != nil {
		return nil, err
	}
	defer s.releaseReassignGuard(rideID)

	var ride models.Ride
	if err := s.DB.First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, err
	}
	if ride.OriginLat == 0 && ride.OriginLng == 0 {
		return nil, ErrMissingOrigin
	}
	if ride.ReassignAttempts >= ride.MaxReassignAttempts {
		return nil, ErrMaxAttemptsReached
	}

	// Free the outgoing driver first so they become matchable for other
	// rides. Best-effort: a failure here must not block the swap.
	oldPhone := ""
	if ride.DriverPhone != nil {
		oldPhone = *ride.DriverPhone
		if err := matching.Release(s.DB, oldPhone); err != nil {
			log.Printf("reassign ride %d: release driver %s: %v", rideID, oldPhone, err)
		}
	}

	exclude := ride.ContactedPhones
	if opts.ClearExclusions {
		exclude = models.PhoneList{}
	}
	if oldPhone != "" {
		exclude = exclude.Union(oldPhone)
	}

	minSolde := opts.MinSolde
	if minSolde == 0 {
		minSolde = negotiation.LastClientOffer(ride.Discussion, ride.ProposedPrice)
	}

	driver, err := matching.ReserveNearest(s.DB, matching.Params{
		OriginLat: ride.OriginLat,
		OriginLng: ride.OriginLng,
		Exclude:   exclude,
		Radii:     opts.Radii,
		MinSolde:  minSolde,
	})
	if err != nil {
		return nil, err
	}

	if driver == nil {
		// Attempts count even when the search comes up empty, so a ride
		// cannot loop forever through an empty city.
		err := s.DB.Model(&models.Ride{}).Where("id = ?", rideID).
			Updates(map[string]interface{}{
				"driver_phone":      nil,
				"status":            models.RideStatusEnAttente,
				"reassign_attempts": gorm.Expr("reassign_attempts + 1"),
			}).Error
		if err != nil {
			return nil, err
		}
		return nil, ErrNoDriverAvailable
	}

	lastOffer := negotiation.LastClientOffer(ride.Discussion, ride.ProposedPrice)
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		archive := append(ride.ArchivedDiscussion, models.ArchivedDiscussion{
			DriverPhone: oldPhone,
			Messages:    ride.Discussion,
			EndedAt:     time.Now(),
		})
		return tx.Model(&models.Ride{}).Where("id = ?", rideID).
			Updates(map[string]interface{}{
				"driver_phone":            driver.Phone,
				"status":                  models.RideStatusEnAttente,
				"negotiation_status":      models.NegotiationEnAttente,
				"archived_discussion":     archive,
				"discussion":              negotiation.Seed(lastOffer),
				"contacted_driver_phones": ride.ContactedPhones.Union(driver.Phone),
				"proposed_price":          lastOffer,
				"client_accepted":         true,
				"last_offer_from":         "",
				"last_offer_value":        0,
				"reassign_attempts":       gorm.Expr("reassign_attempts + 1"),
			}).Error
	})
	if err != nil {
		// The reservation is orphaned if the swap did not commit.
		if relErr := matching.Release(s.DB, driver.Phone); relErr != nil {
			log.Printf("reassign ride %d: release orphaned driver %s: %v", rideID, driver.Phone, relErr)
		}
		return nil, err
	}

	// Re-assert the reservation: ReserveNearest already flipped on_ride,
	// this only repairs an out-of-band release between then and now.
	if _, err := matching.Reserve(s.DB, driver.Phone); err != nil {
		log.Printf("reassign ride %d: re-assert reservation of %s: %v", rideID, driver.Phone, err)
	}

	s.notifyDriver(ctx, driver.Phone, "Nouvelle course",
		fmt.Sprintf("%s propose %d CDF", ride.ClientName, lastOffer),
		map[string]string{
			"type":   "ride_offer",
			"rideId": fmt.Sprintf("%d", ride.ID),
		})

	return driver, nil
}

// EnsureReassign is the idempotent variant: it does nothing when the
// ride already has a driver or a search is already running.
func (s *Service) EnsureReassign(ctx context.Context, rideID uint) (*models.Driver, error) {
	var ride models.Ride
	if err := s.DB.First(&ride, rideID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, err
	}
	if ride.DriverPhone != nil && *ride.DriverPhone != "" {
		return nil, ErrAlreadyAssigned
	}
	if ride.Reassigning {
		return nil, ErrSearchActive
	}
	return s.Reassign(ctx, rideID, ReassignOptions{})
}

// acquireReassignGuard flips the per-ride reassigning flag only when it
// is not already held (or the holder went stale). The conditional update
// affects zero or one rows, so exactly one concurrent caller wins.
func (s *Service) acquireReassignGuard(rideID uint) error {
	staleBefore := time.Now().Add(-ReassignGuardTTL)
	res := s.DB.Model(&models.Ride{}).
		Where("id = ? AND (reassigning = ? OR reassigning_since < ?)", rideID, false, staleBefore).
		Updates(map[string]interface{}{
			"reassigning":       true,
			"reassigning_since": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := s.DB.Model(&models.Ride{}).Where("id = ?", rideID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return ErrRideNotFound
		}
		return ErrReassignBusy
	}
	return nil
}

func (s *Service) releaseReassignGuard(rideID uint) {
	err := s.DB.Model(&models.Ride{}).Where("id = ?", rideID).
		Updates(map[string]interface{}{
			"reassigning":       false,
			"reassigning_since": nil,
		}).Error
	if err != nil {
		log.Printf("release reassign guard for ride %d: %v", rideID, err)
	}
}
