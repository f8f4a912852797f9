// Package matching finds and reserves the nearest eligible driver for a
// ride. Reservation is a conditional update flipping on_ride, so two
// concurrent searches can never award the same driver; the loser simply
// retries the next candidate at the same radius.
package matching

import (
	"math/rand"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/kiese-app/kiese-backend/internal/models"
	"github.com/kiese-app/kiese-backend/pkg/utils"
)

// DefaultRadii is the widening search sequence in kilometers.
var DefaultRadii = []float64{3, 6, 10, 15}

// PresenceWindow is how recently a driver must have pinged a position to
// be considered reachable.
const PresenceWindow = 10 * time.Minute

// Params narrows the candidate pool for one reservation attempt.
type Params struct {
	OriginLat float64
	OriginLng float64
	Exclude   models.PhoneList
	Radii     []float64
	MinSolde  int
}

type candidate struct {
	driver models.Driver
	km     float64
	jitter float64
}

// ReserveNearest returns the closest eligible driver after atomically
// marking them on_ride, or nil when no radius yields a reservation.
func ReserveNearest(db *gorm.DB, p Params) (*models.Driver, error) {
	radii := p.Radii
	if len(radii) == 0 {
		radii = DefaultRadii
	}

	cutoff := time.Now().Add(-PresenceWindow)
	q := db.Where("available = ? AND on_ride = ? AND blocked = ?", true, false, false).
		Where("solde >= ?", p.MinSolde).
		Where("last_seen > ?", cutoff)
	if len(p.Exclude) > 0 {
		q = q.Where("phone NOT IN ?", []string(p.Exclude))
	}

	var drivers []models.Driver
	if err := q.Find(&drivers).Error; err != nil {
		return nil, err
	}
	if len(drivers) == 0 {
		return nil, nil
	}

	cands := make([]candidate, 0, len(drivers))
	for _, d := range drivers {
		km := utils.HaversineDistance(p.OriginLat, p.OriginLng, d.Lat, d.Lng)
		cands = append(cands, candidate{driver: d, km: km, jitter: rand.Float64()})
	}
	// Nearest first, random tie-break so equidistant drivers share load.
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].km != cands[j].km {
			return cands[i].km < cands[j].km
		}
		return cands[i].jitter < cands[j].jitter
	})

	tried := 0
	for _, radius := range radii {
		for ; tried < len(cands) && cands[tried].km <= radius; tried++ {
			c := cands[tried]
			ok, err := Reserve(db, c.driver.Phone)
			if err != nil {
				return nil, err
			}
			if !ok {
				// Raced by a concurrent reservation; try the next
				// candidate within the same radius.
				continue
			}
			reserved := c.driver
			reserved.OnRide = true
			return &reserved, nil
		}
	}
	return nil, nil
}

// Reserve flips on_ride for a single driver. It affects zero rows when
// the driver is already engaged, making concurrent reservations safe
// without in-process locks.
func Reserve(db *gorm.DB, phone string) (bool, error) {
	res := db.Model(&models.Driver{}).
		Where("phone = ? AND on_ride = ?", phone, false).
		Update("on_ride", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release clears on_ride without touching availability: the driver stays
// online for other rides.
func Release(db *gorm.DB, phone string) error {
	return db.Model(&models.Driver{}).
		Where("phone = ?", phone).
		Update("on_ride", false).Error
}
