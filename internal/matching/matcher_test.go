package matching

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kiese-app/kiese-backend/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:matching_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Driver{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedDriver(t *testing.T, db *gorm.DB, phone string, lat, lng float64, mods ...func(*models.Driver)) {
	t.Helper()
	d := models.Driver{
		Phone:     phone,
		Name:      "Driver " + phone,
		Lat:       lat,
		Lng:       lng,
		Available: true,
		Solde:     10000,
		LastSeen:  time.Now(),
	}
	for _, mod := range mods {
		mod(&d)
	}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("seed driver %s: %v", phone, err)
	}
}

// Kinshasa city center, used as the ride origin everywhere below.
const (
	originLat = -4.3250
	originLng = 15.3222
)

func TestReserveNearest_PicksClosest(t *testing.T) {
	db := newTestDB(t)
	// roughly 1.1 km and 5.5 km north of the origin
	seedDriver(t, db, "+243810000001", originLat+0.01, originLng)
	seedDriver(t, db, "+243810000002", originLat+0.05, originLng)

	d, err := ReserveNearest(db, Params{OriginLat: originLat, OriginLng: originLng})
	if err != nil {
		t.Fatalf("ReserveNearest: %v", err)
	}
	if d == nil || d.Phone != "+243810000001" {
		t.Fatalf("got %+v, want closest driver", d)
	}
	if !d.OnRide {
		t.Fatal("returned driver not marked on ride")
	}

	var stored models.Driver
	if err := db.Where("phone = ?", d.Phone).First(&stored).Error; err != nil {
		t.Fatalf("load driver: %v", err)
	}
	if !stored.OnRide {
		t.Fatal("reservation not persisted")
	}
}

func TestReserveNearest_WidensRadius(t *testing.T) {
	db := newTestDB(t)
	// about 8.8 km away: outside the 3 and 6 km rings, inside 10 km
	seedDriver(t, db, "+243810000001", originLat+0.08, originLng)

	d, err := ReserveNearest(db, Params{OriginLat: originLat, OriginLng: originLng})
	if err != nil {
		t.Fatalf("ReserveNearest: %v", err)
	}
	if d == nil {
		t.Fatal("no driver found inside the widened radius")
	}
}

func TestReserveNearest_NobodyInRange(t *testing.T) {
	db := newTestDB(t)
	// about 110 km away, beyond the last ring
	seedDriver(t, db, "+243810000001", originLat+1.0, originLng)

	d, err := ReserveNearest(db, Params{OriginLat: originLat, OriginLng: originLng})
	if err != nil {
		t.Fatalf("ReserveNearest: %v", err)
	}
	if d != nil {
		t.Fatalf("reserved out-of-range driver %s", d.Phone)
	}
}

func TestReserveNearest_FiltersIneligible(t *testing.T) {
	db := newTestDB(t)
	seedDriver(t, db, "+243810000001", originLat, originLng, func(d *models.Driver) { d.Available = false })
	seedDriver(t, db, "+243810000002", originLat, originLng, func(d *models.Driver) { d.OnRide = true })
	seedDriver(t, db, "+243810000003", originLat, originLng, func(d *models.Driver) { d.Blocked = true })
	seedDriver(t, db, "+243810000004", originLat, originLng, func(d *models.Driver) { d.Solde = 100 })
	seedDriver(t, db, "+243810000005", originLat, originLng, func(d *models.Driver) {
		d.LastSeen = time.Now().Add(-time.Hour)
	})

	d, err := ReserveNearest(db, Params{OriginLat: originLat, OriginLng: originLng, MinSolde: 5000})
	if err != nil {
		t.Fatalf("ReserveNearest: %v", err)
	}
	if d != nil {
		t.Fatalf("reserved ineligible driver %s", d.Phone)
	}
}

func TestReserveNearest_Exclusions(t *testing.T) {
	db := newTestDB(t)
	seedDriver(t, db, "+243810000001", originLat, originLng)
	seedDriver(t, db, "+243810000002", originLat+0.02, originLng)

	d, err := ReserveNearest(db, Params{
		OriginLat: originLat,
		OriginLng: originLng,
		Exclude:   models.PhoneList{"+243810000001"},
	})
	if err != nil {
		t.Fatalf("ReserveNearest: %v", err)
	}
	if d == nil || d.Phone != "+243810000002" {
		t.Fatalf("got %+v, want the non-excluded driver", d)
	}
}

func TestReserve_SecondCallerLoses(t *testing.T) {
	db := newTestDB(t)
	seedDriver(t, db, "+243810000001", originLat, originLng)

	ok, err := Reserve(db, "+243810000001")
	if err != nil || !ok {
		t.Fatalf("first reservation: ok=%v err=%v", ok, err)
	}
	ok, err = Reserve(db, "+243810000001")
	if err != nil {
		t.Fatalf("second reservation: %v", err)
	}
	if ok {
		t.Fatal("driver reserved twice")
	}
}

func TestReserveNearest_SingleDriverAwardedOnce(t *testing.T) {
	db := newTestDB(t)
	seedDriver(t, db, "+243810000001", originLat, originLng)

	wins := 0
	for i := 0; i < 8; i++ {
		d, err := ReserveNearest(db, Params{OriginLat: originLat, OriginLng: originLng})
		if err != nil {
			t.Fatalf("ReserveNearest: %v", err)
		}
		if d != nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("driver awarded %d times, want exactly once", wins)
	}
}

func TestReserve_ConcurrentCallersExactlyOneWins(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite takes one writer at a time; a single connection keeps the
	// statements serialized while the callers still interleave.
	sqlDB.SetMaxOpenConns(1)
	seedDriver(t, db, "+243810000001", originLat, originLng)

	const callers = 8
	results := make(chan bool, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := Reserve(db, "+243810000001")
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			results <- ok
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d callers reserved the driver, want exactly 1", won)
	}
}

func TestRelease_KeepsAvailability(t *testing.T) {
	db := newTestDB(t)
	seedDriver(t, db, "+243810000001", originLat, originLng, func(d *models.Driver) { d.OnRide = true })

	if err := Release(db, "+243810000001"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	var d models.Driver
	if err := db.Where("phone = ?", "+243810000001").First(&d).Error; err != nil {
		t.Fatalf("load driver: %v", err)
	}
	if d.OnRide {
		t.Fatal("driver still on ride after release")
	}
	if !d.Available {
		t.Fatal("release must not flip availability")
	}
}
