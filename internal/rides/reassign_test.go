package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiese-app/kiese-backend/internal/models"
)

func TestReassign_ArchivesAndReseedsNegotiation(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	// Some back and forth before the driver walks away.
	if _, err := svc.PostMessage(context.Background(), res.Ride.ID,
		models.SenderDriver, models.KindNormal, 8000); err != nil {
		t.Fatalf("counter: %v", err)
	}
	if _, err := svc.PostMessage(context.Background(), res.Ride.ID,
		models.SenderClient, models.KindNormal, 6000); err != nil {
		t.Fatalf("client offer: %v", err)
	}

	seedDriver(t, svc.DB, "+243810000002")
	out, err := svc.PostMessage(context.Background(), res.Ride.ID,
		models.SenderDriver, models.KindRefuse, 0)
	if err != nil {
		t.Fatalf("refuse: %v", err)
	}
	if !out.Reassigned || out.NewDriver == nil || out.NewDriver.Phone != "+243810000002" {
		t.Fatalf("reassignment result: %+v", out)
	}

	ride := loadRide(t, svc.DB, res.Ride.ID)
	if ride.DriverPhone == nil || *ride.DriverPhone != "+243810000002" {
		t.Fatal("new driver not recorded")
	}
	if ride.Status != models.RideStatusEnAttente || ride.NegotiationStatus != models.NegotiationEnAttente {
		t.Fatalf("status %s/%s", ride.Status, ride.NegotiationStatus)
	}

	// The first driver's negotiation is preserved under their phone.
	if len(ride.ArchivedDiscussion) != 1 {
		t.Fatalf("archive length %d", len(ride.ArchivedDiscussion))
	}
	arch := ride.ArchivedDiscussion[0]
	if arch.DriverPhone != "+243810000001" {
		t.Fatalf("archive attributed to %s", arch.DriverPhone)
	}
	// opening offer, driver counter, client offer, driver refusal
	if len(arch.Messages) != 4 {
		t.Fatalf("archived %d messages", len(arch.Messages))
	}

	// The new discussion restarts at the client's last position.
	if len(ride.Discussion) != 1 {
		t.Fatalf("reseeded discussion length %d", len(ride.Discussion))
	}
	if ride.Discussion[0].Amount != 6000 || ride.Discussion[0].From != models.SenderClient {
		t.Fatalf("reseed message: %+v", ride.Discussion[0])
	}
	if ride.ProposedPrice != 6000 || !ride.ClientAccepted {
		t.Fatalf("proposed=%d clientAccepted=%v", ride.ProposedPrice, ride.ClientAccepted)
	}

	if !ride.ContactedPhones.Contains("+243810000001") || !ride.ContactedPhones.Contains("+243810000002") {
		t.Fatalf("contacted list: %v", ride.ContactedPhones)
	}
	if ride.ReassignAttempts != 1 {
		t.Fatalf("attempts = %d", ride.ReassignAttempts)
	}

	if loadDriver(t, svc.DB, "+243810000001").OnRide {
		t.Fatal("old driver still reserved")
	}
	if !loadDriver(t, svc.DB, "+243810000002").OnRide {
		t.Fatal("new driver not reserved")
	}
}

func TestReassign_ExcludesContactedDrivers(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	// The only other driver already refused once; with nobody fresh the
	// search must come up empty rather than re-offer to the same driver.
	_, err := svc.Reassign(context.Background(), res.Ride.ID, ReassignOptions{})
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("want ErrNoDriverAvailable, got %v", err)
	}

	ride := loadRide(t, svc.DB, res.Ride.ID)
	if ride.DriverPhone != nil {
		t.Fatal("driver phone not cleared on empty search")
	}
	if ride.ReassignAttempts != 1 {
		t.Fatalf("attempts = %d, empty searches must count", ride.ReassignAttempts)
	}
}

func TestReassign_ClearExclusionsRetriesEverybody(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	driver, err := svc.Reassign(context.Background(), res.Ride.ID, ReassignOptions{ClearExclusions: true})
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	// The old driver is still excluded as the one being swapped out, so
	// clearing exclusions alone cannot hand the ride back to them.
	if driver != nil {
		t.Fatalf("unexpectedly reserved %s", driver.Phone)
	}
}

func TestReassign_MaxAttempts(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	svc.DB.Model(&models.Ride{}).Where("id = ?", res.Ride.ID).
		Update("reassign_attempts", models.DefaultMaxReassignAttempts)

	_, err := svc.Reassign(context.Background(), res.Ride.ID, ReassignOptions{})
	if !errors.Is(err, ErrMaxAttemptsReached) {
		t.Fatalf("want ErrMaxAttemptsReached, got %v", err)
	}
}

func TestReassign_GuardBlocksConcurrentCycle(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	svc.DB.Model(&models.Ride{}).Where("id = ?", res.Ride.ID).
		Updates(map[string]interface{}{
			"reassigning":       true,
			"reassigning_since": time.Now(),
		})

	_, err := svc.Reassign(context.Background(), res.Ride.ID, ReassignOptions{})
	if !errors.Is(err, ErrReassignBusy) {
		t.Fatalf("want ErrReassignBusy, got %v", err)
	}
}

func TestReassignGuard_ConcurrentAcquireSingleWinner(t *testing.T) {
	svc := newTestService(t)
	sqlDB, err := svc.DB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite takes one writer at a time; a single connection keeps the
	// statements serialized while the callers still interleave.
	sqlDB.SetMaxOpenConns(1)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	const callers = 8
	errs := make(chan error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- svc.acquireReassignGuard(res.Ride.ID)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrReassignBusy):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("%d callers acquired the guard, want exactly 1", won)
	}

	// Releasing hands the guard to the next caller.
	svc.releaseReassignGuard(res.Ride.ID)
	if err := svc.acquireReassignGuard(res.Ride.ID); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestReassign_StaleGuardIsReclaimed(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	// A crash left the flag held past its TTL.
	svc.DB.Model(&models.Ride{}).Where("id = ?", res.Ride.ID).
		Updates(map[string]interface{}{
			"reassigning":       true,
			"reassigning_since": time.Now().Add(-2 * ReassignGuardTTL),
		})

	seedDriver(t, svc.DB, "+243810000002")
	driver, err := svc.Reassign(context.Background(), res.Ride.ID, ReassignOptions{})
	if err != nil {
		t.Fatalf("Reassign over stale guard: %v", err)
	}
	if driver == nil || driver.Phone != "+243810000002" {
		t.Fatalf("got %+v", driver)
	}

	ride := loadRide(t, svc.DB, res.Ride.ID)
	if ride.Reassigning {
		t.Fatal("guard not released")
	}
}

func TestReassign_RideNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Reassign(context.Background(), 42, ReassignOptions{})
	if !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("want ErrRideNotFound, got %v", err)
	}
}

func TestEnsureReassign_NoOpWhenAssigned(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	_, err := svc.EnsureReassign(context.Background(), res.Ride.ID)
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("want ErrAlreadyAssigned, got %v", err)
	}
}

func TestEnsureReassign_NoOpWhileSearching(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	svc.DB.Model(&models.Ride{}).Where("id = ?", res.Ride.ID).
		Updates(map[string]interface{}{
			"driver_phone":      nil,
			"reassigning":       true,
			"reassigning_since": time.Now(),
		})

	_, err := svc.EnsureReassign(context.Background(), res.Ride.ID)
	if !errors.Is(err, ErrSearchActive) {
		t.Fatalf("want ErrSearchActive, got %v", err)
	}
}

func TestEnsureReassign_FindsDriverForOrphanedRide(t *testing.T) {
	svc := newTestService(t)
	seedDriver(t, svc.DB, "+243810000001")
	res := createRide(t, svc, 5000)

	// Simulate a ride whose search came up empty earlier.
	svc.DB.Model(&models.Ride{}).Where("id = ?", res.Ride.ID).
		Update("driver_phone", nil)

	seedDriver(t, svc.DB, "+243810000002")
	driver, err := svc.EnsureReassign(context.Background(), res.Ride.ID)
	if err != nil {
		t.Fatalf("EnsureReassign: %v", err)
	}
	if driver == nil || driver.Phone != "+243810000002" {
		t.Fatalf("got %+v", driver)
	}
}
