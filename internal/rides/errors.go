// Package rides implements the ride lifecycle state machine: creation
// with driver matching, turn-by-turn price negotiation, confirmation,
// start, finish with commission deduction, cancellation, and
// driver reassignment that preserves negotiation continuity.
package rides

import "errors"

// Sentinel errors returned by the service layer. Handlers map them to
// HTTP statuses; anything else is an opaque server failure.
var (
	// ErrRideNotFound indicates the ride id does not exist.
	ErrRideNotFound = errors.New("ride not found")

	// ErrNoDriverAvailable means no radius yielded a reservable driver;
	// the client should keep searching or retry later.
	ErrNoDriverAvailable = errors.New("no driver available")

	// ErrMaxAttemptsReached means the ride exhausted its reassignment
	// budget.
	ErrMaxAttemptsReached = errors.New("maximum reassignment attempts reached")

	// ErrReassignBusy means another reassignment for the same ride is in
	// flight; the caller may retry later.
	ErrReassignBusy = errors.New("reassignment already in progress")

	// ErrAlreadyAssigned means the ride already has a driver, so an
	// idempotent reassignment request is a no-op.
	ErrAlreadyAssigned = errors.New("ride already has a driver")

	// ErrSearchActive means a driver search is already running for the
	// ride.
	ErrSearchActive = errors.New("driver search already active")

	// ErrRideTerminal rejects mutations of finished or cancelled rides.
	ErrRideTerminal = errors.New("ride is in a terminal state")

	// ErrPriceNotConfirmed rejects finishing a ride whose price was never
	// confirmed.
	ErrPriceNotConfirmed = errors.New("ride price not confirmed")

	// ErrMissingOrigin rejects reassignment of a ride without pickup
	// coordinates.
	ErrMissingOrigin = errors.New("ride has no origin coordinates")

	// ErrInvalidCoordinates rejects out-of-range lat/lng input.
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)
