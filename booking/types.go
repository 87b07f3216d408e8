/*
Package booking is the seat-booking consistency core.

PURPOSE:
  Allocates seats on trains, prevents double-booking, keeps each train's
  remaining-seat counter consistent with its set of active bookings, and
  reverses allocations on cancellation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Train: capacity record (TotalSeats is fixed, RemainingSeats moves)
  - Booking: one seat on one train held by one user
  - Status: booked / cancelled / waiting
  - LedgerEntry: append-only record of every counter movement

INVARIANTS:
  1. 0 <= RemainingSeats <= TotalSeats
  2. At most one booked booking per (TrainID, SeatNumber)
  3. Booked count per train never exceeds TotalSeats
  4. RemainingSeats == TotalSeats - booked count (checked by Reconciler)

SEE ALSO:
  - ledger.go: Capacity Ledger
  - allocation.go: Seat Allocation Table
  - engine.go: Booking Lifecycle Engine
  - store.go: Persistence interfaces
*/
package booking

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRAIN
// =============================================================================

// Train is a scheduled train and its seat capacity.
//
// TotalSeats is the nominal capacity fixed at creation (changed only by the
// catalog). RemainingSeats is the ledger counter, moved only by the
// CapacityLedger and the Reconciler.
type Train struct {
	ID             string
	Number         string
	Name           string
	Source         string
	Destination    string
	DepartureTime  time.Time
	ArrivalTime    time.Time
	TotalSeats     int
	RemainingSeats int
	Fare           decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// BOOKING
// =============================================================================

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
	// StatusWaiting is reserved for overflow queueing. It never occupies a seat
	// and is not produced by Create.
	StatusWaiting Status = "waiting"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusCancelled, StatusWaiting:
		return true
	}
	return false
}

// Booking holds one seat on one train for one user.
type Booking struct {
	ID         string
	UserID     string
	TrainID    string
	SeatNumber string
	Status     Status
	Fare       decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Occupies reports whether the booking counts against seat uniqueness.
func (b Booking) Occupies() bool {
	return b.Status == StatusBooked
}

// BookingFilter narrows ListBookings. Zero values mean "any".
type BookingFilter struct {
	UserID  string
	TrainID string
	Status  Status
}

// =============================================================================
// SEATS
// =============================================================================

// ParseSeat validates a seat number against a train's total capacity and
// returns its canonical form ("007" and "7" are the same seat).
func ParseSeat(raw string, totalSeats int) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidSeat
	}
	if n < 1 || n > totalSeats {
		return "", ErrInvalidSeat
	}
	return strconv.Itoa(n), nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

// LedgerKind classifies a counter movement.
type LedgerKind string

const (
	LedgerReserve   LedgerKind = "reserve"
	LedgerRelease   LedgerKind = "release"
	LedgerReconcile LedgerKind = "reconcile"
	// LedgerResize records a TotalSeats change made by the catalog.
	LedgerResize    LedgerKind = "resize"
)

// LedgerEntry is an immutable record of one change to a train's
// RemainingSeats. The store rejects a second entry with the same
// IdempotencyKey.
type LedgerEntry struct {
	ID             string
	TrainID        string
	BookingID      string
	Kind           LedgerKind
	Delta          int
	RemainingAfter int
	IdempotencyKey string
	CreatedAt      time.Time
}

func reserveKey(bookingID string) string { return "reserve:" + bookingID }
func releaseKey(bookingID string) string { return "release:" + bookingID }
