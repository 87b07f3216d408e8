/*
store.go - Persistence interfaces for the booking core

PURPOSE:
  Defines the boundary between the lifecycle engine and the database. The
  engine never touches SQL; it asks the Store for a transaction and works
  through the Tx view.

KEY INTERFACES:
  Store:    Reads outside a transaction + WithTx
  Tx:       Everything the ledger and allocation table need inside one
            atomic, isolated unit
  AuditLog: Append-only record of committed transitions

ISOLATION CONTRACT:
  WithTx must serialize units that touch the same train:
  - LockTrain holds the train row until commit/rollback
    (PostgreSQL: SELECT ... FOR UPDATE; SQLite: BEGIN IMMEDIATE)
  - GetBooking inside a Tx locks the booking row where supported
  - If fn returns an error, or ctx is done, nothing is applied

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (dev, tests)
  - store/postgres/postgres.go: PostgreSQL via GORM (production)
*/
package booking

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store is the booking core's view of persistence.
type Store interface {
	// GetTrain returns (nil, nil) when the train does not exist.
	GetTrain(ctx context.Context, id string) (*Train, error)

	// ListTrains returns all trains ordered by departure.
	ListTrains(ctx context.Context) ([]Train, error)

	// GetBooking returns (nil, nil) when the booking does not exist.
	GetBooking(ctx context.Context, id string) (*Booking, error)

	// ListBookings returns bookings matching the filter, newest first.
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)

	// LedgerEntries returns the counter history of a train, oldest first.
	LedgerEntries(ctx context.Context, trainID string) ([]LedgerEntry, error)

	// WithTx executes fn within one transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	// LockTrain reads a train and holds its row until the unit ends.
	// Returns (nil, nil) when absent.
	LockTrain(ctx context.Context, id string) (*Train, error)

	// GetBooking reads (and locks, where supported) a booking.
	// Returns (nil, nil) when absent.
	GetBooking(ctx context.Context, id string) (*Booking, error)

	// IsSeatOccupied reports whether a booked booking holds the seat.
	IsSeatOccupied(ctx context.Context, trainID, seat string) (bool, error)

	// CountBooked counts booked bookings for a train.
	CountBooked(ctx context.Context, trainID string) (int, error)

	// InsertBooking persists a new booking. Returns ErrDuplicateSeat when the
	// active-seat unique index rejects it, ErrUserNotFound when the user row
	// is missing.
	InsertBooking(ctx context.Context, b Booking) error

	// UpdateBooking writes SeatNumber, Status and UpdatedAt. Returns
	// ErrBookingNotFound when no row matches, ErrDuplicateSeat on index
	// violation.
	UpdateBooking(ctx context.Context, b Booking) error

	// AdjustRemaining adds delta to the train's RemainingSeats, stamps
	// UpdatedAt with at and returns the new value. Returns ErrCapacityBounds
	// if the result would leave [0, TotalSeats].
	AdjustRemaining(ctx context.Context, trainID string, delta int, at time.Time) (int, error)

	// AppendLedger records a counter movement. Returns ErrDuplicateLedgerEntry
	// when the idempotency key exists.
	AppendLedger(ctx context.Context, e LedgerEntry) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

// AuditEntry records one committed transition.
type AuditEntry struct {
	ID        string
	At        time.Time
	ActorID   string
	Action    string
	BookingID string
	TrainID   string
	UserID    string
	Payload   string // JSON
}

// AuditFilter narrows QueryAudit. Zero values mean "any".
type AuditFilter struct {
	BookingID string
	ActorID   string
	Limit     int
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
