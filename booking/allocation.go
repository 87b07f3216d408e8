/*
allocation.go - Seat Allocation Table

PURPOSE:
  The durable record of which seats are held on which train. Only bookings
  with status=booked occupy a seat; cancelled and waiting bookings do not.

INVARIANT:
  At most one booked booking per (TrainID, SeatNumber). Checked here before
  every write and enforced again by the store's partial unique index, so a
  concurrent holder that slipped past the check surfaces as ErrSeatTaken.

SEE ALSO:
  - ledger.go: The counter that moves alongside every allocation
  - store/sqlite/sqlite.go: idx_bookings_active_seat
*/
package booking

import (
	"context"
	"errors"
	"time"
)

// AllocationTable reads and writes seat holdings inside one Tx.
type AllocationTable struct {
	tx  Tx
	now func() time.Time
}

// NewAllocationTable binds an allocation table to a transaction.
func NewAllocationTable(tx Tx, now func() time.Time) *AllocationTable {
	return &AllocationTable{tx: tx, now: now}
}

// IsOccupied reports whether a booked booking holds seat on trainID.
func (a *AllocationTable) IsOccupied(ctx context.Context, trainID, seat string) (bool, error) {
	return a.tx.IsSeatOccupied(ctx, trainID, seat)
}

// CountBooked counts active bookings on trainID.
func (a *AllocationTable) CountBooked(ctx context.Context, trainID string) (int, error) {
	return a.tx.CountBooked(ctx, trainID)
}

// Insert records a new booked booking. seat must already be canonical.
func (a *AllocationTable) Insert(ctx context.Context, id, userID string, train *Train, seat string) (Booking, error) {
	now := a.now().UTC()
	b := Booking{
		ID:         id,
		UserID:     userID,
		TrainID:    train.ID,
		SeatNumber: seat,
		Status:     StatusBooked,
		Fare:       train.Fare,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := a.tx.InsertBooking(ctx, b)
	if errors.Is(err, ErrDuplicateSeat) {
		return Booking{}, ErrSeatTaken
	}
	if err != nil {
		return Booking{}, err
	}
	return b, nil
}

// SetStatus transitions a booking's status. Transition rules are the
// engine's concern; this only persists.
func (a *AllocationTable) SetStatus(ctx context.Context, bookingID string, status Status) (Booking, error) {
	b, err := a.tx.GetBooking(ctx, bookingID)
	if err != nil {
		return Booking{}, err
	}
	if b == nil {
		return Booking{}, ErrBookingNotFound
	}
	b.Status = status
	b.UpdatedAt = a.now().UTC()
	if err := a.tx.UpdateBooking(ctx, *b); err != nil {
		if errors.Is(err, ErrDuplicateSeat) {
			return Booking{}, ErrSeatTaken
		}
		return Booking{}, err
	}
	return *b, nil
}

// MoveSeat re-seats a booked booking on the same train.
func (a *AllocationTable) MoveSeat(ctx context.Context, b Booking, seat string) (Booking, error) {
	occupied, err := a.tx.IsSeatOccupied(ctx, b.TrainID, seat)
	if err != nil {
		return Booking{}, err
	}
	if occupied {
		return Booking{}, ErrSeatTaken
	}
	b.SeatNumber = seat
	b.UpdatedAt = a.now().UTC()
	if err := a.tx.UpdateBooking(ctx, b); err != nil {
		if errors.Is(err, ErrDuplicateSeat) {
			return Booking{}, ErrSeatTaken
		}
		return Booking{}, err
	}
	return b, nil
}
