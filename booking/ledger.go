/*
ledger.go - Capacity Ledger

PURPOSE:
  The authoritative counter of unbooked seats per train. Every movement of
  RemainingSeats goes through here and leaves an append-only LedgerEntry.

CRITICAL INVARIANTS:
  1. 0 <= RemainingSeats <= TotalSeats
  2. One reserve entry per booking, at most one release entry per booking
     (idempotency keys "reserve:<id>" / "release:<id>")
  3. Never used outside a Tx: the counter changes in the same atomic unit
     as the allocation it accompanies

EXAMPLE FLOW:
  Train T, TotalSeats 2:
  1. Reserve(T, b1)  remaining 2 -> 1   [reserve:b1 -1]
  2. Reserve(T, b2)  remaining 1 -> 0   [reserve:b2 -1]
  3. Reserve(T, b3)  ErrTrainFull
  4. Release(T, b1)  remaining 0 -> 1   [release:b1 +1]
  5. Release(T, b1)  ErrAlreadyCancelled (duplicate key)

SEE ALSO:
  - allocation.go: Seat Allocation Table
  - reconcile.go: Drift detection against the booked count
*/
package booking

import (
	"context"
	"errors"
	"time"
)

// CapacityLedger moves a train's remaining-seat counter inside one Tx.
type CapacityLedger struct {
	tx    Tx
	now   func() time.Time
	newID func() string
}

// NewCapacityLedger binds a ledger to a transaction.
func NewCapacityLedger(tx Tx, now func() time.Time, newID func() string) *CapacityLedger {
	return &CapacityLedger{tx: tx, now: now, newID: newID}
}

// Reserve takes one seat from the counter for bookingID.
// Fails with ErrTrainFull when the booked count has reached TotalSeats or the
// counter is already zero.
func (l *CapacityLedger) Reserve(ctx context.Context, train *Train, bookingID string) (int, error) {
	booked, err := l.tx.CountBooked(ctx, train.ID)
	if err != nil {
		return 0, err
	}
	if booked >= train.TotalSeats {
		return 0, ErrTrainFull
	}

	remaining, err := l.tx.AdjustRemaining(ctx, train.ID, -1, l.now().UTC())
	if errors.Is(err, ErrCapacityBounds) {
		return 0, ErrTrainFull
	}
	if err != nil {
		return 0, err
	}

	err = l.append(ctx, LedgerEntry{
		TrainID:        train.ID,
		BookingID:      bookingID,
		Kind:           LedgerReserve,
		Delta:          -1,
		RemainingAfter: remaining,
		IdempotencyKey: reserveKey(bookingID),
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// Release returns bookingID's seat to the counter. The caller must only
// release a booking that previously reserved; a second release for the same
// booking fails with ErrAlreadyCancelled.
func (l *CapacityLedger) Release(ctx context.Context, train *Train, bookingID string) (int, error) {
	remaining, err := l.tx.AdjustRemaining(ctx, train.ID, +1, l.now().UTC())
	if err != nil {
		return 0, err
	}

	err = l.append(ctx, LedgerEntry{
		TrainID:        train.ID,
		BookingID:      bookingID,
		Kind:           LedgerRelease,
		Delta:          +1,
		RemainingAfter: remaining,
		IdempotencyKey: releaseKey(bookingID),
	})
	if errors.Is(err, ErrDuplicateLedgerEntry) {
		return 0, ErrAlreadyCancelled
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// Correct applies a reconciliation delta (no booking attached).
func (l *CapacityLedger) Correct(ctx context.Context, train *Train, delta int) (int, error) {
	at := l.now().UTC()
	remaining, err := l.tx.AdjustRemaining(ctx, train.ID, delta, at)
	if err != nil {
		return 0, err
	}
	err = l.append(ctx, LedgerEntry{
		TrainID:        train.ID,
		Kind:           LedgerReconcile,
		Delta:          delta,
		RemainingAfter: remaining,
		IdempotencyKey: "reconcile:" + train.ID + ":" + at.Format(time.RFC3339Nano),
		CreatedAt:      at,
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func (l *CapacityLedger) append(ctx context.Context, e LedgerEntry) error {
	e.ID = l.newID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	return l.tx.AppendLedger(ctx, e)
}
