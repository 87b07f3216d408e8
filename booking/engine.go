/*
engine.go - Booking Lifecycle Engine

PURPOSE:
  Orchestrates create / read / update / cancel against the Seat Allocation
  Table and the Capacity Ledger as one logical unit, after the Access Policy
  Guard has allowed the actor.

STATE MACHINE:
  booked -> cancelled   (the only legal transition; releases the seat)
  waiting               (representable, never produced by Create)
  anything else         ErrInvalidTransition

ATOMIC UNITS (one Store.WithTx each):
  Create: lock train, validate seat, check occupancy, check count,
          reserve counter, insert booking
  Cancel: lock booking, lock train, mark cancelled, release counter
  Update: lock booking, lock train, then either the cancel path or a seat
          move; the counter only moves through the cancel path

LOCK ORDER:
  booking row before train row. Create locks only the train.

EVENTS:
  Published after commit. A publish failure is logged and does not undo the
  transition.

SEE ALSO:
  - ledger.go, allocation.go: The two components mutated together
  - policy/guard.go: Authorization rules
*/
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
)

// Authorizer decides whether an actor may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, actor identity.Actor, ownerID string, op policy.Operation) error
}

// Engine is the Booking Lifecycle Engine. It is stateless apart from its
// injected collaborators and safe for concurrent use.
type Engine struct {
	Store  Store
	Guard  Authorizer
	Events Publisher
	Logger *zap.Logger

	Now   func() time.Time
	NewID func() string
}

// NewEngine creates an engine with a no-op publisher, wall clock and uuid ids.
func NewEngine(store Store, guard Authorizer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:  store,
		Guard:  guard,
		Events: nopPublisher{},
		Logger: logger,
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// CreateRequest asks for one seat on one train. An empty UserID books for
// the actor.
type CreateRequest struct {
	UserID     string
	TrainID    string
	SeatNumber string
}

// Patch is a partial update. Nil fields keep their persisted values.
type Patch struct {
	UserID     *string
	TrainID    *string
	SeatNumber *string
	Status     *Status
}

func (p Patch) empty() bool {
	return p.UserID == nil && p.TrainID == nil && p.SeatNumber == nil && p.Status == nil
}

// =============================================================================
// CREATE
// =============================================================================

// Create allocates a seat and reserves capacity in one atomic unit.
func (e *Engine) Create(ctx context.Context, actor identity.Actor, req CreateRequest) (Booking, error) {
	const op = "create booking"

	trainID := strings.TrimSpace(req.TrainID)
	if trainID == "" || strings.TrimSpace(req.SeatNumber) == "" {
		return Booking{}, fail(op, ErrMissingFields, "", trainID, req.SeatNumber)
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = actor.ID
	}
	if err := e.Guard.Authorize(ctx, actor, userID, policy.OpBookingCreate); err != nil {
		return Booking{}, fail(op, err, "", trainID, req.SeatNumber)
	}

	var (
		created   Booking
		remaining int
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		train, err := tx.LockTrain(ctx, trainID)
		if err != nil {
			return err
		}
		if train == nil {
			return ErrTrainNotFound
		}

		seat, err := ParseSeat(req.SeatNumber, train.TotalSeats)
		if err != nil {
			return err
		}

		seats := NewAllocationTable(tx, e.Now)
		occupied, err := seats.IsOccupied(ctx, train.ID, seat)
		if err != nil {
			return err
		}
		if occupied {
			return ErrSeatTaken
		}

		booked, err := seats.CountBooked(ctx, train.ID)
		if err != nil {
			return err
		}
		if booked >= train.TotalSeats {
			return ErrTrainFull
		}

		id := e.NewID()
		ledger := NewCapacityLedger(tx, e.Now, e.NewID)
		if remaining, err = ledger.Reserve(ctx, train, id); err != nil {
			return err
		}
		created, err = seats.Insert(ctx, id, userID, train, seat)
		return err
	})
	if err != nil {
		return Booking{}, fail(op, err, "", trainID, req.SeatNumber)
	}

	e.Logger.Info("booking created",
		zap.String("booking_id", created.ID),
		zap.String("train_id", created.TrainID),
		zap.String("seat", created.SeatNumber),
		zap.String("user_id", created.UserID),
		zap.Int("remaining_seats", remaining),
	)
	e.publish(ctx, EventBookingCreated, actor, created, remaining)
	return created, nil
}

// =============================================================================
// READ
// =============================================================================

// Get returns a booking visible to actor.
func (e *Engine) Get(ctx context.Context, actor identity.Actor, id string) (Booking, error) {
	const op = "get booking"

	b, err := e.Store.GetBooking(ctx, id)
	if err != nil {
		return Booking{}, fail(op, err, id, "", "")
	}
	if b == nil {
		return Booking{}, fail(op, ErrBookingNotFound, id, "", "")
	}
	if err := e.Guard.Authorize(ctx, actor, b.UserID, policy.OpBookingRead); err != nil {
		return Booking{}, fail(op, err, id, "", "")
	}
	return *b, nil
}

// List returns every booking. Admin only.
func (e *Engine) List(ctx context.Context, actor identity.Actor, filter BookingFilter) ([]Booking, error) {
	const op = "list bookings"

	if err := e.Guard.Authorize(ctx, actor, "", policy.OpBookingList); err != nil {
		return nil, fail(op, err, "", "", "")
	}
	bookings, err := e.Store.ListBookings(ctx, filter)
	if err != nil {
		return nil, fail(op, err, "", "", "")
	}
	return bookings, nil
}

// ListForUser returns one user's bookings. Owner or admin.
func (e *Engine) ListForUser(ctx context.Context, actor identity.Actor, userID string) ([]Booking, error) {
	const op = "list user bookings"

	if err := e.Guard.Authorize(ctx, actor, userID, policy.OpBookingRead); err != nil {
		return nil, fail(op, err, "", "", "")
	}
	bookings, err := e.Store.ListBookings(ctx, BookingFilter{UserID: userID})
	if err != nil {
		return nil, fail(op, err, "", "", "")
	}
	return bookings, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// Update applies a partial change. Status changes are limited to
// booked -> cancelled and go through the cancel path so the counter is
// released; seat moves stay on the same train and leave the counter alone.
func (e *Engine) Update(ctx context.Context, actor identity.Actor, id string, p Patch) (Booking, error) {
	const op = "update booking"

	var (
		updated   Booking
		remaining int
		event     = EventBookingUpdated
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrBookingNotFound
		}
		if cur.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot update a cancelled booking", ErrInvalidTransition)
		}
		if err := e.Guard.Authorize(ctx, actor, cur.UserID, policy.OpBookingUpdate); err != nil {
			return err
		}
		if p.Status != nil && !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *p.Status)
		}
		if p.Status != nil && *p.Status == cur.Status {
			return ErrNoChange
		}
		if p.empty() {
			return ErrMissingFields
		}
		if p.UserID != nil && *p.UserID != cur.UserID {
			return fmt.Errorf("%w: user_id", ErrImmutableField)
		}
		if p.TrainID != nil && *p.TrainID != cur.TrainID {
			return fmt.Errorf("%w: train_id", ErrImmutableField)
		}

		train, err := tx.LockTrain(ctx, cur.TrainID)
		if err != nil {
			return err
		}
		if train == nil {
			return ErrTrainNotFound
		}

		if p.Status != nil {
			if *p.Status != StatusCancelled || !cur.Occupies() {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, *p.Status)
			}
			if p.SeatNumber != nil {
				seat, err := ParseSeat(*p.SeatNumber, train.TotalSeats)
				if err != nil {
					return err
				}
				if seat != cur.SeatNumber {
					return fmt.Errorf("%w: cannot move seat while cancelling", ErrInvalidTransition)
				}
			}
			event = EventBookingCancelled
			updated, remaining, err = e.cancelLocked(ctx, tx, train, cur.ID)
			return err
		}

		if p.SeatNumber != nil {
			seat, err := ParseSeat(*p.SeatNumber, train.TotalSeats)
			if err != nil {
				return err
			}
			if seat == cur.SeatNumber {
				return ErrNoChange
			}
			updated, err = NewAllocationTable(tx, e.Now).MoveSeat(ctx, *cur, seat)
			remaining = train.RemainingSeats
			return err
		}

		// Only immutable fields, all equal to the persisted values.
		return ErrNoChange
	})
	if err != nil {
		return Booking{}, fail(op, err, id, "", "")
	}

	e.Logger.Info("booking updated",
		zap.String("booking_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("seat", updated.SeatNumber),
	)
	e.publish(ctx, event, actor, updated, remaining)
	return updated, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel marks a booking cancelled and releases its seat in one atomic unit.
// Cancelling twice fails with ErrAlreadyCancelled; the counter moves once.
func (e *Engine) Cancel(ctx context.Context, actor identity.Actor, id string) (Booking, error) {
	const op = "cancel booking"

	var (
		cancelled Booking
		remaining int
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrBookingNotFound
		}
		if err := e.Guard.Authorize(ctx, actor, cur.UserID, policy.OpBookingCancel); err != nil {
			return err
		}
		switch cur.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusWaiting:
			return fmt.Errorf("%w: waiting bookings hold no seat", ErrInvalidTransition)
		}

		train, err := tx.LockTrain(ctx, cur.TrainID)
		if err != nil {
			return err
		}
		if train == nil {
			return ErrTrainNotFound
		}
		cancelled, remaining, err = e.cancelLocked(ctx, tx, train, cur.ID)
		return err
	})
	if err != nil {
		return Booking{}, fail(op, err, id, "", "")
	}

	e.Logger.Info("booking cancelled",
		zap.String("booking_id", cancelled.ID),
		zap.String("train_id", cancelled.TrainID),
		zap.Int("remaining_seats", remaining),
	)
	e.publish(ctx, EventBookingCancelled, actor, cancelled, remaining)
	return cancelled, nil
}

// cancelLocked runs inside a Tx that already holds the booking and train.
func (e *Engine) cancelLocked(ctx context.Context, tx Tx, train *Train, bookingID string) (Booking, int, error) {
	b, err := NewAllocationTable(tx, e.Now).SetStatus(ctx, bookingID, StatusCancelled)
	if err != nil {
		return Booking{}, 0, err
	}
	remaining, err := NewCapacityLedger(tx, e.Now, e.NewID).Release(ctx, train, bookingID)
	if err != nil {
		return Booking{}, 0, err
	}
	return b, remaining, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) publish(ctx context.Context, t EventType, actor identity.Actor, b Booking, remaining int) {
	ev := Event{
		Type:           t,
		BookingID:      b.ID,
		UserID:         b.UserID,
		TrainID:        b.TrainID,
		SeatNumber:     b.SeatNumber,
		Status:         b.Status,
		ActorID:        actor.ID,
		RemainingSeats: remaining,
		At:             e.Now().UTC(),
	}
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.Logger.Warn("failed to publish booking event",
			zap.String("event", string(t)),
			zap.String("booking_id", b.ID),
			zap.Error(err),
		)
	}
}

func fail(op string, err error, bookingID, trainID, seat string) error {
	return &Error{
		Kind:      classify(err),
		Op:        op,
		BookingID: bookingID,
		TrainID:   trainID,
		Seat:      seat,
		Err:       err,
	}
}
