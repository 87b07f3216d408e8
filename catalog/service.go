/*
Package catalog manages the trains that bookings are made against.

PURPOSE:
  Train CRUD with schedule validation and route search. Capacity lives on the
  train record, so changing TotalSeats is coordinated with the booking core's
  counter: RemainingSeats shifts by the same delta inside a locked unit and a
  ledger entry records the move.

SCHEDULE RULES:
  - Departure must be in the future, arrival strictly after departure
  - Two trains on the same route (source, destination; case-insensitive)
    may not have overlapping [departure, arrival] windows
  - Train numbers are unique

CAPACITY RULES:
  - TotalSeats > 0
  - New TotalSeats >= booked count and >= highest booked seat number,
    otherwise ErrCapacityInUse

SEE ALSO:
  - booking/types.go: Train
  - booking/ledger.go: The counter this keeps consistent
*/
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
)

var (
	ErrMissingFields   = errors.New("all train fields are required")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrScheduleOverlap = errors.New("train times overlap with an existing train")
	ErrDuplicateNumber = errors.New("train number already exists")
	ErrInvalidCapacity = errors.New("total seats must be positive")
	ErrInvalidFare     = errors.New("fare must not be negative")
	ErrCapacityInUse   = errors.New("capacity is below booked seats")
	ErrNothingToUpdate = errors.New("no fields to update")
	ErrTrainNotFound   = booking.ErrTrainNotFound
)

// =============================================================================
// STORE
// =============================================================================

// Store persists trains.
type Store interface {
	GetTrain(ctx context.Context, id string) (*booking.Train, error)
	ListTrains(ctx context.Context) ([]booking.Train, error)
	// SearchTrains matches source and destination case-insensitively; empty
	// arguments match anything.
	SearchTrains(ctx context.Context, source, destination string) ([]booking.Train, error)
	// DeleteTrain cascades to bookings and ledger entries. Returns
	// ErrTrainNotFound when absent.
	DeleteTrain(ctx context.Context, id string) error
	WithTrainTx(ctx context.Context, fn func(TrainTx) error) error
}

// TrainTx is the transactional view for schedule and capacity changes.
type TrainTx interface {
	LockTrain(ctx context.Context, id string) (*booking.Train, error)
	SearchTrains(ctx context.Context, source, destination string) ([]booking.Train, error)
	CountBooked(ctx context.Context, trainID string) (int, error)
	// MaxBookedSeat returns the highest seat number held by a booked booking,
	// 0 when none.
	MaxBookedSeat(ctx context.Context, trainID string) (int, error)
	// InsertTrain returns ErrDuplicateNumber on unique violation.
	InsertTrain(ctx context.Context, t booking.Train) error
	// UpdateTrain writes every mutable column. Returns ErrDuplicateNumber.
	UpdateTrain(ctx context.Context, t booking.Train) error
	AppendLedger(ctx context.Context, e booking.LedgerEntry) error
}

// Authorizer decides whether an actor may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, actor identity.Actor, ownerID string, op policy.Operation) error
}

// =============================================================================
// REQUESTS
// =============================================================================

// NewTrain is a train creation request.
type NewTrain struct {
	Number        string
	Name          string
	Source        string
	Destination   string
	DepartureTime time.Time
	ArrivalTime   time.Time
	TotalSeats    int
	Fare          decimal.Decimal
}

// TrainPatch is a partial update. Nil fields are kept.
type TrainPatch struct {
	Number        *string
	Name          *string
	Source        *string
	Destination   *string
	DepartureTime *time.Time
	ArrivalTime   *time.Time
	TotalSeats    *int
	Fare          *decimal.Decimal
}

func (p TrainPatch) empty() bool {
	return p.Number == nil && p.Name == nil && p.Source == nil && p.Destination == nil &&
		p.DepartureTime == nil && p.ArrivalTime == nil && p.TotalSeats == nil && p.Fare == nil
}

// =============================================================================
// SERVICE
// =============================================================================

// Service implements train operations.
type Service struct {
	Store  Store
	Guard  Authorizer
	Logger *zap.Logger

	Now   func() time.Time
	NewID func() string
}

// NewService creates a catalog service.
func NewService(store Store, guard Authorizer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:  store,
		Guard:  guard,
		Logger: logger,
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
	}
}

// Create adds a train with RemainingSeats = TotalSeats.
func (s *Service) Create(ctx context.Context, actor identity.Actor, req NewTrain) (booking.Train, error) {
	if err := s.Guard.Authorize(ctx, actor, "", policy.OpTrainWrite); err != nil {
		return booking.Train{}, err
	}

	now := s.Now().UTC()
	t := booking.Train{
		ID:             s.NewID(),
		Number:         strings.TrimSpace(req.Number),
		Name:           strings.TrimSpace(req.Name),
		Source:         strings.TrimSpace(req.Source),
		Destination:    strings.TrimSpace(req.Destination),
		DepartureTime:  req.DepartureTime.UTC(),
		ArrivalTime:    req.ArrivalTime.UTC(),
		TotalSeats:     req.TotalSeats,
		RemainingSeats: req.TotalSeats,
		Fare:           req.Fare,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.validate(t, now); err != nil {
		return booking.Train{}, err
	}

	err := s.Store.WithTrainTx(ctx, func(tx TrainTx) error {
		if err := checkOverlap(ctx, tx, t); err != nil {
			return err
		}
		return tx.InsertTrain(ctx, t)
	})
	if err != nil {
		return booking.Train{}, err
	}

	s.Logger.Info("train created",
		zap.String("train_id", t.ID),
		zap.String("number", t.Number),
		zap.Int("total_seats", t.TotalSeats),
	)
	return t, nil
}

// Get returns one train.
func (s *Service) Get(ctx context.Context, actor identity.Actor, id string) (booking.Train, error) {
	if err := s.Guard.Authorize(ctx, actor, "", policy.OpTrainRead); err != nil {
		return booking.Train{}, err
	}
	t, err := s.Store.GetTrain(ctx, id)
	if err != nil {
		return booking.Train{}, err
	}
	if t == nil {
		return booking.Train{}, ErrTrainNotFound
	}
	return *t, nil
}

// List returns all trains, or those on a route when source or destination
// is set.
func (s *Service) List(ctx context.Context, actor identity.Actor, source, destination string) ([]booking.Train, error) {
	if err := s.Guard.Authorize(ctx, actor, "", policy.OpTrainList); err != nil {
		return nil, err
	}
	source, destination = strings.TrimSpace(source), strings.TrimSpace(destination)
	if source == "" && destination == "" {
		return s.Store.ListTrains(ctx)
	}
	return s.Store.SearchTrains(ctx, source, destination)
}

// Update applies a partial change. A TotalSeats change shifts RemainingSeats
// by the same delta and records a resize ledger entry.
func (s *Service) Update(ctx context.Context, actor identity.Actor, id string, p TrainPatch) (booking.Train, error) {
	if err := s.Guard.Authorize(ctx, actor, "", policy.OpTrainWrite); err != nil {
		return booking.Train{}, err
	}
	if p.empty() {
		return booking.Train{}, ErrNothingToUpdate
	}

	var updated booking.Train
	err := s.Store.WithTrainTx(ctx, func(tx TrainTx) error {
		cur, err := tx.LockTrain(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrTrainNotFound
		}

		now := s.Now().UTC()
		next := *cur
		apply(&next, p)
		next.UpdatedAt = now

		scheduleChanged := p.DepartureTime != nil || p.ArrivalTime != nil ||
			p.Source != nil || p.Destination != nil
		if err := s.validateFields(next); err != nil {
			return err
		}
		if scheduleChanged {
			if err := validateSchedule(next, now); err != nil {
				return err
			}
			if err := checkOverlap(ctx, tx, next); err != nil {
				return err
			}
		}

		delta := next.TotalSeats - cur.TotalSeats
		if delta != 0 {
			if err := s.resize(ctx, tx, cur, &next, delta); err != nil {
				return err
			}
		}

		if err := tx.UpdateTrain(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return booking.Train{}, err
	}

	s.Logger.Info("train updated",
		zap.String("train_id", updated.ID),
		zap.Int("total_seats", updated.TotalSeats),
		zap.Int("remaining_seats", updated.RemainingSeats),
	)
	return updated, nil
}

// Delete removes a train and everything booked on it.
func (s *Service) Delete(ctx context.Context, actor identity.Actor, id string) error {
	if err := s.Guard.Authorize(ctx, actor, "", policy.OpTrainWrite); err != nil {
		return err
	}
	if err := s.Store.DeleteTrain(ctx, id); err != nil {
		return err
	}
	s.Logger.Info("train deleted", zap.String("train_id", id), zap.String("actor_id", actor.ID))
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func (s *Service) validate(t booking.Train, now time.Time) error {
	if err := s.validateFields(t); err != nil {
		return err
	}
	return validateSchedule(t, now)
}

func (s *Service) validateFields(t booking.Train) error {
	if t.Number == "" || t.Name == "" || t.Source == "" || t.Destination == "" ||
		t.DepartureTime.IsZero() || t.ArrivalTime.IsZero() {
		return ErrMissingFields
	}
	if t.TotalSeats <= 0 {
		return ErrInvalidCapacity
	}
	if t.Fare.IsNegative() {
		return ErrInvalidFare
	}
	return nil
}

func validateSchedule(t booking.Train, now time.Time) error {
	if t.DepartureTime.Before(now) {
		return fmt.Errorf("%w: departure time must be in the future", ErrInvalidSchedule)
	}
	if !t.ArrivalTime.After(t.DepartureTime) {
		return fmt.Errorf("%w: arrival time must be after departure time", ErrInvalidSchedule)
	}
	return nil
}

// checkOverlap rejects t when another train on the same route runs during
// any part of its window. Windows touching at an endpoint overlap.
func checkOverlap(ctx context.Context, tx TrainTx, t booking.Train) error {
	sameRoute, err := tx.SearchTrains(ctx, t.Source, t.Destination)
	if err != nil {
		return err
	}
	for _, other := range sameRoute {
		if other.ID == t.ID {
			continue
		}
		if Overlaps(t.DepartureTime, t.ArrivalTime, other.DepartureTime, other.ArrivalTime) {
			return fmt.Errorf("%w: %s", ErrScheduleOverlap, other.Number)
		}
	}
	return nil
}

// Overlaps reports whether [aStart, aEnd] and [bStart, bEnd] intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !aEnd.Before(bStart)
}

func (s *Service) resize(ctx context.Context, tx TrainTx, cur *booking.Train, next *booking.Train, delta int) error {
	booked, err := tx.CountBooked(ctx, cur.ID)
	if err != nil {
		return err
	}
	maxSeat, err := tx.MaxBookedSeat(ctx, cur.ID)
	if err != nil {
		return err
	}
	if next.TotalSeats < booked || next.TotalSeats < maxSeat {
		return fmt.Errorf("%w: %d booked, highest seat %d", ErrCapacityInUse, booked, maxSeat)
	}

	next.RemainingSeats = cur.RemainingSeats + delta
	if next.RemainingSeats < 0 {
		next.RemainingSeats = 0
	}
	if next.RemainingSeats > next.TotalSeats {
		next.RemainingSeats = next.TotalSeats
	}

	id := s.NewID()
	return tx.AppendLedger(ctx, booking.LedgerEntry{
		ID:             id,
		TrainID:        cur.ID,
		Kind:           booking.LedgerResize,
		Delta:          next.RemainingSeats - cur.RemainingSeats,
		RemainingAfter: next.RemainingSeats,
		IdempotencyKey: "resize:" + cur.ID + ":" + id,
		CreatedAt:      s.Now().UTC(),
	})
}

func apply(t *booking.Train, p TrainPatch) {
	if p.Number != nil {
		t.Number = strings.TrimSpace(*p.Number)
	}
	if p.Name != nil {
		t.Name = strings.TrimSpace(*p.Name)
	}
	if p.Source != nil {
		t.Source = strings.TrimSpace(*p.Source)
	}
	if p.Destination != nil {
		t.Destination = strings.TrimSpace(*p.Destination)
	}
	if p.DepartureTime != nil {
		t.DepartureTime = p.DepartureTime.UTC()
	}
	if p.ArrivalTime != nil {
		t.ArrivalTime = p.ArrivalTime.UTC()
	}
	if p.TotalSeats != nil {
		t.TotalSeats = *p.TotalSeats
	}
	if p.Fare != nil {
		t.Fare = *p.Fare
	}
}
