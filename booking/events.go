package booking

import (
	"context"
	"time"
)

// EventType names a committed lifecycle transition.
type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingUpdated   EventType = "booking.updated"
	EventBookingCancelled EventType = "booking.cancelled"
)

// Event describes a transition after it has been committed.
type Event struct {
	Type           EventType `json:"type"`
	BookingID      string    `json:"booking_id"`
	UserID         string    `json:"user_id"`
	TrainID        string    `json:"train_id"`
	SeatNumber     string    `json:"seat_number"`
	Status         Status    `json:"status"`
	ActorID        string    `json:"actor_id"`
	RemainingSeats int       `json:"remaining_seats"`
	At             time.Time `json:"at"`
}

// Publisher delivers committed events. Publishing happens after commit; a
// failure is logged and never undoes the transition.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
