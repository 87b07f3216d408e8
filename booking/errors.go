/*
errors.go - Error kinds and sentinel errors for the booking core

PURPOSE:
  Every failure leaving this package is classifiable into one Kind. The
  transport maps Kind to a status code exactly once.

ERROR KINDS:
  KindNotFound      entity absent                       -> 404
  KindForbidden     policy denial                       -> 403
  KindInvalidInput  malformed seat, missing fields,
                    invalid transition, no-op update    -> 400
  KindConflict      seat taken, train full,
                    already cancelled                   -> 400/409
  KindUnexpected    storage failure                     -> 500

USAGE:
  if errors.Is(err, booking.ErrSeatTaken) { ... }
  switch booking.KindOf(err) { ... }

SEE ALSO:
  - api/errors.go: Kind to HTTP status mapping
*/
package booking

import (
	"errors"
	"fmt"

	"github.com/warp/railbook/policy"
)

// Kind classifies an error for the transport boundary.
type Kind int

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindForbidden
	KindInvalidInput
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidInput:
		return "invalid_input"
	case KindConflict:
		return "conflict"
	}
	return "unexpected"
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrTrainNotFound   = errors.New("train not found")
	ErrBookingNotFound = errors.New("booking not found")
	ErrUserNotFound    = errors.New("user not found")

	ErrInvalidSeat       = errors.New("invalid seat number")
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoChange          = errors.New("no change requested")
	ErrImmutableField    = errors.New("field cannot be changed")

	ErrSeatTaken        = errors.New("seat already booked")
	ErrTrainFull        = errors.New("train is fully booked")
	ErrAlreadyCancelled = errors.New("booking already cancelled")

	// ErrForbidden aliases the guard's error so callers need only this package.
	ErrForbidden = policy.ErrForbidden
)

// Store-level errors. Stores return these; the engine translates them.
var (
	// ErrDuplicateSeat is returned when the partial unique index on
	// (train_id, seat_number) WHERE status = 'booked' rejects a write.
	ErrDuplicateSeat = errors.New("duplicate active seat")

	// ErrDuplicateLedgerEntry is returned when a ledger idempotency key exists.
	ErrDuplicateLedgerEntry = errors.New("duplicate ledger entry")

	// ErrCapacityBounds is returned when a counter adjustment would leave
	// [0, TotalSeats].
	ErrCapacityBounds = errors.New("remaining seats out of bounds")
)

// =============================================================================
// STRUCTURED ERROR - Carries operation context
// =============================================================================

// Error is a classified failure of an engine operation.
type Error struct {
	Kind      Kind
	Op        string
	BookingID string
	TrainID   string
	Seat      string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.BookingID != "" {
		msg += fmt.Sprintf(" (booking %s)", e.BookingID)
	}
	if e.TrainID != "" {
		msg += fmt.Sprintf(" (train %s)", e.TrainID)
	}
	if e.Seat != "" {
		msg += fmt.Sprintf(" (seat %s)", e.Seat)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies any error. Unknown errors are KindUnexpected.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrTrainNotFound),
		errors.Is(err, ErrBookingNotFound),
		errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidSeat),
		errors.Is(err, ErrMissingFields),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNoChange),
		errors.Is(err, ErrImmutableField):
		return KindInvalidInput
	case errors.Is(err, ErrSeatTaken),
		errors.Is(err, ErrTrainFull),
		errors.Is(err, ErrAlreadyCancelled):
		return KindConflict
	}
	return KindUnexpected
}

// IsConflict returns true for seat-taken, train-full and already-cancelled.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}
