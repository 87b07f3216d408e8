/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  domain types so column names and password hashes never leak.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Shape is checked by JSON Schema (schema.go) before decoding. Business
  rules stay in the services.

SEE ALSO:
  - handlers.go: Uses these types
  - schema.go: Request schemas
*/
package api

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
)

// =============================================================================
// BOOKINGS
// =============================================================================

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	TrainID    string `json:"train_id"`
	SeatNumber string `json:"seat_number"`
	Status     string `json:"status"`
	Fare       string `json:"fare"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// CreateBookingRequest books a seat. UserID defaults to the caller.
type CreateBookingRequest struct {
	UserID     string     `json:"user_id"`
	TrainID    string     `json:"train_id"`
	SeatNumber seatNumber `json:"seat_number"`
}

// UpdateBookingRequest is a partial booking change.
type UpdateBookingRequest struct {
	UserID     *string     `json:"user_id"`
	TrainID    *string     `json:"train_id"`
	SeatNumber *seatNumber `json:"seat_number"`
	Status     *string     `json:"status"`
}

// seatNumber accepts 12 as well as "12".
type seatNumber string

func (s *seatNumber) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*s = seatNumber(n.String())
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*s = seatNumber(str)
	return nil
}

// =============================================================================
// TRAINS
// =============================================================================

// TrainDTO represents a train in API responses.
type TrainDTO struct {
	ID             string `json:"id"`
	Number         string `json:"train_number"`
	Name           string `json:"train_name"`
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	DepartureTime  string `json:"departure_time"`
	ArrivalTime    string `json:"arrival_time"`
	TotalSeats     int    `json:"total_seats"`
	RemainingSeats int    `json:"remaining_seats"`
	Fare           string `json:"fare"`
}

// CreateTrainRequest adds a train. Times are RFC 3339.
type CreateTrainRequest struct {
	Number        string          `json:"train_number"`
	Name          string          `json:"train_name"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	DepartureTime time.Time       `json:"departure_time"`
	ArrivalTime   time.Time       `json:"arrival_time"`
	TotalSeats    int             `json:"total_seats"`
	Fare          decimal.Decimal `json:"fare"`
}

// UpdateTrainRequest is a partial train change.
type UpdateTrainRequest struct {
	Number        *string          `json:"train_number"`
	Name          *string          `json:"train_name"`
	Source        *string          `json:"source"`
	Destination   *string          `json:"destination"`
	DepartureTime *time.Time       `json:"departure_time"`
	ArrivalTime   *time.Time       `json:"arrival_time"`
	TotalSeats    *int             `json:"total_seats"`
	Fare          *decimal.Decimal `json:"fare"`
}

// =============================================================================
// USERS
// =============================================================================

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// LoginRequest exchanges credentials for a token.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token.
type LoginResponse struct {
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expires_at"`
	User      UserDTO `json:"user"`
}

// UpdateUserRequest is a partial profile change.
type UpdateUserRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
	Password *string `json:"password"`
	Role     *string `json:"role"`
}

// =============================================================================
// ADMIN
// =============================================================================

// LedgerEntryDTO is one counter movement.
type LedgerEntryDTO struct {
	ID             string `json:"id"`
	BookingID      string `json:"booking_id,omitempty"`
	Kind           string `json:"kind"`
	Delta          int    `json:"delta"`
	RemainingAfter int    `json:"remaining_after"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedAt      string `json:"created_at"`
}

// AuditEntryDTO is one recorded transition.
type AuditEntryDTO struct {
	ID        string          `json:"id"`
	At        string          `json:"at"`
	ActorID   string          `json:"actor_id,omitempty"`
	Action    string          `json:"action"`
	BookingID string          `json:"booking_id,omitempty"`
	TrainID   string          `json:"train_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBookingDTO(b booking.Booking) BookingDTO {
	return BookingDTO{
		ID:         b.ID,
		UserID:     b.UserID,
		TrainID:    b.TrainID,
		SeatNumber: b.SeatNumber,
		Status:     string(b.Status),
		Fare:       b.Fare.StringFixed(2),
		CreatedAt:  b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  b.UpdatedAt.Format(time.RFC3339),
	}
}

func toBookingDTOs(bs []booking.Booking) []BookingDTO {
	out := make([]BookingDTO, len(bs))
	for i, b := range bs {
		out[i] = toBookingDTO(b)
	}
	return out
}

func toTrainDTO(t booking.Train) TrainDTO {
	return TrainDTO{
		ID:             t.ID,
		Number:         t.Number,
		Name:           t.Name,
		Source:         t.Source,
		Destination:    t.Destination,
		DepartureTime:  t.DepartureTime.Format(time.RFC3339),
		ArrivalTime:    t.ArrivalTime.Format(time.RFC3339),
		TotalSeats:     t.TotalSeats,
		RemainingSeats: t.RemainingSeats,
		Fare:           t.Fare.StringFixed(2),
	}
}

func toUserDTO(u account.User) UserDTO {
	return UserDTO{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Phone:     u.Phone,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func toLedgerDTO(e booking.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             e.ID,
		BookingID:      e.BookingID,
		Kind:           string(e.Kind),
		Delta:          e.Delta,
		RemainingAfter: e.RemainingAfter,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toAuditDTO(e booking.AuditEntry) AuditEntryDTO {
	dto := AuditEntryDTO{
		ID:        e.ID,
		At:        e.At.Format(time.RFC3339Nano),
		ActorID:   e.ActorID,
		Action:    e.Action,
		BookingID: e.BookingID,
		TrainID:   e.TrainID,
		UserID:    e.UserID,
	}
	if json.Valid([]byte(e.Payload)) {
		dto.Payload = json.RawMessage(e.Payload)
	}
	return dto
}

// queryInt parses a positive integer query value, falling back to def.
func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
