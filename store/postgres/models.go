package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/identity"
)

type userModel struct {
	ID           string  `gorm:"primaryKey"`
	Name         string  `gorm:"not null"`
	Email        string  `gorm:"not null;uniqueIndex:idx_users_email"`
	Phone        *string `gorm:"uniqueIndex:idx_users_phone"`
	PasswordHash string  `gorm:"not null"`
	Role         string  `gorm:"not null;default:user;check:chk_users_role,role IN ('user', 'admin')"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userModel) TableName() string { return "users" }

type trainModel struct {
	ID             string          `gorm:"primaryKey"`
	Number         string          `gorm:"not null;uniqueIndex:idx_trains_number"`
	Name           string          `gorm:"not null"`
	Source         string          `gorm:"not null;index:idx_trains_route,priority:1"`
	Destination    string          `gorm:"not null;index:idx_trains_route,priority:2"`
	DepartureTime  time.Time       `gorm:"not null"`
	ArrivalTime    time.Time       `gorm:"not null"`
	TotalSeats     int             `gorm:"not null;check:chk_trains_total,total_seats > 0"`
	RemainingSeats int             `gorm:"not null;check:chk_trains_remaining,remaining_seats >= 0 AND remaining_seats <= total_seats"`
	Fare           decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (trainModel) TableName() string { return "trains" }

// bookingModel carries the partial unique index that backs seat uniqueness.
type bookingModel struct {
	ID         string          `gorm:"primaryKey"`
	UserID     string          `gorm:"not null;index:idx_bookings_user"`
	TrainID    string          `gorm:"not null;uniqueIndex:idx_bookings_active_seat,priority:1,where:status = 'booked';index:idx_bookings_train_status,priority:1"`
	SeatNumber string          `gorm:"not null;uniqueIndex:idx_bookings_active_seat,priority:2,where:status = 'booked'"`
	Status     string          `gorm:"not null;index:idx_bookings_train_status,priority:2;check:chk_bookings_status,status IN ('booked', 'cancelled', 'waiting')"`
	Fare       decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	User  *userModel  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	Train *trainModel `gorm:"foreignKey:TrainID;constraint:OnDelete:CASCADE"`
}

func (bookingModel) TableName() string { return "bookings" }

type ledgerModel struct {
	ID             string    `gorm:"primaryKey"`
	TrainID        string    `gorm:"not null;index:idx_ledger_entries_train,priority:1"`
	BookingID      *string   `gorm:"index"`
	Kind           string    `gorm:"not null"`
	Delta          int       `gorm:"not null"`
	RemainingAfter int       `gorm:"not null"`
	IdempotencyKey string    `gorm:"not null;uniqueIndex:idx_ledger_entries_idem"`
	CreatedAt      time.Time `gorm:"not null;index:idx_ledger_entries_train,priority:2"`

	Train *trainModel `gorm:"foreignKey:TrainID;constraint:OnDelete:CASCADE"`
}

func (ledgerModel) TableName() string { return "ledger_entries" }

type auditModel struct {
	ID        string    `gorm:"primaryKey"`
	At        time.Time `gorm:"not null;index:idx_audit_log_at"`
	ActorID   string
	Action    string `gorm:"not null"`
	BookingID string `gorm:"index:idx_audit_log_booking"`
	TrainID   string
	UserID    string
	Payload   string `gorm:"type:jsonb"`
}

func (auditModel) TableName() string { return "audit_log" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func (m trainModel) toDomain() booking.Train {
	return booking.Train{
		ID:             m.ID,
		Number:         m.Number,
		Name:           m.Name,
		Source:         m.Source,
		Destination:    m.Destination,
		DepartureTime:  m.DepartureTime.UTC(),
		ArrivalTime:    m.ArrivalTime.UTC(),
		TotalSeats:     m.TotalSeats,
		RemainingSeats: m.RemainingSeats,
		Fare:           m.Fare,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func trainFromDomain(t booking.Train) trainModel {
	return trainModel{
		ID:             t.ID,
		Number:         t.Number,
		Name:           t.Name,
		Source:         t.Source,
		Destination:    t.Destination,
		DepartureTime:  t.DepartureTime,
		ArrivalTime:    t.ArrivalTime,
		TotalSeats:     t.TotalSeats,
		RemainingSeats: t.RemainingSeats,
		Fare:           t.Fare,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (m bookingModel) toDomain() booking.Booking {
	return booking.Booking{
		ID:         m.ID,
		UserID:     m.UserID,
		TrainID:    m.TrainID,
		SeatNumber: m.SeatNumber,
		Status:     booking.Status(m.Status),
		Fare:       m.Fare,
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
}

func (m ledgerModel) toDomain() booking.LedgerEntry {
	e := booking.LedgerEntry{
		ID:             m.ID,
		TrainID:        m.TrainID,
		Kind:           booking.LedgerKind(m.Kind),
		Delta:          m.Delta,
		RemainingAfter: m.RemainingAfter,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.BookingID != nil {
		e.BookingID = *m.BookingID
	}
	return e
}

func (m userModel) toDomain() account.User {
	u := account.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         identity.Role(m.Role),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	if m.Phone != nil {
		u.Phone = *m.Phone
	}
	return u
}

func userFromDomain(u account.User) userModel {
	return userModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		Phone:        optional(u.Phone),
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
