/*
Package postgres is the production implementation of the storage interfaces,
built on GORM and the pgx-based PostgreSQL driver.

CONCURRENCY:
  Row locks, not a process lock. LockTrain and GetBooking inside WithTx use
  SELECT ... FOR UPDATE and hold the row until commit or rollback, so two
  units on the same train serialize while units on different trains run in
  parallel. Lock order is booking, then train; Create locks only the train.

  The partial unique index idx_bookings_active_seat and the unique ledger
  idempotency key back up the engine's checks at the storage level.

USAGE:
  store, err := postgres.New(dsn, logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - booking/store.go: Interface definitions and isolation contract
  - store/sqlite/sqlite.go: Development implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/catalog"
)

// Store implements all storage interfaces on PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var (
	_ booking.Store    = (*Store)(nil)
	_ booking.AuditLog = (*Store)(nil)
	_ catalog.Store    = (*Store)(nil)
	_ account.Store    = (*Store)(nil)
	_ booking.Tx       = (*txStore)(nil)
	_ catalog.TrainTx  = (*txStore)(nil)
)

// New connects and migrates the schema.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&userModel{}, &trainModel{}, &bookingModel{}, &ledgerModel{}, &auditModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("postgres store ready")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Reset clears all data (for scenarios and testing).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Exec("TRUNCATE audit_log, ledger_entries, bookings, trains, users CASCADE").Error
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(booking.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
}

// WithTrainTx executes fn within one database transaction.
func (s *Store) WithTrainTx(ctx context.Context, fn func(catalog.TrainTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
}

type txStore struct {
	db *gorm.DB
}

func (t *txStore) LockTrain(ctx context.Context, id string) (*booking.Train, error) {
	var m trainModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock train: %w", err)
	}
	tr := m.toDomain()
	return &tr, nil
}

func (t *txStore) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	var m bookingModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}
	b := m.toDomain()
	return &b, nil
}

func (t *txStore) IsSeatOccupied(ctx context.Context, trainID, seat string) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&bookingModel{}).
		Where("train_id = ? AND seat_number = ? AND status = ?", trainID, seat, booking.StatusBooked).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check seat: %w", err)
	}
	return n > 0, nil
}

func (t *txStore) CountBooked(ctx context.Context, trainID string) (int, error) {
	return countBooked(ctx, t.db, trainID)
}

func (t *txStore) MaxBookedSeat(ctx context.Context, trainID string) (int, error) {
	var n int
	err := t.db.WithContext(ctx).Raw(`
		SELECT COALESCE(MAX(CASE WHEN seat_number ~ '^[0-9]+$' THEN seat_number::int END), 0)
		FROM bookings WHERE train_id = ? AND status = 'booked'
	`, trainID).Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read highest seat: %w", err)
	}
	return n, nil
}

func (t *txStore) InsertBooking(ctx context.Context, b booking.Booking) error {
	m := bookingModel{
		ID:         b.ID,
		UserID:     b.UserID,
		TrainID:    b.TrainID,
		SeatNumber: b.SeatNumber,
		Status:     string(b.Status),
		Fare:       b.Fare,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
	err := t.db.WithContext(ctx).Omit(clause.Associations).Create(&m).Error
	switch {
	case err == nil:
		return nil
	case violates(err, "idx_bookings_active_seat"):
		return booking.ErrDuplicateSeat
	case isForeignKeyError(err):
		return booking.ErrUserNotFound
	}
	return fmt.Errorf("failed to insert booking: %w", err)
}

func (t *txStore) UpdateBooking(ctx context.Context, b booking.Booking) error {
	res := t.db.WithContext(ctx).Model(&bookingModel{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"seat_number": b.SeatNumber,
			"status":      string(b.Status),
			"updated_at":  b.UpdatedAt,
		})
	if res.Error != nil {
		if violates(res.Error, "idx_bookings_active_seat") {
			return booking.ErrDuplicateSeat
		}
		return fmt.Errorf("failed to update booking: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return booking.ErrBookingNotFound
	}
	return nil
}

func (t *txStore) AdjustRemaining(ctx context.Context, trainID string, delta int, at time.Time) (int, error) {
	db := t.db.WithContext(ctx)
	res := db.Model(&trainModel{}).
		Where("id = ? AND remaining_seats + ? BETWEEN 0 AND total_seats", trainID, delta).
		Updates(map[string]any{
			"remaining_seats": gorm.Expr("remaining_seats + ?", delta),
			"updated_at":      at.UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to adjust remaining seats: %w", res.Error)
	}

	var m trainModel
	err := db.Select("remaining_seats").Where("id = ?", trainID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, booking.ErrTrainNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read remaining seats: %w", err)
	}
	if res.RowsAffected == 0 {
		return 0, booking.ErrCapacityBounds
	}
	return m.RemainingSeats, nil
}

func (t *txStore) AppendLedger(ctx context.Context, e booking.LedgerEntry) error {
	return appendLedger(ctx, t.db, e)
}

func (t *txStore) SearchTrains(ctx context.Context, source, destination string) ([]booking.Train, error) {
	return searchTrains(ctx, t.db, source, destination)
}

func (t *txStore) InsertTrain(ctx context.Context, tr booking.Train) error {
	m := trainFromDomain(tr)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		if violates(err, "idx_trains_number") {
			return catalog.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to insert train: %w", err)
	}
	return nil
}

func (t *txStore) UpdateTrain(ctx context.Context, tr booking.Train) error {
	res := t.db.WithContext(ctx).Model(&trainModel{}).
		Where("id = ?", tr.ID).
		Updates(map[string]any{
			"number":          tr.Number,
			"name":            tr.Name,
			"source":          tr.Source,
			"destination":     tr.Destination,
			"departure_time":  tr.DepartureTime,
			"arrival_time":    tr.ArrivalTime,
			"total_seats":     tr.TotalSeats,
			"remaining_seats": tr.RemainingSeats,
			"fare":            tr.Fare,
			"updated_at":      tr.UpdatedAt,
		})
	if res.Error != nil {
		if violates(res.Error, "idx_trains_number") {
			return catalog.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to update train: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return booking.ErrTrainNotFound
	}
	return nil
}

// =============================================================================
// TRAINS
// =============================================================================

// GetTrain returns (nil, nil) when absent.
func (s *Store) GetTrain(ctx context.Context, id string) (*booking.Train, error) {
	var m trainModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get train: %w", err)
	}
	tr := m.toDomain()
	return &tr, nil
}

// ListTrains returns all trains ordered by departure.
func (s *Store) ListTrains(ctx context.Context) ([]booking.Train, error) {
	return searchTrains(ctx, s.db, "", "")
}

// SearchTrains matches a route case-insensitively.
func (s *Store) SearchTrains(ctx context.Context, source, destination string) ([]booking.Train, error) {
	return searchTrains(ctx, s.db, source, destination)
}

// DeleteTrain removes a train; bookings and ledger entries cascade.
func (s *Store) DeleteTrain(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&trainModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete train: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return booking.ErrTrainNotFound
	}
	return nil
}

func searchTrains(ctx context.Context, db *gorm.DB, source, destination string) ([]booking.Train, error) {
	q := db.WithContext(ctx).Model(&trainModel{})
	if source != "" {
		q = q.Where("LOWER(source) = LOWER(?)", source)
	}
	if destination != "" {
		q = q.Where("LOWER(destination) = LOWER(?)", destination)
	}
	var models []trainModel
	if err := q.Order("departure_time ASC, number ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query trains: %w", err)
	}
	trains := make([]booking.Train, 0, len(models))
	for _, m := range models {
		trains = append(trains, m.toDomain())
	}
	return trains, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

// GetBooking returns (nil, nil) when absent.
func (s *Store) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	var m bookingModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	b := m.toDomain()
	return &b, nil
}

// ListBookings returns bookings matching the filter, newest first.
func (s *Store) ListBookings(ctx context.Context, f booking.BookingFilter) ([]booking.Booking, error) {
	q := s.db.WithContext(ctx).Model(&bookingModel{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.TrainID != "" {
		q = q.Where("train_id = ?", f.TrainID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var models []bookingModel
	if err := q.Order("created_at DESC, id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	bookings := make([]booking.Booking, 0, len(models))
	for _, m := range models {
		bookings = append(bookings, m.toDomain())
	}
	return bookings, nil
}

func countBooked(ctx context.Context, db *gorm.DB, trainID string) (int, error) {
	var n int64
	err := db.WithContext(ctx).Model(&bookingModel{}).
		Where("train_id = ? AND status = ?", trainID, booking.StatusBooked).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return int(n), nil
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntries returns the counter history of a train, oldest first.
func (s *Store) LedgerEntries(ctx context.Context, trainID string) ([]booking.LedgerEntry, error) {
	var models []ledgerModel
	err := s.db.WithContext(ctx).
		Where("train_id = ?", trainID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	entries := make([]booking.LedgerEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, m.toDomain())
	}
	return entries, nil
}

func appendLedger(ctx context.Context, db *gorm.DB, e booking.LedgerEntry) error {
	m := ledgerModel{
		ID:             e.ID,
		TrainID:        e.TrainID,
		BookingID:      optional(e.BookingID),
		Kind:           string(e.Kind),
		Delta:          e.Delta,
		RemainingAfter: e.RemainingAfter,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt,
	}
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(&m).Error; err != nil {
		if violates(err, "idx_ledger_entries_idem") {
			return booking.ErrDuplicateLedgerEntry
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// USERS (account.Store)
// =============================================================================

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u account.User) error {
	m := userFromDomain(u)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return userConstraintError(err, "create")
	}
	return nil
}

// GetUser returns (nil, nil) when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*account.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

// GetUserByEmail returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*account.User, error) {
	return s.getUser(ctx, "email = ?", email)
}

func (s *Store) getUser(ctx context.Context, where string, arg string) (*account.User, error) {
	var m userModel
	err := s.db.WithContext(ctx).Where(where, arg).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u := m.toDomain()
	return &u, nil
}

// ListUsers returns all users ordered by creation.
func (s *Store) ListUsers(ctx context.Context) ([]account.User, error) {
	var models []userModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, email ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	users := make([]account.User, 0, len(models))
	for _, m := range models {
		users = append(users, m.toDomain())
	}
	return users, nil
}

// UpdateUser writes every mutable column.
func (s *Store) UpdateUser(ctx context.Context, u account.User) error {
	res := s.db.WithContext(ctx).Model(&userModel{}).
		Where("id = ?", u.ID).
		Updates(map[string]any{
			"name":          u.Name,
			"email":         u.Email,
			"phone":         optional(u.Phone),
			"password_hash": u.PasswordHash,
			"role":          string(u.Role),
			"updated_at":    u.UpdatedAt,
		})
	if res.Error != nil {
		return userConstraintError(res.Error, "update")
	}
	if res.RowsAffected == 0 {
		return account.ErrUserNotFound
	}
	return nil
}

// DeleteUser releases the user's active seats back to the capacity ledger,
// then deletes the user; bookings cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []bookingModel
		err := tx.Where("user_id = ? AND status = ?", id, booking.StatusBooked).
			Order("train_id ASC, id ASC").
			Find(&active).Error
		if err != nil {
			return fmt.Errorf("failed to list user bookings: %w", err)
		}

		// Train row first, then the booking row, the same order the
		// booking engine locks in.
		t := &txStore{db: tx}
		ledger := booking.NewCapacityLedger(t, time.Now, uuid.NewString)
		released := 0
		for _, b := range active {
			train, err := t.LockTrain(ctx, b.TrainID)
			if err != nil {
				return err
			}
			if train == nil {
				return booking.ErrTrainNotFound
			}
			cur, err := t.GetBooking(ctx, b.ID)
			if err != nil {
				return err
			}
			if cur == nil || !cur.Occupies() {
				continue
			}
			if _, err := ledger.Release(ctx, train, b.ID); err != nil {
				return err
			}
			released++
		}

		res := tx.Where("id = ?", id).Delete(&userModel{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return account.ErrUserNotFound
		}
		s.logger.Debug("user deleted", zap.String("user_id", id), zap.Int("released_seats", released))
		return nil
	})
}

func userConstraintError(err error, op string) error {
	switch {
	case violates(err, "idx_users_email"):
		return account.ErrEmailTaken
	case violates(err, "idx_users_phone"):
		return account.ErrPhoneTaken
	}
	return fmt.Errorf("failed to %s user: %w", op, err)
}

// =============================================================================
// AUDIT LOG (booking.AuditLog)
// =============================================================================

// AppendAudit records an audit entry. Redelivered entries are ignored.
func (s *Store) AppendAudit(ctx context.Context, e booking.AuditEntry) error {
	payload := e.Payload
	if payload == "" {
		payload = "{}"
	}
	m := auditModel{
		ID:        e.ID,
		At:        e.At,
		ActorID:   e.ActorID,
		Action:    e.Action,
		BookingID: e.BookingID,
		TrainID:   e.TrainID,
		UserID:    e.UserID,
		Payload:   payload,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns audit entries, newest first. Limit defaults to 100.
func (s *Store) QueryAudit(ctx context.Context, f booking.AuditFilter) ([]booking.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&auditModel{})
	if f.BookingID != "" {
		q = q.Where("booking_id = ?", f.BookingID)
	}
	if f.ActorID != "" {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	var models []auditModel
	if err := q.Order("at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	entries := make([]booking.AuditEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, booking.AuditEntry{
			ID:        m.ID,
			At:        m.At.UTC(),
			ActorID:   m.ActorID,
			Action:    m.Action,
			BookingID: m.BookingID,
			TrainID:   m.TrainID,
			UserID:    m.UserID,
			Payload:   m.Payload,
		})
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// violates reports a unique violation (SQLSTATE 23505) of the named index.
func violates(err error, index string) bool {
	msg := err.Error()
	return (strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")) &&
		strings.Contains(msg, index)
}

func isForeignKeyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "violates foreign key constraint") || strings.Contains(msg, "23503")
}
