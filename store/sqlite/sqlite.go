/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the service with one database
  handle. Used for development, demos and tests; production runs the same
  contracts on PostgreSQL (store/postgres).

INTERFACES IMPLEMENTED:
  booking.Store / booking.Tx:  Trains, bookings, capacity ledger
  booking.AuditLog:            Audit trail
  catalog.Store / TrainTx:     Train CRUD
  account.Store:               Users

KEY TABLES:
  trains:          Capacity record (total_seats fixed, remaining_seats moves)
  bookings:        Seat allocations
  ledger_entries:  Append-only history of remaining_seats movements
  users:           Accounts
  audit_log:       Who did what when

INDEXES:
  - idx_bookings_active_seat: UNIQUE (train_id, seat_number) WHERE
    status = 'booked'. The storage-level backstop against double booking
  - ledger_entries.idempotency_key UNIQUE: a booking releases at most once
  - idx_bookings_train_status: Count of active bookings (hot path)

CONCURRENCY:
  No application lock. Every transaction starts with BEGIN IMMEDIATE
  (_txlock=immediate), which takes SQLite's single write lock up front, so
  check-then-write units never interleave. busy_timeout makes a second
  writer wait instead of failing. ":memory:" databases are pinned to one
  connection so all callers see the same database.

  Inside WithTx only the *sql.Tx is used. Touching s.db there would wait
  for the connection the transaction already holds.

WAL MODE:
  File databases are opened with WAL so readers don't block the writer.

USAGE:
  store, err := sqlite.New("./data/railbook.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - booking/store.go: Interface definitions and isolation contract
  - store/postgres/postgres.go: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/catalog"
	"github.com/warp/railbook/identity"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ booking.Store    = (*Store)(nil)
	_ booking.AuditLog = (*Store)(nil)
	_ catalog.Store    = (*Store)(nil)
	_ account.Store    = (*Store)(nil)
	_ booking.Tx       = (*txStore)(nil)
	_ catalog.TrainTx  = (*txStore)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trains (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		departure_time TEXT NOT NULL,
		arrival_time TEXT NOT NULL,
		total_seats INTEGER NOT NULL CHECK (total_seats > 0),
		remaining_seats INTEGER NOT NULL
			CHECK (remaining_seats >= 0 AND remaining_seats <= total_seats),
		fare TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trains_route
		ON trains(source COLLATE NOCASE, destination COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		train_id TEXT NOT NULL REFERENCES trains(id) ON DELETE CASCADE,
		seat_number TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('booked', 'cancelled', 'waiting')),
		fare TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active booking per seat per train.
	-- Cancelled and waiting rows keep their seat number but do not hold it.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_active_seat
		ON bookings(train_id, seat_number)
		WHERE status = 'booked';

	CREATE INDEX IF NOT EXISTS idx_bookings_train_status
		ON bookings(train_id, status);
	CREATE INDEX IF NOT EXISTS idx_bookings_user
		ON bookings(user_id, created_at DESC);

	-- Capacity ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		train_id TEXT NOT NULL REFERENCES trains(id) ON DELETE CASCADE,
		booking_id TEXT,
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL,
		remaining_after INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_train
		ON ledger_entries(train_id, created_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		booking_id TEXT,
		train_id TEXT,
		user_id TEXT,
		payload TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_booking
		ON audit_log(booking_id) WHERE booking_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_log_at
		ON audit_log(at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for scenarios and testing).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx booking.Tx) error {
		t := tx.(*txStore)
		for _, table := range []string{"audit_log", "ledger_entries", "bookings", "trains", "users"} {
			if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// QUERIER - shared by the plain handle and transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(booking.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithTrainTx executes fn within a transaction for catalog changes.
func (s *Store) WithTrainTx(ctx context.Context, fn func(catalog.TrainTx) error) error {
	return s.WithTx(ctx, func(tx booking.Tx) error {
		return fn(tx.(*txStore))
	})
}

// txStore is the view handed to WithTx callbacks. It implements both
// booking.Tx and catalog.TrainTx.
type txStore struct {
	tx *sql.Tx
}

// LockTrain reads a train. The write lock is already held since BEGIN
// IMMEDIATE, so the row is stable until the unit ends.
func (t *txStore) LockTrain(ctx context.Context, id string) (*booking.Train, error) {
	return getTrain(ctx, t.tx, id)
}

func (t *txStore) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	return getBooking(ctx, t.tx, id)
}

func (t *txStore) IsSeatOccupied(ctx context.Context, trainID, seat string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE train_id = ? AND seat_number = ? AND status = 'booked'
	`, trainID, seat).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check seat: %w", err)
	}
	return n > 0, nil
}

func (t *txStore) CountBooked(ctx context.Context, trainID string) (int, error) {
	return countBooked(ctx, t.tx, trainID)
}

func (t *txStore) MaxBookedSeat(ctx context.Context, trainID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(CAST(seat_number AS INTEGER)), 0) FROM bookings
		WHERE train_id = ? AND status = 'booked'
	`, trainID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read highest seat: %w", err)
	}
	return n, nil
}

func (t *txStore) InsertBooking(ctx context.Context, b booking.Booking) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bookings (id, user_id, train_id, seat_number, status, fare, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.UserID, b.TrainID, b.SeatNumber, string(b.Status), b.Fare.String(),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isActiveSeatError(err) {
			return booking.ErrDuplicateSeat
		}
		if isForeignKeyError(err) {
			return booking.ErrUserNotFound
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (t *txStore) UpdateBooking(ctx context.Context, b booking.Booking) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bookings SET seat_number = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, b.SeatNumber, string(b.Status), formatTime(b.UpdatedAt), b.ID)
	if err != nil {
		if isActiveSeatError(err) {
			return booking.ErrDuplicateSeat
		}
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrBookingNotFound
	}
	return nil
}

func (t *txStore) AdjustRemaining(ctx context.Context, trainID string, delta int, at time.Time) (int, error) {
	var remaining int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE trains
		SET remaining_seats = remaining_seats + ?, updated_at = ?
		WHERE id = ? AND remaining_seats + ? BETWEEN 0 AND total_seats
		RETURNING remaining_seats
	`, delta, formatTime(at), trainID, delta).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		train, gerr := getTrain(ctx, t.tx, trainID)
		if gerr != nil {
			return 0, gerr
		}
		if train == nil {
			return 0, booking.ErrTrainNotFound
		}
		return 0, booking.ErrCapacityBounds
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust remaining seats: %w", err)
	}
	return remaining, nil
}

func (t *txStore) AppendLedger(ctx context.Context, e booking.LedgerEntry) error {
	return appendLedger(ctx, t.tx, e)
}

func (t *txStore) SearchTrains(ctx context.Context, source, destination string) ([]booking.Train, error) {
	return searchTrains(ctx, t.tx, source, destination)
}

func (t *txStore) InsertTrain(ctx context.Context, tr booking.Train) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trains
		(id, number, name, source, destination, departure_time, arrival_time,
		 total_seats, remaining_seats, fare, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tr.ID, tr.Number, tr.Name, tr.Source, tr.Destination,
		formatTime(tr.DepartureTime), formatTime(tr.ArrivalTime),
		tr.TotalSeats, tr.RemainingSeats, tr.Fare.String(),
		formatTime(tr.CreatedAt), formatTime(tr.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return catalog.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to insert train: %w", err)
	}
	return nil
}

func (t *txStore) UpdateTrain(ctx context.Context, tr booking.Train) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE trains SET
			number = ?, name = ?, source = ?, destination = ?,
			departure_time = ?, arrival_time = ?,
			total_seats = ?, remaining_seats = ?, fare = ?, updated_at = ?
		WHERE id = ?
	`,
		tr.Number, tr.Name, tr.Source, tr.Destination,
		formatTime(tr.DepartureTime), formatTime(tr.ArrivalTime),
		tr.TotalSeats, tr.RemainingSeats, tr.Fare.String(), formatTime(tr.UpdatedAt),
		tr.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return catalog.ErrDuplicateNumber
		}
		return fmt.Errorf("failed to update train: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrTrainNotFound
	}
	return nil
}

// =============================================================================
// TRAINS
// =============================================================================

const trainColumns = `id, number, name, source, destination, departure_time, arrival_time,
	total_seats, remaining_seats, fare, created_at, updated_at`

// GetTrain returns (nil, nil) when absent.
func (s *Store) GetTrain(ctx context.Context, id string) (*booking.Train, error) {
	return getTrain(ctx, s.db, id)
}

// ListTrains returns all trains ordered by departure.
func (s *Store) ListTrains(ctx context.Context) ([]booking.Train, error) {
	return queryTrains(ctx, s.db, `SELECT `+trainColumns+` FROM trains ORDER BY departure_time ASC, number ASC`)
}

// SearchTrains matches a route case-insensitively.
func (s *Store) SearchTrains(ctx context.Context, source, destination string) ([]booking.Train, error) {
	return searchTrains(ctx, s.db, source, destination)
}

// DeleteTrain removes a train; bookings and ledger entries cascade.
func (s *Store) DeleteTrain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trains WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete train: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrTrainNotFound
	}
	return nil
}

func getTrain(ctx context.Context, q querier, id string) (*booking.Train, error) {
	row := q.QueryRowContext(ctx, `SELECT `+trainColumns+` FROM trains WHERE id = ?`, id)
	t, err := scanTrain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get train: %w", err)
	}
	return &t, nil
}

func searchTrains(ctx context.Context, q querier, source, destination string) ([]booking.Train, error) {
	return queryTrains(ctx, q, `
		SELECT `+trainColumns+` FROM trains
		WHERE (? = '' OR source = ? COLLATE NOCASE)
		  AND (? = '' OR destination = ? COLLATE NOCASE)
		ORDER BY departure_time ASC, number ASC
	`, source, source, destination, destination)
}

func queryTrains(ctx context.Context, q querier, query string, args ...any) ([]booking.Train, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trains: %w", err)
	}
	defer rows.Close()

	trains := []booking.Train{}
	for rows.Next() {
		t, err := scanTrain(rows)
		if err != nil {
			return nil, err
		}
		trains = append(trains, t)
	}
	return trains, rows.Err()
}

func scanTrain(row scanner) (booking.Train, error) {
	var t booking.Train
	var departure, arrival, fare, created, updated string
	err := row.Scan(
		&t.ID, &t.Number, &t.Name, &t.Source, &t.Destination, &departure, &arrival,
		&t.TotalSeats, &t.RemainingSeats, &fare, &created, &updated,
	)
	if err != nil {
		return booking.Train{}, err
	}
	t.DepartureTime = parseTime(departure)
	t.ArrivalTime = parseTime(arrival)
	t.Fare = parseDecimal(fare)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, user_id, train_id, seat_number, status, fare, created_at, updated_at`

// GetBooking returns (nil, nil) when absent.
func (s *Store) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	return getBooking(ctx, s.db, id)
}

// ListBookings returns bookings matching the filter, newest first.
func (s *Store) ListBookings(ctx context.Context, f booking.BookingFilter) ([]booking.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (? = '' OR user_id = ?)
		  AND (? = '' OR train_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC, id ASC
	`, f.UserID, f.UserID, f.TrainID, f.TrainID, string(f.Status), string(f.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	bookings := []booking.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func getBooking(ctx context.Context, q querier, id string) (*booking.Booking, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

func countBooked(ctx context.Context, q querier, trainID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings WHERE train_id = ? AND status = 'booked'
	`, trainID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return n, nil
}

func scanBooking(row scanner) (booking.Booking, error) {
	var b booking.Booking
	var status, fare, created, updated string
	if err := row.Scan(&b.ID, &b.UserID, &b.TrainID, &b.SeatNumber, &status, &fare, &created, &updated); err != nil {
		return booking.Booking{}, err
	}
	b.Status = booking.Status(status)
	b.Fare = parseDecimal(fare)
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntries returns the counter history of a train, oldest first.
func (s *Store) LedgerEntries(ctx context.Context, trainID string) ([]booking.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, train_id, booking_id, kind, delta, remaining_after, idempotency_key, created_at
		FROM ledger_entries
		WHERE train_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, trainID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	entries := []booking.LedgerEntry{}
	for rows.Next() {
		var (
			e         booking.LedgerEntry
			bookingID sql.NullString
			kind      string
			created   string
		)
		if err := rows.Scan(&e.ID, &e.TrainID, &bookingID, &kind, &e.Delta, &e.RemainingAfter, &e.IdempotencyKey, &created); err != nil {
			return nil, err
		}
		e.BookingID = bookingID.String
		e.Kind = booking.LedgerKind(kind)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func appendLedger(ctx context.Context, q querier, e booking.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, train_id, booking_id, kind, delta, remaining_after, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.TrainID, nullString(e.BookingID), string(e.Kind), e.Delta, e.RemainingAfter,
		e.IdempotencyKey, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return booking.ErrDuplicateLedgerEntry
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// USERS (account.Store)
// =============================================================================

const userColumns = `id, name, email, phone, password_hash, role, created_at, updated_at`

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u account.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.ID, u.Name, u.Email, nullString(u.Phone), u.PasswordHash, string(u.Role),
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		return userConstraintError(err, "create")
	}
	return nil
}

// GetUser returns (nil, nil) when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*account.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*account.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (s *Store) getUser(ctx context.Context, query string, arg string) (*account.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by creation.
func (s *Store) ListUsers(ctx context.Context) ([]account.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, email ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []account.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser writes every mutable column.
func (s *Store) UpdateUser(ctx context.Context, u account.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, phone = ?, password_hash = ?, role = ?, updated_at = ?
		WHERE id = ?
	`, u.Name, u.Email, nullString(u.Phone), u.PasswordHash, string(u.Role), formatTime(u.UpdatedAt), u.ID)
	if err != nil {
		return userConstraintError(err, "update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.ErrUserNotFound
	}
	return nil
}

// DeleteUser removes a user. Their active bookings give their seats back
// through the capacity ledger first, then the rows cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(btx booking.Tx) error {
		t := btx.(*txStore)

		rows, err := t.tx.QueryContext(ctx, `
			SELECT id, train_id FROM bookings WHERE user_id = ? AND status = 'booked'
		`, id)
		if err != nil {
			return fmt.Errorf("failed to list user bookings: %w", err)
		}
		type held struct{ bookingID, trainID string }
		var active []held
		for rows.Next() {
			var h held
			if err := rows.Scan(&h.bookingID, &h.trainID); err != nil {
				rows.Close()
				return err
			}
			active = append(active, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ledger := booking.NewCapacityLedger(t, time.Now, uuid.NewString)
		for _, h := range active {
			train, err := t.LockTrain(ctx, h.trainID)
			if err != nil {
				return err
			}
			if train == nil {
				return booking.ErrTrainNotFound
			}
			if _, err := ledger.Release(ctx, train, h.bookingID); err != nil {
				return err
			}
		}

		res, err := t.tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return account.ErrUserNotFound
		}
		return nil
	})
}

func scanUser(row scanner) (account.User, error) {
	var u account.User
	var phone sql.NullString
	var role, created, updated string
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &phone, &u.PasswordHash, &role, &created, &updated); err != nil {
		return account.User{}, err
	}
	u.Phone = phone.String
	u.Role = identity.Role(role)
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

func userConstraintError(err error, op string) error {
	switch {
	case strings.Contains(err.Error(), "users.email"):
		return account.ErrEmailTaken
	case strings.Contains(err.Error(), "users.phone"):
		return account.ErrPhoneTaken
	}
	return fmt.Errorf("failed to %s user: %w", op, err)
}

// =============================================================================
// AUDIT LOG (booking.AuditLog)
// =============================================================================

// AppendAudit records an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e booking.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, booking_id, train_id, user_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, formatTime(e.At), nullString(e.ActorID), e.Action,
		nullString(e.BookingID), nullString(e.TrainID), nullString(e.UserID), nullString(e.Payload),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Redelivered message; already recorded.
			return nil
		}
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, actor_id, action, booking_id, train_id, user_id, payload
		FROM audit_log
		WHERE (? = '' OR booking_id = ?)
		  AND (? = '' OR actor_id = ?)
		ORDER BY at DESC, rowid DESC
		LIMIT ?
	`, f.BookingID, f.BookingID, f.ActorID, f.ActorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := []booking.AuditEntry{}
	for rows.Next() {
		var e booking.AuditEntry
		var at string
		var actorID, bookingID, trainID, userID, payload sql.NullString
		if err := rows.Scan(&e.ID, &at, &actorID, &e.Action, &bookingID, &trainID, &userID, &payload); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.ActorID = actorID.String
		e.BookingID = bookingID.String
		e.TrainID = trainID.String
		e.UserID = userID.String
		e.Payload = payload.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isActiveSeatError(err error) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), "bookings.train_id")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
