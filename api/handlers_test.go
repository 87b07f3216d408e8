/*
handlers_test.go - HTTP tests for the API layer

Tests for:
- Authentication (missing, malformed, invalid tokens)
- Booking lifecycle status codes (create, seat taken, move, cancel twice)
- Ownership and admin checks through the router
- Train catalog visibility
- Registration and login
- Rate limiting
- Error to status mapping
- Reconciliation endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/catalog"
	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
	"github.com/warp/railbook/railway"
	"github.com/warp/railbook/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	adminEmail    = "admin@example.com"
	adminPassword = "admin-password"
	userPassword  = "passenger-pw"
)

type testServer struct {
	h      *Handler
	router http.Handler
	admin  string
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, RouterOptions{RateRPS: 1000, RateBurst: 1000})
}

func newTestServerWith(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	guard, err := policy.NewGuard(ctx)
	require.NoError(t, err)
	tokens, err := identity.NewTokens("test-secret-0123456789", time.Hour)
	require.NoError(t, err)

	h := NewHandler(store, guard, tokens, nil, nil, zap.NewNop())
	h.AfterReset = func(ctx context.Context) error {
		_, err := h.Users.EnsureAdmin(ctx, "Admin", adminEmail, adminPassword)
		return err
	}
	require.NoError(t, h.AfterReset(ctx))

	s := &testServer{h: h, router: NewRouter(h, opts)}
	s.admin = s.login(t, adminEmail, adminPassword)
	return s
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[LoginResponse](t, rec).Token
}

// passenger registers and logs in a user, returning its id and token.
func (s *testServer) passenger(t *testing.T, name string) (string, string) {
	t.Helper()
	email := strings.ToLower(name) + "@example.com"
	rec := s.do(t, http.MethodPost, "/api/users", "", map[string]string{
		"name": name, "email": email, "password": userPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[UserDTO](t, rec).ID, s.login(t, email, userPassword)
}

func (s *testServer) train(t *testing.T, number string, seats int) TrainDTO {
	t.Helper()
	depart := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	rec := s.do(t, http.MethodPost, "/api/trains", s.admin, map[string]any{
		"train_number":   number,
		"train_name":     "Duronto Express",
		"source":         "Howrah",
		"destination":    "Pune",
		"departure_time": depart.Format(time.RFC3339),
		"arrival_time":   depart.Add(26 * time.Hour).Format(time.RFC3339),
		"total_seats":    seats,
		"fare":           "1875.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[TrainDTO](t, rec)
}

func (s *testServer) remaining(t *testing.T, trainID string) int {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/trains/"+trainID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[TrainDTO](t, rec).RemainingSeats
}

// =============================================================================
// HEALTH AND ROUTING
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestUnknownRoute_JSON404(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Route not found", decode[ErrorResponse](t, rec).Error)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing token", ""},
		{"not bearer", "Basic YWxhZGRpbjpvcGVuc2VzYW1l"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuth_TokenFromOtherSecretRejected(t *testing.T) {
	// GIVEN: A token signed with a different secret
	s := newTestServer(t)
	other, err := identity.NewTokens("another-secret-abcdefgh", time.Hour)
	require.NoError(t, err)
	token, _, err := other.Issue(identity.Actor{ID: "mallory", Role: identity.RoleAdmin})
	require.NoError(t, err)

	// WHEN: Using it on an admin route
	rec := s.do(t, http.MethodGet, "/api/users", token, nil)

	// THEN: 401
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =============================================================================
// BOOKING LIFECYCLE
// =============================================================================

func TestBookingLifecycle(t *testing.T) {
	// GIVEN: Two passengers and a three-seat train
	s := newTestServer(t)
	amitID, amit := s.passenger(t, "Amit")
	_, priya := s.passenger(t, "Priya")
	train := s.train(t, "12259", 3)
	require.Equal(t, 3, train.RemainingSeats)

	// WHEN: Amit books seat 2
	rec := s.do(t, http.MethodPost, "/api/bookings", amit, map[string]any{
		"train_id": train.ID, "seat_number": "2",
	})

	// THEN: 201, booked for Amit, one seat fewer
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[BookingDTO](t, rec)
	assert.Equal(t, amitID, b.UserID)
	assert.Equal(t, "2", b.SeatNumber)
	assert.Equal(t, "booked", b.Status)
	assert.Equal(t, "1875.00", b.Fare)
	assert.Equal(t, 2, s.remaining(t, train.ID))

	t.Run("seat taken", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/bookings", priya, map[string]any{
			"train_id": train.ID, "seat_number": 2,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "already booked")
		assert.Equal(t, 2, s.remaining(t, train.ID))
	})

	t.Run("other passenger cannot read", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/bookings/"+b.ID, priya, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("owner reads", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/bookings/"+b.ID, amit, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("owner moves seat", func(t *testing.T) {
		rec := s.do(t, http.MethodPatch, "/api/bookings/"+b.ID, amit, map[string]any{"seat_number": 3})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "3", decode[BookingDTO](t, rec).SeatNumber)
		assert.Equal(t, 2, s.remaining(t, train.ID))
	})

	t.Run("other passenger cannot cancel", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, "/api/bookings/"+b.ID, priya, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("owner cancels", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, "/api/bookings/"+b.ID, amit, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "cancelled", decode[BookingDTO](t, rec).Status)
		assert.Equal(t, 3, s.remaining(t, train.ID))
	})

	t.Run("cancel twice", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, "/api/bookings/"+b.ID, amit, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, 3, s.remaining(t, train.ID))
	})

	t.Run("freed seat can be rebooked", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/bookings", priya, map[string]any{
			"train_id": train.ID, "seat_number": "3",
		})
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})
}

func TestCreateBooking_Rejections(t *testing.T) {
	s := newTestServer(t)
	_, amit := s.passenger(t, "Amit")
	priyaID, _ := s.passenger(t, "Priya")
	train := s.train(t, "12260", 2)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed json", `{"train_id":`, http.StatusBadRequest},
		{"missing train", map[string]any{"seat_number": "1"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"train_id": train.ID, "seat_number": "1", "coach": "B1"}, http.StatusBadRequest},
		{"seat out of range", map[string]any{"train_id": train.ID, "seat_number": "3"}, http.StatusBadRequest},
		{"seat not a number", map[string]any{"train_id": train.ID, "seat_number": "A1"}, http.StatusBadRequest},
		{"unknown train", map[string]any{"train_id": "nope", "seat_number": "1"}, http.StatusNotFound},
		{"for someone else", map[string]any{"user_id": priyaID, "train_id": train.ID, "seat_number": "1"}, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/bookings", amit, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 2, s.remaining(t, train.ID))
}

func TestBooking_NotFound(t *testing.T) {
	s := newTestServer(t)
	_, amit := s.passenger(t, "Amit")

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := s.do(t, method, "/api/bookings/missing", amit, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
}

func TestAdminBooksForPassenger(t *testing.T) {
	// GIVEN: A passenger and a train
	s := newTestServer(t)
	amitID, amit := s.passenger(t, "Amit")
	train := s.train(t, "12261", 4)

	// WHEN: The admin books on the passenger's behalf
	rec := s.do(t, http.MethodPost, "/api/bookings", s.admin, map[string]any{
		"user_id": amitID, "train_id": train.ID, "seat_number": "4",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The passenger sees it in their list
	rec = s.do(t, http.MethodGet, "/api/users/"+amitID+"/bookings", amit, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bookings := decode[[]BookingDTO](t, rec)
	require.Len(t, bookings, 1)
	assert.Equal(t, "4", bookings[0].SeatNumber)
}

func TestListBookings_AdminOnly(t *testing.T) {
	s := newTestServer(t)
	_, amit := s.passenger(t, "Amit")
	train := s.train(t, "12262", 4)
	for _, seat := range []string{"1", "2"} {
		rec := s.do(t, http.MethodPost, "/api/bookings", amit, map[string]any{"train_id": train.ID, "seat_number": seat})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/bookings", amit, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/bookings?train_id="+train.ID, s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BookingDTO](t, rec), 2)
}

// =============================================================================
// TRAINS
// =============================================================================

func TestTrains_PublicReadsAdminWrites(t *testing.T) {
	s := newTestServer(t)
	_, amit := s.passenger(t, "Amit")
	train := s.train(t, "12263", 10)

	rec := s.do(t, http.MethodGet, "/api/trains?source=howrah&destination=PUNE", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TrainDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/trains?source=Delhi", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]TrainDTO](t, rec))

	rec = s.do(t, http.MethodPatch, "/api/trains/"+train.ID, "", map[string]any{"train_name": "X"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/trains/"+train.ID, amit, map[string]any{"train_name": "X"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/trains/"+train.ID, s.admin, map[string]any{"total_seats": 12})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[TrainDTO](t, rec)
	assert.Equal(t, 12, updated.TotalSeats)
	assert.Equal(t, 12, updated.RemainingSeats)

	rec = s.do(t, http.MethodDelete, "/api/trains/"+train.ID, s.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/trains/"+train.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTrain_DuplicateNumber(t *testing.T) {
	s := newTestServer(t)
	s.train(t, "12264", 10)

	depart := time.Now().UTC().Add(96 * time.Hour)
	rec := s.do(t, http.MethodPost, "/api/trains", s.admin, map[string]any{
		"train_number":   "12264",
		"train_name":     "Copy",
		"source":         "A",
		"destination":    "B",
		"departure_time": depart.Format(time.RFC3339),
		"arrival_time":   depart.Add(time.Hour).Format(time.RFC3339),
		"total_seats":    5,
	})

	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

// =============================================================================
// USERS
// =============================================================================

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t)
	s.passenger(t, "Amit")

	t.Run("duplicate email", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/users", "", map[string]string{
			"name": "Other", "email": "AMIT@example.com", "password": userPassword,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("short password", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/users", "", map[string]string{
			"name": "Short", "email": "short@example.com", "password": "abc",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
			"email": "amit@example.com", "password": "wrong-password",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown email", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/users/login", "", map[string]string{
			"email": "ghost@example.com", "password": userPassword,
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestUsers_Authorization(t *testing.T) {
	s := newTestServer(t)
	amitID, amit := s.passenger(t, "Amit")
	priyaID, _ := s.passenger(t, "Priya")

	rec := s.do(t, http.MethodGet, "/api/users", amit, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/users", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]UserDTO](t, rec), 3)

	rec = s.do(t, http.MethodGet, "/api/users/"+priyaID, amit, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/users/"+amitID, amit, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/users/"+amitID, amit, map[string]string{"phone": "9876543210"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "9876543210", decode[UserDTO](t, rec).Phone)

	rec = s.do(t, http.MethodDelete, "/api/users/"+priyaID, s.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/users/"+priyaID, s.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUser_ReleasesSeats(t *testing.T) {
	// GIVEN: A passenger holding two seats
	s := newTestServer(t)
	amitID, amit := s.passenger(t, "Amit")
	train := s.train(t, "12265", 5)
	for _, seat := range []string{"1", "5"} {
		rec := s.do(t, http.MethodPost, "/api/bookings", amit, map[string]any{"train_id": train.ID, "seat_number": seat})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	require.Equal(t, 3, s.remaining(t, train.ID))

	// WHEN: The passenger deletes their account
	rec := s.do(t, http.MethodDelete, "/api/users/"+amitID, amit, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The seats are back
	assert.Equal(t, 5, s.remaining(t, train.ID))
}

// =============================================================================
// PNR
// =============================================================================

func TestPNRStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"pnr":%q,"status":"CNF"}`, r.URL.Query().Get("pnrNumber"))
	}))
	defer upstream.Close()

	s := newTestServer(t)

	t.Run("not configured", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/pnr/1234567890", "", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	s.h.Railway = railway.NewClient(railway.Config{BaseURL: upstream.URL, APIKey: "k", APIHost: "h"}, nil)

	t.Run("proxied", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/pnr/1234567890", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"pnr":"1234567890","status":"CNF"}`, rec.Body.String())
	})

	t.Run("invalid pnr", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/pnr/12ab", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimit(t *testing.T) {
	// GIVEN: A burst of two requests per client
	s := newTestServerWith(t, RouterOptions{RateRPS: 0.001, RateBurst: 2})

	// WHEN: A third request arrives immediately
	// (login in setup already spent one token)
	codes := []int{}
	for i := 0; i < 2; i++ {
		codes = append(codes, s.do(t, http.MethodGet, "/api/healthz", "", nil).Code)
	}

	// THEN: It is refused with Retry-After
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestClientLimiter_PerClient(t *testing.T) {
	l := newClientLimiter(0.001, 1)

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{booking.ErrTrainNotFound, http.StatusNotFound},
		{booking.ErrBookingNotFound, http.StatusNotFound},
		{account.ErrUserNotFound, http.StatusNotFound},
		{booking.ErrSeatTaken, http.StatusBadRequest},
		{booking.ErrTrainFull, http.StatusBadRequest},
		{booking.ErrInvalidSeat, http.StatusBadRequest},
		{booking.ErrInvalidTransition, http.StatusBadRequest},
		{booking.ErrAlreadyCancelled, http.StatusConflict},
		{booking.ErrForbidden, http.StatusForbidden},
		{account.ErrEmailTaken, http.StatusConflict},
		{account.ErrInvalidCredentials, http.StatusUnauthorized},
		{identity.ErrInvalidToken, http.StatusUnauthorized},
		{catalog.ErrScheduleOverlap, http.StatusBadRequest},
		{catalog.ErrCapacityInUse, http.StatusConflict},
		{railway.ErrInvalidPNR, http.StatusBadRequest},
		{fmt.Errorf("pnr: %w", railway.ErrUnavailable), http.StatusBadGateway},
		{&railway.StatusError{Code: 404}, http.StatusBadGateway},
		{errUnknownScenario, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

func TestUnexpectedErrorHidden(t *testing.T) {
	h := &Handler{Logger: zap.NewNop()}
	rec := httptest.NewRecorder()

	h.writeDomainError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("dsn=postgres://secret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

// =============================================================================
// ADMIN
// =============================================================================

func TestReconcile_DetectsAndRepairsDrift(t *testing.T) {
	// GIVEN: A train whose counter was decremented outside the engine
	s := newTestServer(t)
	_, amit := s.passenger(t, "Amit")
	train := s.train(t, "12266", 6)
	rec := s.do(t, http.MethodPost, "/api/bookings", amit, map[string]any{"train_id": train.ID, "seat_number": "1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	ctx := context.Background()
	require.NoError(t, s.h.Store.WithTx(ctx, func(tx booking.Tx) error {
		_, err := tx.AdjustRemaining(ctx, train.ID, -2, time.Now())
		return err
	}))
	require.Equal(t, 3, s.remaining(t, train.ID))

	t.Run("passengers cannot reconcile", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/admin/reconcile", amit, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	// WHEN: Reconciling without repair
	rec = s.do(t, http.MethodPost, "/api/admin/reconcile", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[booking.Report](t, rec)

	// THEN: Drift is reported, not fixed
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, 5, report.Drifted[0].Expected)
	assert.Equal(t, 3, report.Drifted[0].Remaining)
	assert.Equal(t, 3, s.remaining(t, train.ID))

	// WHEN: Reconciling with repair
	rec = s.do(t, http.MethodPost, "/api/admin/reconcile?repair=true", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[booking.Report](t, rec).Repaired)

	// THEN: The counter matches and the ledger shows the correction
	assert.Equal(t, 5, s.remaining(t, train.ID))
	rec = s.do(t, http.MethodGet, "/api/admin/trains/"+train.ID+"/ledger", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger struct {
		Entries []LedgerEntryDTO `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ledger))
	kinds := make([]string, len(ledger.Entries))
	for i, e := range ledger.Entries {
		kinds[i] = e.Kind
	}
	assert.Contains(t, kinds, "reserve")
	assert.Contains(t, kinds, "reconcile")
}

func TestTrainLedger_UnknownTrain(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/admin/trains/nope/ledger", s.admin, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLastReconcile(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/admin/reconcile", s.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sched := NewCapacityScheduler(s.h.Reconciler, time.Hour, false, nil)
	s.h.Scheduler = sched
	sched.Start()
	require.Eventually(t, func() bool { return sched.LastReport() != nil }, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	rec = s.do(t, http.MethodGet, "/api/admin/reconcile", s.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
