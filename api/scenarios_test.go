/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state:
	- Passengers and trains are created
	- Bookings hold seats and counters agree with them
	- The bootstrap admin survives the reset
	- Reloading a scenario starts from a clean database
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/railbook/booking"
)

func TestScenario_IndianRoutes(t *testing.T) {
	// GIVEN: A running server
	// WHEN: Loading the indian-routes scenario
	// THEN: Passengers, trains and bookings exist and every counter matches
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.h.LoadScenarioByID(ctx, "indian-routes")
	require.NoError(t, err)
	assert.Equal(t, ScenarioResult{Scenario: "indian-routes", Users: 3, Trains: 2, Bookings: 4}, res)

	trains, err := s.h.Store.ListTrains(ctx)
	require.NoError(t, err)
	require.Len(t, trains, 2)
	remaining := map[string]int{}
	for _, tr := range trains {
		remaining[tr.Number] = tr.RemainingSeats
	}
	assert.Equal(t, 70, remaining["12345"], "Rajdhani: seats 1 and 2 taken")
	assert.Equal(t, 49, remaining["67890"], "Shatabdi: one booked, one cancelled")

	cancelled, err := s.h.Store.ListBookings(ctx, booking.BookingFilter{Status: booking.StatusCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)

	report, err := s.h.Reconciler.Run(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)

	// Seeded passengers can log in
	s.login(t, "priya@example.com", scenarioPassword)
}

func TestScenario_SoldOut(t *testing.T) {
	// GIVEN: The sold-out scenario
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.h.LoadScenarioByID(ctx, "sold-out")
	require.NoError(t, err)

	trains, err := s.h.Store.ListTrains(ctx)
	require.NoError(t, err)
	require.Len(t, trains, 1)
	assert.Equal(t, 0, trains[0].RemainingSeats)

	// WHEN: A passenger tries any seat
	token := s.login(t, "amit@example.com", scenarioPassword)
	rec := s.do(t, http.MethodPost, "/api/bookings", token, map[string]any{
		"train_id": trains[0].ID, "seat_number": "3",
	})

	// THEN: Rejected, counter unchanged
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, s.remaining(t, trains[0].ID))
}

func TestScenario_ReloadStartsClean(t *testing.T) {
	// GIVEN: Extra data on top of a scenario
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.h.LoadScenarioByID(ctx, "indian-routes")
	require.NoError(t, err)
	s.passenger(t, "Extra")

	// WHEN: Loading the empty scenario
	_, err = s.h.LoadScenarioByID(ctx, "empty")
	require.NoError(t, err)

	// THEN: Only the admin remains, and it can still log in
	users, err := s.h.Store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, adminEmail, users[0].Email)
	trains, err := s.h.Store.ListTrains(ctx)
	require.NoError(t, err)
	assert.Empty(t, trains)
	s.login(t, adminEmail, adminPassword)
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	_, err := s.h.LoadScenarioByID(context.Background(), "rush-hour")

	assert.True(t, errors.Is(err, errUnknownScenario))
}

func TestScenario_HTTP(t *testing.T) {
	s := newTestServer(t)
	_, amit := s.passenger(t, "Amit")

	t.Run("admin only", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/scenarios", amit, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/api/scenarios", s.admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
	})

	t.Run("unknown scenario", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", s.admin, map[string]string{"scenario_id": "nope"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("load and current", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", s.admin, map[string]string{"scenario_id": "sold-out"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 4, decode[ScenarioResult](t, rec).Bookings)

		rec = s.do(t, http.MethodGet, "/api/scenarios/current", s.admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "sold-out", decode[ScenarioDTO](t, rec).ID)
	})

	t.Run("admin token survives reset", func(t *testing.T) {
		// The admin row is recreated with a new id, so the old token's
		// subject no longer exists but its role claim still authorizes.
		rec := s.do(t, http.MethodGet, "/api/scenarios/current", s.admin, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
