/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the database with realistic data for demos and manual testing.
  Every scenario goes through the services, so the counters and the ledger
  are consistent from the first request.

AVAILABLE SCENARIOS:
  empty:         Reset only
  indian-routes: Three passengers, two trains, a few bookings (one cancelled)
  sold-out:      A four-seat train with every seat taken

HOW SCENARIOS WORK:
  1. Reset database (clear all data)
  2. Run AfterReset (restores the bootstrap admin)
  3. Register passengers (password "password123")
  4. Create trains departing tomorrow
  5. Book seats as the loader (admin) on the passengers' behalf

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "indian-routes"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/catalog"
	"github.com/warp/railbook/identity"
)

var errUnknownScenario = errors.New("unknown scenario")

// scenarioPassword is shared by every seeded passenger.
const scenarioPassword = "password123"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "empty",
		Name:        "Empty",
		Description: "Clean database, bootstrap admin only",
	},
	{
		ID:          "indian-routes",
		Name:        "Indian Routes",
		Description: "Rajdhani and Shatabdi with three passengers and a cancelled booking",
	},
	{
		ID:          "sold-out",
		Name:        "Sold Out",
		Description: "A four-seat train with every seat booked",
	},
}

// loaderActor books and creates trains on behalf of scenarios.
var loaderActor = identity.Actor{ID: "scenario-loader", Role: identity.RoleAdmin}

type seededUser struct {
	name, email, phone string
}

var passengers = []seededUser{
	{"Amit Sharma", "amit@example.com", "9876543210"},
	{"Priya Verma", "priya@example.com", "8765432109"},
	{"John Doe", "john.doe@example.com", "1234567890"},
}

// ScenarioResult summarizes what a scenario created.
type ScenarioResult struct {
	Scenario string `json:"scenario"`
	Users    int    `json:"users"`
	Trains   int    `json:"trains"`
	Bookings int    `json:"bookings"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, loadScenarioSchema, &req) {
		return
	}
	res, err := h.LoadScenarioByID(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LoadScenarioByID resets the database and loads the named scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) (ScenarioResult, error) {
	var load func(context.Context, *ScenarioResult) error
	switch id {
	case "empty":
		load = func(context.Context, *ScenarioResult) error { return nil }
	case "indian-routes":
		load = h.loadIndianRoutes
	case "sold-out":
		load = h.loadSoldOut
	default:
		return ScenarioResult{}, fmt.Errorf("%w: %q", errUnknownScenario, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return ScenarioResult{}, fmt.Errorf("reset: %w", err)
	}
	if h.AfterReset != nil {
		if err := h.AfterReset(ctx); err != nil {
			return ScenarioResult{}, fmt.Errorf("after reset: %w", err)
		}
	}

	res := ScenarioResult{Scenario: id}
	if err := load(ctx, &res); err != nil {
		return ScenarioResult{}, fmt.Errorf("load %s: %w", id, err)
	}
	h.currentScenario = id
	h.Logger.Info("scenario loaded",
		zap.String("scenario", id),
		zap.Int("users", res.Users),
		zap.Int("trains", res.Trains),
		zap.Int("bookings", res.Bookings),
	)
	return res, nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadIndianRoutes(ctx context.Context, res *ScenarioResult) error {
	users, err := h.seedPassengers(ctx, res)
	if err != nil {
		return err
	}

	tomorrow := scenarioDay(1)
	rajdhani, err := h.seedTrain(ctx, res, catalog.NewTrain{
		Number:        "12345",
		Name:          "Rajdhani Express",
		Source:        "Delhi",
		Destination:   "Mumbai",
		DepartureTime: tomorrow.Add(6 * time.Hour),
		ArrivalTime:   tomorrow.Add(18 * time.Hour),
		TotalSeats:    72,
		Fare:          decimal.RequireFromString("2450.00"),
	})
	if err != nil {
		return err
	}
	shatabdi, err := h.seedTrain(ctx, res, catalog.NewTrain{
		Number:        "67890",
		Name:          "Shatabdi Express",
		Source:        "Bangalore",
		Destination:   "Chennai",
		DepartureTime: tomorrow.Add(7 * time.Hour),
		ArrivalTime:   tomorrow.Add(12 * time.Hour),
		TotalSeats:    50,
		Fare:          decimal.RequireFromString("895.50"),
	})
	if err != nil {
		return err
	}

	seats := []struct {
		user  account.User
		train booking.Train
		seat  string
	}{
		{users[0], rajdhani, "1"},
		{users[1], rajdhani, "2"},
		{users[2], shatabdi, "1"},
		{users[0], shatabdi, "14"},
	}
	var last booking.Booking
	for _, s := range seats {
		if last, err = h.seedBooking(ctx, res, s.user, s.train, s.seat); err != nil {
			return err
		}
	}

	// Amit changed plans on the Shatabdi.
	_, err = h.Bookings.Cancel(ctx, loaderActor, last.ID)
	return err
}

func (h *Handler) loadSoldOut(ctx context.Context, res *ScenarioResult) error {
	users, err := h.seedPassengers(ctx, res)
	if err != nil {
		return err
	}

	day := scenarioDay(2)
	train, err := h.seedTrain(ctx, res, catalog.NewTrain{
		Number:        "22691",
		Name:          "Mini Express",
		Source:        "Mumbai",
		Destination:   "Pune",
		DepartureTime: day.Add(9 * time.Hour),
		ArrivalTime:   day.Add(12 * time.Hour),
		TotalSeats:    4,
		Fare:          decimal.RequireFromString("310.00"),
	})
	if err != nil {
		return err
	}

	for i := 0; i < train.TotalSeats; i++ {
		u := users[i%len(users)]
		if _, err := h.seedBooking(ctx, res, u, train, fmt.Sprint(i+1)); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedPassengers(ctx context.Context, res *ScenarioResult) ([]account.User, error) {
	users := make([]account.User, 0, len(passengers))
	for _, p := range passengers {
		u, err := h.Users.Register(ctx, account.NewUser{
			Name:     p.name,
			Email:    p.email,
			Phone:    p.phone,
			Password: scenarioPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", p.email, err)
		}
		users = append(users, u)
		res.Users++
	}
	return users, nil
}

func (h *Handler) seedTrain(ctx context.Context, res *ScenarioResult, req catalog.NewTrain) (booking.Train, error) {
	t, err := h.Trains.Create(ctx, loaderActor, req)
	if err != nil {
		return booking.Train{}, fmt.Errorf("create train %s: %w", req.Number, err)
	}
	res.Trains++
	return t, nil
}

func (h *Handler) seedBooking(ctx context.Context, res *ScenarioResult, u account.User, t booking.Train, seat string) (booking.Booking, error) {
	b, err := h.Bookings.Create(ctx, loaderActor, booking.CreateRequest{
		UserID:     u.ID,
		TrainID:    t.ID,
		SeatNumber: seat,
	})
	if err != nil {
		return booking.Booking{}, fmt.Errorf("book seat %s on %s: %w", seat, t.Number, err)
	}
	res.Bookings++
	return b, nil
}

// scenarioDay returns midnight UTC, days from today.
func scenarioDay(days int) time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+days, 0, 0, 0, 0, time.UTC)
}
