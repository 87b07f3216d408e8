/*
handlers.go - HTTP API handlers for the booking service

PURPOSE:
  Exposes the booking engine, catalog and user directory via REST. Handles
  HTTP request/response and JSON, and delegates every rule to the services.

ENDPOINTS:
  Bookings:
    GET    /api/bookings               List all bookings (admin)
    POST   /api/bookings               Book a seat
    GET    /api/bookings/{id}          Get booking (owner/admin)
    PATCH  /api/bookings/{id}          Move seat or cancel (owner/admin)
    DELETE /api/bookings/{id}          Cancel (owner/admin)

  Users:
    POST   /api/users                  Register
    POST   /api/users/login            Login, returns bearer token
    GET    /api/users                  List users (admin)
    GET    /api/users/{id}             Profile (self/admin)
    PATCH  /api/users/{id}             Edit profile (self/admin)
    DELETE /api/users/{id}             Delete account (self/admin)
    GET    /api/users/{id}/bookings    User's bookings (self/admin)

  Trains:
    GET    /api/trains                 List or search (?source=&destination=)
    GET    /api/trains/{id}            Get train
    POST   /api/trains                 Create (admin)
    PATCH  /api/trains/{id}            Update, including capacity (admin)
    DELETE /api/trains/{id}            Delete (admin)

  Other:
    GET    /api/pnr/{pnr}              External PNR status
    POST   /api/admin/reconcile        Check (and ?repair=true fix) counters
    GET    /api/admin/reconcile        Last scheduled check
    GET    /api/admin/audit            Audit log
    GET    /api/admin/trains/{id}/ledger  Counter history

REQUEST FLOW:
  1. Decode and schema-check the body
  2. Take the actor from the context (set by authenticate)
  3. Call the service
  4. Serialize the response, or map the error once (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/booking"
	"github.com/warp/railbook/catalog"
	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
	"github.com/warp/railbook/railway"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the HTTP layer needs from persistence. Both the
// SQLite and PostgreSQL stores satisfy it.
type Store interface {
	booking.Store
	booking.AuditLog
	catalog.Store
	account.Store
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Store
	Guard      *policy.Guard
	Tokens     *identity.Tokens
	Bookings   *booking.Engine
	Trains     *catalog.Service
	Users      *account.Service
	Reconciler *booking.Reconciler
	Railway    *railway.Client
	Scheduler  *CapacityScheduler
	Logger     *zap.Logger

	// AfterReset runs after a scenario wipes the database, e.g. to restore
	// the bootstrap admin.
	AfterReset func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler builds the services over one store.
func NewHandler(store Store, guard *policy.Guard, tokens *identity.Tokens, rail *railway.Client, events booking.Publisher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := booking.NewEngine(store, guard, logger.Named("booking"))
	if events != nil {
		engine.Events = events
	}
	return &Handler{
		Store:      store,
		Guard:      guard,
		Tokens:     tokens,
		Bookings:   engine,
		Trains:     catalog.NewService(store, guard, logger.Named("catalog")),
		Users:      account.NewService(store, guard, tokens, logger.Named("account")),
		Reconciler: booking.NewReconciler(store, logger.Named("reconcile")),
		Railway:    rail,
		Logger:     logger,
	}
}

func actorOf(r *http.Request) identity.Actor {
	return identity.ActorFrom(r.Context())
}

// Health reports liveness and storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// ListBookings returns all bookings, optionally filtered. Admin only.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := booking.BookingFilter{
		UserID:  q.Get("user_id"),
		TrainID: q.Get("train_id"),
		Status:  booking.Status(q.Get("status")),
	}
	bookings, err := h.Bookings.List(r.Context(), actorOf(r), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// CreateBooking reserves a seat.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !decodeBody(w, r, createBookingSchema, &req) {
		return
	}
	b, err := h.Bookings.Create(r.Context(), actorOf(r), booking.CreateRequest{
		UserID:     req.UserID,
		TrainID:    req.TrainID,
		SeatNumber: string(req.SeatNumber),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

// GetBooking returns one booking.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// UpdateBooking moves a seat or cancels.
func (h *Handler) UpdateBooking(w http.ResponseWriter, r *http.Request) {
	var req UpdateBookingRequest
	if !decodeBody(w, r, updateBookingSchema, &req) {
		return
	}
	patch := booking.Patch{UserID: req.UserID, TrainID: req.TrainID}
	if req.SeatNumber != nil {
		seat := string(*req.SeatNumber)
		patch.SeatNumber = &seat
	}
	if req.Status != nil {
		status := booking.Status(*req.Status)
		patch.Status = &status
	}

	b, err := h.Bookings.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// CancelBooking cancels and releases the seat.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bookings.Cancel(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Register creates an account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeBody(w, r, registerSchema, &req) {
		return
	}
	u, err := h.Users.Register(r.Context(), account.NewUser{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// Login exchanges credentials for a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, loginSchema, &req) {
		return
	}
	res, err := h.Users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		User:      toUserDTO(res.User),
	})
}

// ListUsers returns all users. Admin only.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.List(r.Context(), actorOf(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUser returns a profile.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Users.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// UpdateUser edits a profile.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if !decodeBody(w, r, updateUserSchema, &req) {
		return
	}
	patch := account.UserPatch{
		Name:     req.Name,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	}
	if req.Role != nil {
		role := identity.Role(*req.Role)
		patch.Role = &role
	}

	u, err := h.Users.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// DeleteUser removes an account and its bookings.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Users.Delete(r.Context(), actorOf(r), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// ListUserBookings returns one user's bookings.
func (h *Handler) ListUserBookings(w http.ResponseWriter, r *http.Request) {
	bookings, err := h.Bookings.ListForUser(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTOs(bookings))
}

// =============================================================================
// TRAIN HANDLERS
// =============================================================================

// ListTrains returns all trains, or those on a route.
func (h *Handler) ListTrains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trains, err := h.Trains.List(r.Context(), actorOf(r), q.Get("source"), q.Get("destination"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]TrainDTO, len(trains))
	for i, t := range trains {
		dtos[i] = toTrainDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTrain returns one train.
func (h *Handler) GetTrain(w http.ResponseWriter, r *http.Request) {
	t, err := h.Trains.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrainDTO(t))
}

// CreateTrain adds a train. Admin only.
func (h *Handler) CreateTrain(w http.ResponseWriter, r *http.Request) {
	var req CreateTrainRequest
	if !decodeBody(w, r, createTrainSchema, &req) {
		return
	}
	t, err := h.Trains.Create(r.Context(), actorOf(r), catalog.NewTrain{
		Number:        req.Number,
		Name:          req.Name,
		Source:        req.Source,
		Destination:   req.Destination,
		DepartureTime: req.DepartureTime,
		ArrivalTime:   req.ArrivalTime,
		TotalSeats:    req.TotalSeats,
		Fare:          req.Fare,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrainDTO(t))
}

// UpdateTrain changes a train. Admin only.
func (h *Handler) UpdateTrain(w http.ResponseWriter, r *http.Request) {
	var req UpdateTrainRequest
	if !decodeBody(w, r, updateTrainSchema, &req) {
		return
	}
	t, err := h.Trains.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), catalog.TrainPatch{
		Number:        req.Number,
		Name:          req.Name,
		Source:        req.Source,
		Destination:   req.Destination,
		DepartureTime: req.DepartureTime,
		ArrivalTime:   req.ArrivalTime,
		TotalSeats:    req.TotalSeats,
		Fare:          req.Fare,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrainDTO(t))
}

// DeleteTrain removes a train and its bookings. Admin only.
func (h *Handler) DeleteTrain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Trains.Delete(r.Context(), actorOf(r), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// =============================================================================
// PNR
// =============================================================================

// PNRStatus proxies the external reservation status untouched.
func (h *Handler) PNRStatus(w http.ResponseWriter, r *http.Request) {
	if err := h.Guard.Authorize(r.Context(), actorOf(r), "", policy.OpPNRRead); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.Railway == nil {
		writeError(w, http.StatusBadGateway, "Railway API not configured", nil)
		return
	}
	body, err := h.Railway.PNRStatus(r.Context(), chi.URLParam(r, "pnr"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile compares every counter with its booked rows. ?repair=true fixes
// drift.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	repair := strings.EqualFold(r.URL.Query().Get("repair"), "true")
	report, err := h.Reconciler.Run(r.Context(), repair)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.Logger.Info("reconcile triggered",
		zap.String("actor_id", actorOf(r).ID),
		zap.Bool("repair", repair),
		zap.Int("drifted", len(report.Drifted)),
	)
	writeJSON(w, http.StatusOK, report)
}

// LastReconcile returns the scheduler's most recent report.
func (h *Handler) LastReconcile(w http.ResponseWriter, r *http.Request) {
	var last *booking.Report
	if h.Scheduler != nil {
		last = h.Scheduler.LastReport()
	}
	if last == nil {
		writeError(w, http.StatusNotFound, "No scheduled check has completed", nil)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// ListAudit returns recorded transitions, newest first.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.Store.QueryAudit(r.Context(), booking.AuditFilter{
		BookingID: q.Get("booking_id"),
		ActorID:   q.Get("actor_id"),
		Limit:     queryInt(q.Get("limit"), 100),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TrainLedger returns a train's counter history, oldest first.
func (h *Handler) TrainLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.Store.GetTrain(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if t == nil {
		h.writeDomainError(w, r, booking.ErrTrainNotFound)
		return
	}
	entries, err := h.Store.LedgerEntries(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"train":   toTrainDTO(*t),
		"entries": dtos,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
