/*
Package account is the user directory: registration, login and profile
management for the people who hold bookings.

PURPOSE:
  Owns User records and turns credentials into bearer tokens. Everything
  downstream only sees the identity.Actor carried by the token.

RULES:
  - Email is unique and stored lower-cased; phone is unique when set
  - Registration always creates RoleUser; only an admin changes roles
  - A user reads and edits themself; an admin reads and edits everyone
  - Deleting a user cascades to their bookings (store foreign key)

SEE ALSO:
  - identity/tokens.go: JWT issuance
  - identity/passwords.go: bcrypt hashing
*/
package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrPhoneTaken         = errors.New("phone already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrMissingFields      = errors.New("missing required fields")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidRole        = errors.New("invalid role")
)

// User is a registered person. PasswordHash never leaves the service layer.
type User struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	PasswordHash string
	Role         identity.Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor returns the identity a token for this user carries.
func (u User) Actor() identity.Actor {
	return identity.Actor{ID: u.ID, Role: u.Role}
}

// Store persists users.
type Store interface {
	// CreateUser returns ErrEmailTaken / ErrPhoneTaken on unique violations.
	CreateUser(ctx context.Context, u User) error
	// GetUser returns (nil, nil) when absent.
	GetUser(ctx context.Context, id string) (*User, error)
	// GetUserByEmail returns (nil, nil) when absent. email is lower-cased.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// UpdateUser returns ErrUserNotFound, ErrEmailTaken or ErrPhoneTaken.
	UpdateUser(ctx context.Context, u User) error
	// DeleteUser returns ErrUserNotFound.
	DeleteUser(ctx context.Context, id string) error
}

// Authorizer decides whether an actor may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, actor identity.Actor, ownerID string, op policy.Operation) error
}

// Service implements user operations.
type Service struct {
	Store  Store
	Guard  Authorizer
	Tokens *identity.Tokens
	Logger *zap.Logger

	Now   func() time.Time
	NewID func() string
}

// NewService creates a user service.
func NewService(store Store, guard Authorizer, tokens *identity.Tokens, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:  store,
		Guard:  guard,
		Tokens: tokens,
		Logger: logger,
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
	}
}

// NewUser is a registration request.
type NewUser struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

// UserPatch is a partial profile update. Nil fields are kept.
type UserPatch struct {
	Name     *string
	Email    *string
	Phone    *string
	Password *string
	Role     *identity.Role
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

// =============================================================================
// REGISTRATION AND LOGIN
// =============================================================================

// Register creates a RoleUser account.
func (s *Service) Register(ctx context.Context, req NewUser) (User, error) {
	if err := s.Guard.Authorize(ctx, identity.ActorFrom(ctx), "", policy.OpUserRegister); err != nil {
		return User{}, err
	}
	return s.create(ctx, req, identity.RoleUser)
}

// EnsureAdmin creates an admin account unless the email is already taken.
// Used at startup to bootstrap the first administrator.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password string) (User, error) {
	existing, err := s.Store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return User{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return s.create(ctx, NewUser{Name: name, Email: email, Password: password}, identity.RoleAdmin)
}

func (s *Service) create(ctx context.Context, req NewUser, role identity.Role) (User, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return User{}, ErrMissingFields
	}
	email, err := validEmail(req.Email)
	if err != nil {
		return User{}, err
	}
	hash, err := identity.HashPassword(req.Password)
	if err != nil {
		return User{}, err
	}

	now := s.Now().UTC()
	u := User{
		ID:           s.NewID(),
		Name:         name,
		Email:        email,
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	s.Logger.Info("user registered", zap.String("user_id", u.ID), zap.String("role", string(role)))
	return u, nil
}

// Login checks credentials and issues a token. Unknown email and wrong
// password fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return LoginResult{}, ErrMissingFields
	}
	u, err := s.Store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return LoginResult{}, err
	}
	if u == nil || !identity.CheckPassword(u.PasswordHash, password) {
		return LoginResult{}, ErrInvalidCredentials
	}
	token, expires, err := s.Tokens.Issue(u.Actor())
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: expires, User: *u}, nil
}

// =============================================================================
// PROFILE MANAGEMENT
// =============================================================================

// Get returns a user. Self or admin.
func (s *Service) Get(ctx context.Context, actor identity.Actor, id string) (User, error) {
	if err := s.Guard.Authorize(ctx, actor, id, policy.OpUserRead); err != nil {
		return User{}, err
	}
	u, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrUserNotFound
	}
	return *u, nil
}

// List returns all users. Admin only.
func (s *Service) List(ctx context.Context, actor identity.Actor) ([]User, error) {
	if err := s.Guard.Authorize(ctx, actor, "", policy.OpUserList); err != nil {
		return nil, err
	}
	return s.Store.ListUsers(ctx)
}

// Update applies a partial profile change. Self or admin; role changes admin only.
func (s *Service) Update(ctx context.Context, actor identity.Actor, id string, p UserPatch) (User, error) {
	if err := s.Guard.Authorize(ctx, actor, id, policy.OpUserWrite); err != nil {
		return User{}, err
	}
	u, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrUserNotFound
	}

	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return User{}, ErrMissingFields
		}
		u.Name = name
	}
	if p.Email != nil {
		email, err := validEmail(*p.Email)
		if err != nil {
			return User{}, err
		}
		u.Email = email
	}
	if p.Phone != nil {
		u.Phone = strings.TrimSpace(*p.Phone)
	}
	if p.Password != nil {
		hash, err := identity.HashPassword(*p.Password)
		if err != nil {
			return User{}, err
		}
		u.PasswordHash = hash
	}
	if p.Role != nil && *p.Role != u.Role {
		if !p.Role.Valid() {
			return User{}, ErrInvalidRole
		}
		if err := s.Guard.Authorize(ctx, actor, "", policy.OpAdmin); err != nil {
			return User{}, fmt.Errorf("role change: %w", err)
		}
		u.Role = *p.Role
	}

	u.UpdatedAt = s.Now().UTC()
	if err := s.Store.UpdateUser(ctx, *u); err != nil {
		return User{}, err
	}
	return *u, nil
}

// Delete removes a user and, through the store, their bookings.
func (s *Service) Delete(ctx context.Context, actor identity.Actor, id string) error {
	if err := s.Guard.Authorize(ctx, actor, id, policy.OpUserWrite); err != nil {
		return err
	}
	if err := s.Store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.Logger.Info("user deleted", zap.String("user_id", id), zap.String("actor_id", actor.ID))
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
