// Package identity owns actors, password hashing and bearer tokens. Other
// packages only see the Actor it produces.
package identity

import "context"

// Role is the privilege level carried in a token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Actor is the authenticated identity performing an operation. The zero
// value is the anonymous actor.
type Actor struct {
	ID   string
	Role Role
}

// Anonymous returns the actor used for unauthenticated requests.
func Anonymous() Actor { return Actor{} }

// IsAnonymous reports whether no identity is attached.
func (a Actor) IsAnonymous() bool { return a.ID == "" }

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type actorKey struct{}

// WithActor attaches an actor to a context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor attached to ctx, or the anonymous actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Anonymous()
}
