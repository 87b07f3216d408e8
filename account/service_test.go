package account_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/railbook/account"
	"github.com/warp/railbook/identity"
	"github.com/warp/railbook/policy"
	"github.com/warp/railbook/store/sqlite"
)

func newService(t *testing.T) *account.Service {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	guard, err := policy.NewGuard(context.Background())
	require.NoError(t, err)
	tokens, err := identity.NewTokens("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)

	return account.NewService(store, guard, tokens, nil)
}

func register(t *testing.T, svc *account.Service, name, email string) account.User {
	t.Helper()
	u, err := svc.Register(context.Background(), account.NewUser{
		Name:     name,
		Email:    email,
		Password: "correct horse",
	})
	require.NoError(t, err)
	return u
}

func TestRegister_CreatesUserRole(t *testing.T) {
	svc := newService(t)

	u := register(t, svc, " Asha ", "Asha@Example.com")

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "Asha", u.Name)
	assert.Equal(t, "asha@example.com", u.Email)
	assert.Equal(t, identity.RoleUser, u.Role)
	assert.NotEqual(t, "correct horse", u.PasswordHash)
}

func TestRegister_Validation(t *testing.T) {
	svc := newService(t)
	register(t, svc, "Asha", "asha@example.com")

	tests := []struct {
		name string
		req  account.NewUser
		want error
	}{
		{"missing name", account.NewUser{Email: "x@example.com", Password: "longenough"}, account.ErrMissingFields},
		{"missing password", account.NewUser{Name: "X", Email: "x@example.com"}, account.ErrMissingFields},
		{"bad email", account.NewUser{Name: "X", Email: "not-an-email", Password: "longenough"}, account.ErrInvalidEmail},
		{"short password", account.NewUser{Name: "X", Email: "x@example.com", Password: "short"}, identity.ErrPasswordTooShort},
		{"email taken", account.NewUser{Name: "X", Email: "ASHA@example.com", Password: "longenough"}, account.ErrEmailTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLogin(t *testing.T) {
	// GIVEN: A registered user
	// WHEN: They log in with good and bad credentials
	// THEN: Good credentials yield a token naming them; bad ones fail the same way

	svc := newService(t)
	u := register(t, svc, "Asha", "asha@example.com")
	ctx := context.Background()

	res, err := svc.Login(ctx, "ASHA@example.com", "correct horse")
	require.NoError(t, err)
	actor, err := svc.Tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, actor.ID)
	assert.Equal(t, identity.RoleUser, actor.Role)

	_, err = svc.Login(ctx, "asha@example.com", "wrong password")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "", "")
	assert.ErrorIs(t, err, account.ErrMissingFields)
}

func TestEnsureAdmin_Idempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	first, err := svc.EnsureAdmin(ctx, "Root", "root@example.com", "supersecret")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, first.Role)

	second, err := svc.EnsureAdmin(ctx, "Root", "ROOT@example.com", "other-password")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetAndList_Authorization(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	asha := register(t, svc, "Asha", "asha@example.com")
	ravi := register(t, svc, "Ravi", "ravi@example.com")
	root, err := svc.EnsureAdmin(ctx, "Root", "root@example.com", "supersecret")
	require.NoError(t, err)

	got, err := svc.Get(ctx, asha.Actor(), asha.ID)
	require.NoError(t, err)
	assert.Equal(t, asha.Email, got.Email)

	_, err = svc.Get(ctx, asha.Actor(), ravi.ID)
	assert.ErrorIs(t, err, policy.ErrForbidden)

	_, err = svc.Get(ctx, root.Actor(), "missing")
	assert.ErrorIs(t, err, account.ErrUserNotFound)

	_, err = svc.List(ctx, asha.Actor())
	assert.ErrorIs(t, err, policy.ErrForbidden)

	users, err := svc.List(ctx, root.Actor())
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestUpdate(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	asha := register(t, svc, "Asha", "asha@example.com")
	ravi := register(t, svc, "Ravi", "ravi@example.com")
	root, err := svc.EnsureAdmin(ctx, "Root", "root@example.com", "supersecret")
	require.NoError(t, err)

	t.Run("self edits profile", func(t *testing.T) {
		name, phone := "Asha K", "+91 98200 00000"
		u, err := svc.Update(ctx, asha.Actor(), asha.ID, account.UserPatch{Name: &name, Phone: &phone})
		require.NoError(t, err)
		assert.Equal(t, "Asha K", u.Name)
		assert.Equal(t, phone, u.Phone)
	})

	t.Run("cannot edit another user", func(t *testing.T) {
		name := "Hacked"
		_, err := svc.Update(ctx, asha.Actor(), ravi.ID, account.UserPatch{Name: &name})
		assert.ErrorIs(t, err, policy.ErrForbidden)
	})

	t.Run("cannot promote self", func(t *testing.T) {
		role := identity.RoleAdmin
		_, err := svc.Update(ctx, asha.Actor(), asha.ID, account.UserPatch{Role: &role})
		assert.ErrorIs(t, err, policy.ErrForbidden)
	})

	t.Run("admin promotes", func(t *testing.T) {
		role := identity.RoleAdmin
		u, err := svc.Update(ctx, root.Actor(), ravi.ID, account.UserPatch{Role: &role})
		require.NoError(t, err)
		assert.Equal(t, identity.RoleAdmin, u.Role)
	})

	t.Run("invalid role", func(t *testing.T) {
		role := identity.Role("superuser")
		_, err := svc.Update(ctx, root.Actor(), asha.ID, account.UserPatch{Role: &role})
		assert.ErrorIs(t, err, account.ErrInvalidRole)
	})

	t.Run("email collision", func(t *testing.T) {
		email := "ravi@example.com"
		_, err := svc.Update(ctx, asha.Actor(), asha.ID, account.UserPatch{Email: &email})
		assert.ErrorIs(t, err, account.ErrEmailTaken)
	})

	t.Run("password change takes effect", func(t *testing.T) {
		pw := "a brand new secret"
		_, err := svc.Update(ctx, asha.Actor(), asha.ID, account.UserPatch{Password: &pw})
		require.NoError(t, err)
		_, err = svc.Login(ctx, "asha@example.com", pw)
		assert.NoError(t, err)
	})
}

func TestDelete(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	asha := register(t, svc, "Asha", "asha@example.com")
	ravi := register(t, svc, "Ravi", "ravi@example.com")

	err := svc.Delete(ctx, ravi.Actor(), asha.ID)
	assert.ErrorIs(t, err, policy.ErrForbidden)

	require.NoError(t, svc.Delete(ctx, asha.Actor(), asha.ID))

	_, err = svc.Login(ctx, "asha@example.com", "correct horse")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)
}
