package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/railbook/identity"
)

const testSecret = "test-secret-0123456789"

func TestTokens_IssueVerify_RoundTrip(t *testing.T) {
	tokens, err := identity.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)

	raw, expires, err := tokens.Issue(identity.Actor{ID: "u1", Role: identity.RoleAdmin})
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	actor, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", actor.ID)
	assert.True(t, actor.IsAdmin())
}

func TestTokens_Verify_RejectsOtherSecret(t *testing.T) {
	a, err := identity.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)
	b, err := identity.NewTokens("another-secret-0123456789", time.Hour)
	require.NoError(t, err)

	raw, _, err := a.Issue(identity.Actor{ID: "u1", Role: identity.RoleUser})
	require.NoError(t, err)

	_, err = b.Verify(raw)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestTokens_Verify_RejectsGarbage(t *testing.T) {
	tokens, err := identity.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)

	_, err = tokens.Verify("not.a.token")
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestTokens_Issue_AnonymousFails(t *testing.T) {
	tokens, err := identity.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)

	_, _, err = tokens.Issue(identity.Anonymous())
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestNewTokens_ShortSecret(t *testing.T) {
	_, err := identity.NewTokens("short", time.Hour)
	assert.ErrorIs(t, err, identity.ErrWeakSecret)
}

func TestPasswords(t *testing.T) {
	hash, err := identity.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.True(t, identity.CheckPassword(hash, "correct horse"))
	assert.False(t, identity.CheckPassword(hash, "wrong horse"))

	_, err = identity.HashPassword("short")
	assert.ErrorIs(t, err, identity.ErrPasswordTooShort)
}

func TestActorContext(t *testing.T) {
	ctx := context.Background()
	assert.True(t, identity.ActorFrom(ctx).IsAnonymous())

	ctx = identity.WithActor(ctx, identity.Actor{ID: "u1", Role: identity.RoleUser})
	actor := identity.ActorFrom(ctx)
	assert.Equal(t, "u1", actor.ID)
	assert.False(t, actor.IsAdmin())
}
