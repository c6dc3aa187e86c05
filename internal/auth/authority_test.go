// ABOUTME: Tests for access token issuance, validation, and revocation.
// ABOUTME: Validation is a conjunction; every failing clause must reject alone.

package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-bridge/internal/store"
)

func newAuthority(t *testing.T) (*Authority, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthority(st, logger), st
}

func TestIssue_TokenShape(t *testing.T) {
	a, _ := newAuthority(t)

	token, err := a.Issue(context.Background(), "bridge-1", "ci", nil, 0)
	require.NoError(t, err)

	assert.True(t, LooksLikeToken(token.Secret), "issued secret %q should match the token shape", token.Secret)
	assert.True(t, token.IsActive)
	assert.Nil(t, token.ExpiresAt)
	assert.Equal(t, DefaultPermissions(), token.Permissions)
}

func TestIssue_Expiry(t *testing.T) {
	a, _ := newAuthority(t)

	token, err := a.Issue(context.Background(), "bridge-1", "short-lived", nil, 7)
	require.NoError(t, err)
	require.NotNil(t, token.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *token.ExpiresAt, time.Minute)
}

func TestLooksLikeToken(t *testing.T) {
	a, _ := newAuthority(t)
	token, err := a.Issue(context.Background(), "b", "n", nil, 0)
	require.NoError(t, err)

	assert.True(t, LooksLikeToken(token.Secret))
	assert.False(t, LooksLikeToken("my-static-api-key"))
	assert.False(t, LooksLikeToken(""))
	assert.False(t, LooksLikeToken("mbt_abc_tooshort"))
}

func TestValidate_HappyPath(t *testing.T) {
	a, _ := newAuthority(t)
	issued, err := a.Issue(context.Background(), "bridge-1", "ci", nil, 0)
	require.NoError(t, err)

	token, perm, err := a.Validate(context.Background(), issued.Secret, "bridge-1", store.PermissionTools, "execute", "/posts")
	require.NoError(t, err)
	assert.Equal(t, issued.ID, token.ID)
	require.NotNil(t, perm)
	assert.Equal(t, store.PermissionTools, perm.Type)
}

func TestValidate_RejectsEachFailingClause(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed secret", func(t *testing.T) {
		a, _ := newAuthority(t)
		_, _, err := a.Validate(ctx, "not-a-token", "bridge-1", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrMalformedToken)
	})

	t.Run("unknown secret", func(t *testing.T) {
		a, _ := newAuthority(t)
		issued, err := a.Issue(ctx, "bridge-1", "ci", nil, 0)
		require.NoError(t, err)
		other := issued.Secret[:len(issued.Secret)-1] + "X"
		_, _, err = a.Validate(ctx, other, "bridge-1", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})

	t.Run("wrong bridge", func(t *testing.T) {
		a, _ := newAuthority(t)
		issued, err := a.Issue(ctx, "bridge-1", "ci", nil, 0)
		require.NoError(t, err)
		_, _, err = a.Validate(ctx, issued.Secret, "bridge-2", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrWrongBridge)
	})

	t.Run("revoked", func(t *testing.T) {
		a, _ := newAuthority(t)
		issued, err := a.Issue(ctx, "bridge-1", "ci", nil, 0)
		require.NoError(t, err)
		require.NoError(t, a.Revoke(ctx, issued.ID))
		_, _, err = a.Validate(ctx, issued.Secret, "bridge-1", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrTokenInactive)
	})

	t.Run("expired despite being active", func(t *testing.T) {
		a, st := newAuthority(t)
		secret, err := newSecret()
		require.NoError(t, err)
		past := time.Now().Add(-time.Hour)
		token := &store.AccessToken{
			BridgeID:    "bridge-1",
			Name:        "stale",
			Secret:      secret,
			Permissions: DefaultPermissions(),
			ExpiresAt:   &past,
			IsActive:    true,
		}
		require.NoError(t, st.CreateAccessToken(ctx, token))

		_, _, err = a.Validate(ctx, secret, "bridge-1", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("missing permission type despite being active", func(t *testing.T) {
		a, _ := newAuthority(t)
		perms := []store.TokenPermission{
			{Type: store.PermissionResources, Actions: []string{"read"}},
		}
		issued, err := a.Issue(ctx, "bridge-1", "readonly", perms, 0)
		require.NoError(t, err)
		_, _, err = a.Validate(ctx, issued.Secret, "bridge-1", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("action not granted", func(t *testing.T) {
		a, _ := newAuthority(t)
		perms := []store.TokenPermission{
			{Type: store.PermissionTools, Actions: []string{"list"}},
		}
		issued, err := a.Issue(ctx, "bridge-1", "list-only", perms, 0)
		require.NoError(t, err)
		_, _, err = a.Validate(ctx, issued.Secret, "bridge-1", store.PermissionTools, "execute", "")
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestValidate_EmptyTypeSkipsPermissionCheck(t *testing.T) {
	a, _ := newAuthority(t)
	perms := []store.TokenPermission{
		{Type: store.PermissionResources, Actions: []string{"read"}},
	}
	issued, err := a.Issue(context.Background(), "bridge-1", "readonly", perms, 0)
	require.NoError(t, err)

	token, perm, err := a.Validate(context.Background(), issued.Secret, "bridge-1", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, issued.ID, token.ID)
	assert.Nil(t, perm)
}

func TestValidate_EndpointGlobs(t *testing.T) {
	a, _ := newAuthority(t)
	perms := []store.TokenPermission{
		{
			Type:             store.PermissionTools,
			Actions:          []string{"execute"},
			AllowedEndpoints: []string{"/posts/*", "/health"},
		},
	}
	issued, err := a.Issue(context.Background(), "bridge-1", "scoped", perms, 0)
	require.NoError(t, err)

	tests := []struct {
		endpoint string
		allowed  bool
	}{
		{"/posts/42", true},
		{"/posts/42/comments", true},
		{"/health", true},
		{"/users/1", false},
		{"/healthz", false},
	}
	for _, tt := range tests {
		_, _, err := a.Validate(context.Background(), issued.Secret, "bridge-1", store.PermissionTools, "execute", tt.endpoint)
		if tt.allowed {
			assert.NoError(t, err, "endpoint %s", tt.endpoint)
		} else {
			assert.ErrorIs(t, err, ErrPermissionDenied, "endpoint %s", tt.endpoint)
		}
	}
}

func TestMatchPermission_Wildcard(t *testing.T) {
	perms := []store.TokenPermission{
		{Type: store.PermissionTools, Actions: []string{store.ActionWildcard}},
	}
	assert.NotNil(t, MatchPermission(perms, store.PermissionTools, "execute", ""))
	assert.NotNil(t, MatchPermission(perms, store.PermissionTools, "list", ""))
	assert.Nil(t, MatchPermission(perms, store.PermissionPrompts, "read", ""))
}

func TestValidate_TouchesLastUsed(t *testing.T) {
	a, st := newAuthority(t)
	issued, err := a.Issue(context.Background(), "bridge-1", "ci", nil, 0)
	require.NoError(t, err)
	require.Nil(t, issued.LastUsedAt)

	_, _, err = a.Validate(context.Background(), issued.Secret, "bridge-1", "", "", "")
	require.NoError(t, err)

	token, err := st.GetAccessToken(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.NotNil(t, token.LastUsedAt)
}
