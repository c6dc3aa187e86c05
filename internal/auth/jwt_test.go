// ABOUTME: Tests for JWT verification on the management API.
// ABOUTME: Covers round-trips, expiry, wrong secrets, and short secrets.

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	token, err := v.Generate("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestJWTVerifier_ShortSecretRejected(t *testing.T) {
	_, err := NewJWTVerifier([]byte("too-short"))
	assert.Error(t, err)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v, err := NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	token, err := v.Generate("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	signer, err := NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	other, err := NewJWTVerifier([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)

	token, err := signer.Generate("user-1", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifier_Garbage(t *testing.T) {
	v, err := NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = v.Verify("not.a.jwt")
	assert.Error(t, err)
}
