package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leozw/partner-guardian/internal/core"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager([]byte("secret"), time.Hour)
	user := &core.User{ID: "u1", Username: "ops", Role: core.RoleAdmin}

	token, expires, err := tm.GenerateToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, core.RoleAdmin, claims.Role)
}

func TestValidateTokenRejects(t *testing.T) {
	tm := NewTokenManager([]byte("secret"), time.Hour)
	user := &core.User{ID: "u1", Username: "ops"}

	foreign, _, err := NewTokenManager([]byte("other"), time.Hour).GenerateToken(user)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"wrong secret": foreign,
		"expired":      expired,
		"garbage":      "not-a-token",
		"alg none":     unsigned,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tm.ValidateToken(token)
			assert.Error(t, err)
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "hunter22"))
	assert.False(t, CheckPassword(hash, "hunter23"))
}
