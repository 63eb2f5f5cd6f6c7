package auth

import (
	"errors"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTValidatorRoundTrip(t *testing.T) {
	v := NewJWTValidator("secret", "")
	token, err := v.Sign("user-1", false, time.Minute)
	require.NoError(t, err)

	userID, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	ro, err := v.Sign("user-2", true, time.Minute)
	require.NoError(t, err)
	id, err := Identify(v, ro)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-2", ReadOnly: true}, id)
}

func TestJWTValidatorRejects(t *testing.T) {
	v := NewJWTValidator("secret", "")

	other, err := NewJWTValidator("other", "").Sign("u", false, time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(other)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired, err := v.Sign("u", false, -time.Hour)
	require.NoError(t, err)
	_, err = v.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := gojwt.NewWithClaims(gojwt.SigningMethodHS512, gojwt.MapClaims{"sub": "u"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.ValidateToken(none)
	assert.ErrorIs(t, err, ErrInvalidToken, "unexpected signing method must be rejected")

	noSubject, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"x": 1}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.ValidateToken(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTValidatorLegacyUserIDClaim(t *testing.T) {
	v := NewJWTValidator("secret", "sheetsync")
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": "legacy",
		"iss":     "sheetsync",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	userID, err := v.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "legacy", userID)
}

func TestJWTValidatorIssuer(t *testing.T) {
	v := NewJWTValidator("secret", "sheetsync")
	token, err := v.Sign("user-1", false, time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(token)
	require.NoError(t, err)

	other, err := NewJWTValidator("secret", "").Sign("user-1", false, time.Minute)
	require.NoError(t, err)
	_, err = v.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
