package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := New("secret")

	token, err := svc.GenerateToken(42, "manager")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, "manager", claims.Role)
}

func TestValidateTokenRejects(t *testing.T) {
	svc := New("secret")

	other, err := New("other-secret").GenerateToken(1, "employee")
	require.NoError(t, err)

	expired, err := NewWithTokenTTL("secret", time.Nanosecond).GenerateToken(1, "employee")
	require.NoError(t, err)
	time.Sleep(time.Second)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	zero := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	zeroUser, err := zero.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": other,
		"expired":      expired,
		"alg none":     unsigned,
		"missing user": zeroUser,
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateToken(token)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeUnauthenticated, apperrors.CodeOf(err))
		})
	}
}

func TestGenerateTokenRejectsInvalidUser(t *testing.T) {
	_, err := New("secret").GenerateToken(0, "employee")
	assert.ErrorIs(t, err, apperrors.ErrInvalidUserID)
}
