package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewTokenService("test-secret-key-12345")

	token, err := svc.GenerateToken("u1", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, tokenIssuer, claims.Issuer)
}

func TestValidateTokenInvalidSignature(t *testing.T) {
	svc1 := NewTokenService("secret-key-1")
	svc2 := NewTokenService("secret-key-2")

	token, err := svc1.GenerateToken("u1", "alice")
	require.NoError(t, err)

	_, err = svc2.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenInvalidOrEmpty(t *testing.T) {
	svc := NewTokenService("test-secret-key")

	_, err := svc.ValidateToken("not-a-token")
	assert.Error(t, err)

	_, err = svc.ValidateToken("")
	assert.Error(t, err)
}

func TestTokenExpiryConstant(t *testing.T) {
	assert.Equal(t, 24*time.Hour, TokenExpiry)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	assert.True(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.False(t, VerifyPassword(hash, "wrong password"))
}
