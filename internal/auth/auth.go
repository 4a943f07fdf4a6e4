// Package auth mints and verifies the bearer tokens issued at user login
// and hashes the password verifiers stored on User records (§10.7). It is
// intentionally minimal: no RBAC, no cryptographic peer authentication.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenExpiry is how long a minted bearer token remains valid.
const TokenExpiry = 24 * time.Hour

// tokenIssuer is the fixed JWT issuer claim for every token this package
// mints, so a token from another deployment never validates here.
const tokenIssuer = "redcloudfiles"

// Claims is the JWT payload carried by a bearer token: the authenticated
// user's id and username alongside the standard registered claims.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenService mints and validates bearer tokens signed with a single
// HS256 key, matching the teacher's per-server signing-key-keyed token
// contract (one signing key per node deployment, not per user).
type TokenService struct {
	signingKey []byte
}

// NewTokenService builds a TokenService keyed by signingKey. An empty key
// is a configuration error the caller must catch at startup, not here —
// TokenService itself has no opinion on where the key came from.
func NewTokenService(signingKey string) *TokenService {
	return &TokenService{signingKey: []byte(signingKey)}
}

// GenerateToken mints a bearer token for userID/username, valid for
// TokenExpiry from now.
func (t *TokenService) GenerateToken(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenString, returning its claims if
// the signature, issuer, and expiry all check out.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", tok.Header["alg"])
		}
		return t.signingKey, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// HashPassword returns a bcrypt verifier for password, stored as a User's
// PasswordVerifier field.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the bcrypt verifier
// previously produced by HashPassword.
func VerifyPassword(verifier, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(verifier), []byte(password)) == nil
}
