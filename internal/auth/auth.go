// Package auth provides the optional API-key gate in front of the HTTP
// API. With no key configured the service runs open, which is the
// default deployment inside a trusted network. When a key is set,
// clients exchange it for a short-lived HMAC-signed bearer token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "opal"

// ErrInvalidCredentials is returned for a bad API key or token.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Claims are the token claims issued after API-key exchange.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator verifies the operator API key and issues bearer tokens.
// The key is stored only as an Argon2id hash.
type Authenticator struct {
	keyHash    string
	secret     []byte
	expiration time.Duration
}

// NewAuthenticator hashes the configured API key and keeps the HMAC
// signing secret for token issuance.
func NewAuthenticator(apiKey, jwtSecret string, expiration time.Duration) (*Authenticator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("auth: empty API key")
	}
	if len(jwtSecret) < 16 {
		return nil, fmt.Errorf("auth: JWT secret must be at least 16 bytes")
	}
	hash, err := HashKey(apiKey)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		keyHash:    hash,
		secret:     []byte(jwtSecret),
		expiration: expiration,
	}, nil
}

// VerifyAPIKey checks a presented key against the configured one. On
// mismatch it still burns a full hash so timing does not reveal
// anything about the key.
func (a *Authenticator) VerifyAPIKey(apiKey string) error {
	ok, err := VerifyKey(apiKey, a.keyHash)
	if err != nil {
		DummyVerify()
		return ErrInvalidCredentials
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken exchanges a valid API key for a signed bearer token.
func (a *Authenticator) IssueToken(apiKey string) (string, time.Time, error) {
	if err := a.VerifyAPIKey(apiKey); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	exp := now.Add(a.expiration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a bearer token.
func (a *Authenticator) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
