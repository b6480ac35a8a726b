// Package tokens issues and validates the HS256 service tokens that gate
// the control API. Tokens are minted for services and operators out of
// band (cmd, provisioning script) and carry a scope, not a user identity.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Scopes. Control implies read.
const (
	ScopeControl = "control"
	ScopeRead    = "read"
)

type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Allows reports whether the token's scope covers the required one.
func (c *Claims) Allows(required string) bool {
	if c.Scope == required {
		return true
	}
	return c.Scope == ScopeControl && required == ScopeRead
}

type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

// GenerateServiceToken mints a token for the named service. ttl <= 0 means
// one year; long-lived tokens suit daemons, short ones suit operators.
func (m *Manager) GenerateServiceToken(subject, scope string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	now := time.Now().UTC()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Kid for future key rotation support, even with a single key now.
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		// In a rotation scenario we'd look up the key by kid.
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
