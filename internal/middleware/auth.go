// Package middleware carries the HTTP cross-cutting concerns: request
// logging, CORS, service-token auth and control rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/technosupport/ts-sentinel/internal/tokens"
)

type contextKey string

const claimsContextKey contextKey = "service_claims"

// TokenValidator is the slice of the tokens manager the middleware needs.
type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

// ServiceAuth gates routes behind a bearer service token.
type ServiceAuth struct {
	tokens TokenValidator
}

func NewServiceAuth(t TokenValidator) *ServiceAuth {
	return &ServiceAuth{tokens: t}
}

// Require enforces at least the given scope. The token comes from the
// Authorization header, or from a token query parameter for WebSocket
// clients that cannot set headers.
func (m *ServiceAuth) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := m.tokens.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.Allows(scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			ctx := WithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// WithClaims attaches validated token claims to the context.
func WithClaims(ctx context.Context, c *tokens.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// ClaimsFrom retrieves the validated claims, if the route was authed.
func ClaimsFrom(ctx context.Context) (*tokens.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*tokens.Claims)
	return c, ok
}
