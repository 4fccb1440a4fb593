// Package auth provides the JWT Bearer token middleware that guards the
// admin API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/routing-gateway/internal/apierror"
	"github.com/dskow/routing-gateway/internal/config"
	"github.com/dskow/routing-gateway/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims represents the validated JWT claims injected into the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// tokenClaims is the wire shape of an admin token. Scopes follow OAuth2:
// one space-separated "scope" string.
type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// ScopeError indicates the token is valid but lacks a required scope.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

// FromContext returns the claims stored by Middleware, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

// Middleware returns an HTTP middleware that validates HS256 Bearer tokens
// against cfg. When cfg.Enabled is false requests pass through untouched.
func Middleware(cfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	secret := []byte(cfg.JWTSecret)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, nil, http.StatusUnauthorized, apierror.AuthMissingToken,
					"missing or malformed Authorization header")
				return
			}

			claims, err := validateToken(parser, secret, tokenStr, cfg.Scopes)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				var se *ScopeError
				if errors.As(err, &se) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
				} else {
					metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
					apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, err.Error())
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func validateToken(parser *jwt.Parser, secret []byte, tokenStr string, required []string) (*Claims, error) {
	var tc tokenClaims
	_, err := parser.ParseWithClaims(tokenStr, &tc, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: tc.Subject,
		Issuer:  tc.Issuer,
		Scopes:  strings.Fields(tc.Scope),
	}
	if len(tc.Audience) > 0 {
		claims.Audience = tc.Audience[0]
	}

	if len(required) > 0 {
		have := make(map[string]bool, len(claims.Scopes))
		for _, s := range claims.Scopes {
			have[s] = true
		}
		for _, want := range required {
			if !have[want] {
				return nil, &ScopeError{MissingScope: want}
			}
		}
	}
	return claims, nil
}
