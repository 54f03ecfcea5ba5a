// Package api provides the HTTP control surface of dupwatch.
// This file implements HS256 JWT bearer-token authentication.
//
// # Authentication Flow
//
// Requests to protected routes carry the token in the Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// Browsers cannot set headers on a websocket upgrade, so the token is also
// accepted in the access_token query parameter.
//
// The middleware verifies the HMAC-SHA256 signature with the shared secret,
// rejects every other algorithm, checks exp/nbf when present and the issuer
// and audience when configured, and injects the verified claims into the
// request context. Any failure is answered with HTTP 401 and a JSON error
// body; the next handler is not called.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// JWTConfig holds the configuration for JWTMiddleware.
type JWTConfig struct {
	// Secret is the HS256 signing key. Required.
	Secret []byte

	// Issuer, if non-empty, must match the "iss" claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string

	// Logger records authentication failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// ClaimsFromContext retrieves the claims injected by JWTMiddleware.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// JWTMiddleware returns chi-compatible middleware enforcing HS256 bearer
// tokens.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(*jwt.Token) (any, error) { return cfg.Secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err == nil {
				var claims jwt.RegisteredClaims
				if _, err = parser.ParseWithClaims(raw, &claims, keyFunc); err == nil {
					ctx := context.WithValue(r.Context(), claimsKey, &claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			logger.Warn("api: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

// bearerToken extracts the compact token from the Authorization header or,
// failing that, the access_token query parameter.
func bearerToken(r *http.Request) (string, error) {
	if raw := r.Header.Get("Authorization"); raw != "" {
		if !strings.HasPrefix(raw, "Bearer ") {
			return "", errors.New("malformed Authorization header")
		}
		token := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
		if token == "" {
			return "", errors.New("empty bearer token")
		}
		return token, nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", errors.New("missing bearer token")
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", detail)
}
