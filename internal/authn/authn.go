// Package authn authenticates callers: bearer tokens for users and hashed
// private keys for devices.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"msgsync/internal/observability/metrics"
	obsmw "msgsync/internal/observability/middleware"

	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("authn: missing bearer token")
	ErrInvalidToken = errors.New("authn: invalid token")
)

// Identity is what a validated token says about the caller.
type Identity struct {
	UserID uuid.UUID
	Handle string
}

// Validator checks a raw bearer token.
type Validator interface {
	Method() string
	Validate(ctx context.Context, token string) (Identity, error)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok
}

// UserIDFrom returns the authenticated user id, or uuid.Nil.
func UserIDFrom(ctx context.Context) uuid.UUID {
	id, _ := IdentityFrom(ctx)
	return id.UserID
}

// BearerToken extracts a token from the Authorization header, falling back to
// the token query parameter used by browser websocket clients.
func BearerToken(r *http.Request) (string, error) {
	raw := r.Header.Get("Authorization")
	if raw != "" {
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			return "", ErrMissingToken
		}
		tok := strings.TrimSpace(raw[len("Bearer "):])
		if tok == "" {
			return "", ErrMissingToken
		}
		return tok, nil
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Authenticate validates the request's bearer token.
func Authenticate(r *http.Request, v Validator) (Identity, error) {
	result := "success"
	defer func() {
		metrics.AuthenticationAttemptsTotal.WithLabelValues(v.Method(), result).Inc()
	}()
	reqID := obsmw.RequestIDFromContext(r.Context())
	traceID := obsmw.TraceIDFromContext(r.Context())

	tok, err := BearerToken(r)
	if err != nil {
		result = "failure"
		slog.Warn("auth missing bearer", "method", v.Method(), "request_id", reqID, "trace_id", traceID)
		return Identity{}, err
	}
	id, err := v.Validate(r.Context(), tok)
	if err != nil {
		result = "failure"
		slog.Warn("auth invalid token", "method", v.Method(), "error", err, "request_id", reqID, "trace_id", traceID)
		return Identity{}, err
	}
	slog.Debug("auth passed", "method", v.Method(), "user_id", id.UserID, "request_id", reqID, "trace_id", traceID)
	return id, nil
}

// Middleware rejects requests without a valid token and stores the identity
// on the request context.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r, v)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// identityFromClaims reads sub (a user uuid) and an optional handle.
func identityFromClaims(claims map[string]any, issuer string) (Identity, error) {
	if iss, _ := claims["iss"].(string); iss != "" && issuer != "" && iss != issuer {
		return Identity{}, fmt.Errorf("%w: issuer mismatch %q", ErrInvalidToken, iss)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	handle, _ := claims["handle"].(string)
	if handle == "" {
		handle, _ = claims["preferred_username"].(string)
	}
	return Identity{UserID: userID, Handle: handle}, nil
}
