// Package identity resolves the calling user of a request.
//
// Authentication happens upstream: the gateway verifies the bearer token and
// forwards the subject in a trusted header.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

const (
	// UserHeaderName carries the authenticated subject set by the gateway.
	UserHeaderName = "X-User-ID"
	// devQueryParam allows browser tooling to pick a user in development.
	devQueryParam = "user_id"
)

type contextKey int

const (
	userIDKey contextKey = iota
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@|-]{1,128}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func sanitizeUserID(id string) string {
	id = strings.TrimSpace(id)
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func userIDFromRequest(r *http.Request, isDev bool) string {
	if id := sanitizeUserID(r.Header.Get(UserHeaderName)); id != "" {
		return id
	}
	if isDev {
		return sanitizeUserID(r.URL.Query().Get(devQueryParam))
	}
	return ""
}

// Middleware injects the request's user id into the context. Requests
// without a valid identity pass through anonymously.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := userIDFromRequest(r, isDev); userID != "" {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects requests without an identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserIDFromContext(r.Context()) == "" {
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
