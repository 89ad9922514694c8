package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey string

const (
	userIDContextKey contextKey = "userID"
	tokenContextKey  contextKey = "bearerToken"
)

// Middleware authenticates the request's bearer token and stores the
// resolved user id and the raw token on the request context. Failures are
// reported as a bare 401 with no detail.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			unauthorized(w)
			return
		}

		userID, err := v.Authenticate(r.Context(), raw)
		if err != nil {
			slog.Debug("Authentication failed", "error", err)
			unauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		ctx = context.WithValue(ctx, tokenContextKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates a route behind the admin key returned by adminKey. The
// key is read per request so configuration reloads take effect; an empty key
// disables the route entirely.
func RequireAdmin(adminKey func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok || !SecureCompare(raw, adminKey()) {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserID returns the authenticated user id stored by Middleware, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey).(string)
	return id
}

// BearerToken returns the raw bearer token stored by Middleware, or "". The
// chat handlers pass it to the tool executor, which forwards it to the
// backend API.
func BearerToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
}
