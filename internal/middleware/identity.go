// Package middleware holds the HTTP middleware guarding the chat surface.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Identity resolves the current user of a request. Credential issuance and sessions live upstream;
// an Identity only reads what that boundary established.
type Identity interface {
	CurrentUser(r *http.Request) (string, bool)
}

// HeaderIdentity trusts a header set by an authenticating reverse proxy.
type HeaderIdentity struct {
	Header string
}

// StaticIdentity treats every request as coming from one user, for local single-user setups.
type StaticIdentity struct {
	UserID string
}

type userIDKey struct{}

// CurrentUser implements Identity.
func (h HeaderIdentity) CurrentUser(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(h.Header))
	return id, id != ""
}

// CurrentUser implements Identity.
func (s StaticIdentity) CurrentUser(*http.Request) (string, bool) {
	return s.UserID, s.UserID != ""
}

// RequireUser rejects requests without a current user with 401 and stores the user id in the
// request context otherwise.
func RequireUser(identity Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := identity.CurrentUser(r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID returns the user id stored by RequireUser.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey{}).(string)
	return id, ok
}
