// Package identity carries the authenticated principal through a request.
// Authentication itself happens upstream; the gateway forwards the verified
// user ID and role in headers.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Headers set by the upstream identity gateway.
const (
	UserHeader = "X-User-ID"
	RoleHeader = "X-User-Role"
)

// Roles recognised by the engine.
const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Principal is the caller of an operation.
type Principal struct {
	UserID string
	Role   string
}

// Privileged reports whether the principal is an administrator or a trusted
// internal system (for example the payment gateway callback).
func (p Principal) Privileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored in ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// CurrentUserID returns the caller's user ID, or "" when unauthenticated.
func CurrentUserID(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.UserID
}

// Middleware reads the gateway headers into the request context. Requests
// without a user header pass through unauthenticated.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))
		if role == "" {
			role = RoleUser
		}
		ctx := WithPrincipal(r.Context(), Principal{UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
