package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/portrait/pkg/assetkey"
	"github.com/platinummonkey/portrait/pkg/contextkeys"
	"github.com/platinummonkey/portrait/pkg/httputil"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/observability"
)

// Headers set by the trusted gateway in front of portrait
const (
	UserHeader = "X-Portrait-User"
	RoleHeader = "X-Portrait-Role"
)

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Role   model.Role
}

// CanActOn reports whether the caller may operate on userID's avatar
func (id Identity) CanActOn(userID string) bool {
	return id.Role.IsAdmin() || id.UserID == userID
}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, contextkeys.IdentityKey, id)
	return observability.WithUserID(ctx, id.UserID)
}

// GetIdentity returns the caller stored by IdentityMiddleware
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextkeys.IdentityKey).(Identity)
	return id, ok
}

// IdentityMiddleware reads the gateway identity headers. Requests without
// a well-formed user id are rejected with 401.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			httputil.WriteUnauthorized(w, "missing "+UserHeader+" header")
			return
		}
		if !assetkey.ValidUserID(userID) {
			httputil.WriteUnauthorized(w, "malformed "+UserHeader+" header")
			return
		}

		id := Identity{
			UserID: userID,
			Role:   model.ParseRole(strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))),
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireAdmin rejects callers without the admin role
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !id.Role.IsAdmin() {
			httputil.WriteForbidden(w, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
