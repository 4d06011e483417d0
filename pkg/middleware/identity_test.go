package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/observability"
)

func TestIdentityMiddleware(t *testing.T) {
	var got Identity
	var userInLogs string
	h := IdentityMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetIdentity(r.Context())
		userInLogs = observability.GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		user   string
		role   string
		status int
		want   Identity
	}{
		{name: "user", user: "alice", status: http.StatusOK, want: Identity{UserID: "alice", Role: model.RoleUser}},
		{name: "admin", user: "ops", role: "ADMIN", status: http.StatusOK, want: Identity{UserID: "ops", Role: model.RoleAdmin}},
		{name: "unknown role is user", user: "bob", role: "root", status: http.StatusOK, want: Identity{UserID: "bob", Role: model.RoleUser}},
		{name: "missing user", status: http.StatusUnauthorized},
		{name: "malformed user", user: "../etc", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = Identity{}
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.user != "" {
				r.Header.Set(UserHeader, tt.user)
			}
			if tt.role != "" {
				r.Header.Set(RoleHeader, tt.role)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.want, got)
				assert.Equal(t, tt.want.UserID, userInLogs)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := IdentityMiddleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(UserHeader, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusForbidden, w.Code)

	r.Header.Set(RoleHeader, "admin")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	RequireAdmin(http.NotFoundHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCanActOn(t *testing.T) {
	assert.True(t, Identity{UserID: "alice", Role: model.RoleUser}.CanActOn("alice"))
	assert.False(t, Identity{UserID: "alice", Role: model.RoleUser}.CanActOn("bob"))
	assert.True(t, Identity{UserID: "ops", Role: model.RoleAdmin}.CanActOn("bob"))
}
