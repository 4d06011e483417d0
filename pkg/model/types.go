package model

import "time"

// Role identifies the privilege level of a requester
type Role string

const (
	// RoleUser is a regular account; uploads are rate limited
	RoleUser Role = "user"
	// RoleAdmin may act on any user and bypasses upload rate limiting
	RoleAdmin Role = "admin"
)

// ParseRole converts a string into a Role, defaulting to RoleUser
func ParseRole(s string) Role {
	if Role(s) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// IsAdmin reports whether the role is RoleAdmin
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// User is the subset of an account record this service reads and mutates
type User struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	ActiveAssetURL *string   `json:"active_asset_url"`
	PasswordHash   string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Detached reports whether the user currently has no active asset
func (u *User) Detached() bool {
	return u.ActiveAssetURL == nil
}

// HistoryRecord is one stored version of a user's avatar.
// Records are immutable; they are only ever deleted by retention.
type HistoryRecord struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	AssetURL   string    `json:"asset_url"`
	IsOriginal bool      `json:"is_original"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewerThan orders records by creation time, falling back to id for ties
func (r HistoryRecord) NewerThan(other HistoryRecord) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.After(other.CreatedAt)
	}
	return r.ID > other.ID
}
