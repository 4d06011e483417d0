// Package contextkeys defines the context keys shared across packages.
//
// All keys live here so that setters and readers agree on one type:
//
//	ctx = context.WithValue(ctx, contextkeys.IdentityKey, id)
//	id, ok := ctx.Value(contextkeys.IdentityKey).(middleware.Identity)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains middleware.Identity
	// Set by: middleware.IdentityMiddleware from gateway headers
	// Required by: every /v1 handler
	IdentityKey Key = "identity"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, response headers
	RequestIDKey Key = "request_id"

	// UserIDKey contains the acting user's ID string
	// Set by: middleware.IdentityMiddleware
	// Used by: Logger
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.RequestIDMiddleware
	// Used by: handlers that log with request context
	LoggerKey Key = "logger"
)

// String returns the key name
func (k Key) String() string {
	return string(k)
}
