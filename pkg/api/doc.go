// Package api exposes the avatar and storage-reconciliation operations over
// HTTP.
//
// Routes live under /v1 and require the gateway-supplied identity headers
// (see middleware.IdentityMiddleware):
//
//	PUT    /v1/users/{id}/avatar          upload a new avatar (raw body or multipart field "avatar")
//	DELETE /v1/users/{id}/avatar          detach the active avatar, keeping history
//	GET    /v1/users/{id}/avatar          current avatar URL
//	GET    /v1/users/{id}/avatar/history  history records, newest first
//	GET    /v1/admin/storage/orphans      orphan analysis (admin)
//	POST   /v1/admin/storage/cleanup      password-gated orphan deletion (admin)
//
// Users may only act on their own id unless they hold the admin role.
// Every error body is an httputil.ErrorResponse whose code is derived from
// the model error kind in one place, writeError.
package api
