// Package middleware holds portrait's caller-facing HTTP middleware.
//
// IdentityMiddleware trusts the gateway's X-Portrait-User and X-Portrait-Role
// headers and stores an Identity in the request context. RequireAdmin gates
// the storage administration routes.
//
// RateLimit rejects requests over a Limiter's budget. RateLimiter keeps
// per-key token buckets in memory; DistributedRateLimiter shares a
// fixed-window counter through Redis when several instances run:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.CleanupRateLimitConfig(5), "")
//	router.Handle("/v1/admin/storage/cleanup", middleware.RateLimit(limiter, middleware.ByIdentity, logger)(h))
package middleware
