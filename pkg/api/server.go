package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/portrait/pkg/avatar"
	"github.com/platinummonkey/portrait/pkg/httputil"
	"github.com/platinummonkey/portrait/pkg/middleware"
	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/observability"
	"github.com/platinummonkey/portrait/pkg/reconcile"
)

// DefaultMaxUploadBytes caps upload bodies when Config leaves it unset
const DefaultMaxUploadBytes = 10 << 20

// AvatarService is the part of avatar.Service the handlers call
type AvatarService interface {
	Upload(ctx context.Context, req avatar.UploadRequest) (*avatar.UploadResult, error)
	Detach(ctx context.Context, userID string) error
	History(ctx context.Context, userID string) ([]model.HistoryRecord, error)
	Current(ctx context.Context, userID string) (*model.User, error)
}

// StorageAdmin is the part of reconcile.Sweeper the admin handlers call
type StorageAdmin interface {
	Analyze(ctx context.Context) (*reconcile.Report, error)
	Cleanup(ctx context.Context, requesterID, password string) (*reconcile.CleanupResult, error)
}

// Config wires a Server
type Config struct {
	Avatars        AvatarService
	Storage        StorageAdmin
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	MaxUploadBytes int64
	// CleanupLimiter guards the cleanup password; nil disables the limit
	CleanupLimiter middleware.Limiter
}

// Server represents our API server
type Server struct {
	avatars        AvatarService
	storage        StorageAdmin
	logger         *observability.Logger
	metrics        *observability.Metrics
	maxUploadBytes int64
	cleanupLimiter middleware.Limiter
	router         *mux.Router
	handler        http.Handler
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	s := &Server{
		avatars:        cfg.Avatars,
		storage:        cfg.Storage,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		maxUploadBytes: cfg.MaxUploadBytes,
		cleanupLimiter: cfg.CleanupLimiter,
		router:         mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}
	s.setupRoutes()
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)(s.router)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteErrorCode(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.IdentityMiddleware)

	if s.avatars != nil {
		upload := httputil.MaxBytesMiddleware(s.maxUploadBytes + 1<<20)(http.HandlerFunc(s.uploadAvatar))
		v1.Handle("/users/{id}/avatar", upload).Methods(http.MethodPut)
		v1.HandleFunc("/users/{id}/avatar", s.detachAvatar).Methods(http.MethodDelete)
		v1.HandleFunc("/users/{id}/avatar", s.currentAvatar).Methods(http.MethodGet)
		v1.HandleFunc("/users/{id}/avatar/history", s.avatarHistory).Methods(http.MethodGet)
	}

	if s.storage != nil {
		admin := v1.PathPrefix("/admin/storage").Subrouter()
		admin.Use(middleware.RequireAdmin)
		admin.HandleFunc("/orphans", s.analyzeOrphans).Methods(http.MethodGet)

		var cleanup http.Handler = http.HandlerFunc(s.cleanupOrphans)
		if s.cleanupLimiter != nil {
			cleanup = middleware.RateLimit(s.cleanupLimiter, middleware.ByIdentity, s.logger)(cleanup)
		}
		admin.Handle("/cleanup", cleanup).Methods(http.MethodPost)
	}
}

// Router exposes the mux for additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
