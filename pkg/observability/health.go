package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// Pinger is satisfied by the metadata store
type Pinger interface {
	Ping(ctx context.Context) error
}

// BucketChecker is satisfied by every object store backend
type BucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	db      Pinger
	bucket  BucketChecker
	redis   *redis.Client
	version string
}

// NewHealthChecker creates a new health checker. Any dependency may be nil.
func NewHealthChecker(db Pinger, bucket BucketChecker, redis *redis.Client, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		bucket:  bucket,
		redis:   redis,
		version: version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness returns a simple liveness probe (always returns 200 if server is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness checks all dependencies and returns 503 when any critical one fails
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check performs a comprehensive health check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := probe(func() (string, string) {
			if err := h.db.Ping(ctx); err != nil {
				return StatusUnhealthy, err.Error()
			}
			return StatusHealthy, ""
		})
		status.Dependencies["metadata"] = dep
		status.Status = worst(status.Status, dep.Status)
	}

	if h.bucket != nil {
		dep := probe(func() (string, string) {
			ok, err := h.bucket.BucketExists(ctx)
			if err != nil {
				return StatusUnhealthy, err.Error()
			}
			// uploads create the bucket on demand
			if !ok {
				return StatusDegraded, "bucket does not exist yet"
			}
			return StatusHealthy, ""
		})
		status.Dependencies["object_store"] = dep
		status.Status = worst(status.Status, dep.Status)
	}

	// Redis is optional: losing it falls back to process-local coordination
	if h.redis != nil {
		dep := probe(func() (string, string) {
			if err := h.redis.Ping(ctx).Err(); err != nil {
				return StatusUnhealthy, err.Error()
			}
			return StatusHealthy, ""
		})
		status.Dependencies["redis"] = dep
		if dep.Status != StatusHealthy {
			status.Status = worst(status.Status, StatusDegraded)
		}
	}

	return status
}

func probe(fn func() (string, string)) DependencyStatus {
	start := time.Now()
	state, msg := fn()
	return DependencyStatus{
		Status:    state,
		Message:   msg,
		Latency:   time.Since(start),
		Timestamp: start,
	}
}

func worst(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/healthz", checker.Liveness)
	mux.HandleFunc("/readyz", checker.Readiness)
}
