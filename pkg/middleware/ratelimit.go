package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platinummonkey/portrait/pkg/httputil"
	"github.com/platinummonkey/portrait/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// CleanupRateLimitConfig guards the cleanup password from guessing
func CleanupRateLimitConfig(perMinute int) *RateLimitConfig {
	if perMinute <= 0 {
		perMinute = 5
	}
	return &RateLimitConfig{RequestsPerWindow: perMinute, WindowDuration: time.Minute}
}

// Limiter decides whether one more request for key fits in its budget.
// retryAfter is a hint for rejected requests.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key in memory. The whole window's
// budget is available as burst, refilled evenly across the window.
type RateLimiter struct {
	config  *RateLimitConfig
	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = CleanupRateLimitConfig(0)
	}
	return &RateLimiter{
		config:  config,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (rl *RateLimiter) entry(key string, now time.Time) *limiterEntry {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.entries[key]
	if !ok {
		every := rl.config.WindowDuration / time.Duration(rl.config.RequestsPerWindow)
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(every), rl.config.RequestsPerWindow)}
		rl.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// Allow implements Limiter
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := rl.now()
	r := rl.entry(key, now).limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, rl.config.WindowDuration, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// Cleanup drops keys idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-2 * rl.config.WindowDuration)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.entries {
		if e.lastSeen.Before(cutoff) {
			delete(rl.entries, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// KeyFunc picks the rate limit bucket for a request
type KeyFunc func(*http.Request) string

// ByIdentity keys on the authenticated caller, falling back to client IP
func ByIdentity(r *http.Request) string {
	if id, ok := GetIdentity(r.Context()); ok {
		return "user:" + id.UserID
	}
	return "ip:" + clientIP(r)
}

// RateLimit rejects requests over limiter's budget with 429. Limiter errors
// fail open and are logged.
func RateLimit(limiter Limiter, key KeyFunc, logger *observability.Logger) func(http.Handler) http.Handler {
	if key == nil {
		key = ByIdentity
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				observability.FromContextOr(r.Context(), logger).WithError(err).Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				httputil.WriteTooManyRequests(w, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
