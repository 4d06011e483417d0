package userlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only if the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica using the same Redis
type Redis struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
}

// RedisOption configures a Redis locker
type RedisOption func(*Redis)

// WithTTL sets how long a lock survives a crashed holder
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithPollInterval sets the retry interval while waiting
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.pollInterval = d }
}

// NewRedis creates a Redis locker with keys under prefix
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	if prefix == "" {
		prefix = "portrait:lock"
	}
	r := &Redis{
		client:       client,
		prefix:       prefix,
		ttl:          DefaultTTL,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(userID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, userID)
}

// Lock implements Locker
func (r *Redis) Lock(ctx context.Context, userID string) (func(), error) {
	key := r.key(userID)
	token := uuid.NewString()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to acquire lock for %s: %w", userID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be cancelled; release regardless
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// on failure the TTL reclaims the key
			_ = releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}
