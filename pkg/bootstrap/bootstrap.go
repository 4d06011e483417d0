// Package bootstrap turns a config.Config into the live collaborators the
// binaries share: metadata store, object store, Redis client and the
// lock and limiter built on it.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"

	"github.com/platinummonkey/portrait/pkg/config"
	"github.com/platinummonkey/portrait/pkg/metadata"
	"github.com/platinummonkey/portrait/pkg/middleware"
	"github.com/platinummonkey/portrait/pkg/objectstore"
	"github.com/platinummonkey/portrait/pkg/observability"
	"github.com/platinummonkey/portrait/pkg/userlock"
)

const meterName = "github.com/platinummonkey/portrait"

// OpenMetadata connects to PostgreSQL and, when enabled, applies pending
// migrations
func OpenMetadata(ctx context.Context, cfg config.PostgresConfig, logger *observability.Logger) (*metadata.Store, error) {
	store, err := metadata.Open(ctx, metadata.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxConns,
		MaxIdleConns:    cfg.MinConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.AutoMigrate {
		return store, nil
	}

	version, err := store.Migrate(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	logger.WithField("version", version).Info("Metadata schema up to date")
	return store, nil
}

// OpenObjectStore builds the configured backend, makes sure its bucket
// exists and wraps it with OTel operation metrics
func OpenObjectStore(ctx context.Context, cfg config.ObjectStoreConfig) (objectstore.Store, error) {
	var (
		store objectstore.Store
		err   error
	)
	switch cfg.Type {
	case config.StorageS3:
		store, err = objectstore.NewS3Store(ctx, objectstore.S3Config{
			Endpoint:     cfg.Endpoint,
			Region:       cfg.Region,
			Bucket:       cfg.Bucket,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			UsePathStyle: cfg.UsePathStyle,
		})
	case config.StorageFilesystem:
		store, err = objectstore.NewFSStore(cfg.FilesystemRoot, cfg.Bucket)
	case config.StorageMemory:
		store = objectstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Type, err)
	}

	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.Bucket, err)
	}

	instrumented, err := objectstore.Instrument(store, otel.Meter(meterName), cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to instrument object store: %w", err)
	}
	return instrumented, nil
}

// OpenRedis returns nil when no URL is configured
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewLocker shares per-user locks through Redis when a client is given,
// and falls back to an in-process lock otherwise
func NewLocker(client *redis.Client, ttl time.Duration) userlock.Locker {
	if client == nil {
		return userlock.NewLocal()
	}
	var opts []userlock.RedisOption
	if ttl > 0 {
		opts = append(opts, userlock.WithTTL(ttl))
	}
	return userlock.NewRedis(client, "", opts...)
}

// NewCleanupLimiter returns the limiter guarding the cleanup password. The
// local limiter's idle-bucket cleanup runs until ctx is done.
func NewCleanupLimiter(ctx context.Context, client *redis.Client, perMinute int) middleware.Limiter {
	cfg := middleware.CleanupRateLimitConfig(perMinute)
	if client != nil {
		return middleware.NewDistributedRateLimiter(client, cfg, "portrait:cleanup")
	}
	limiter := middleware.NewRateLimiter(cfg)
	limiter.StartCleanup(ctx)
	return limiter
}
