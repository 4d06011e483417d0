package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/portrait/pkg/api"
	"github.com/platinummonkey/portrait/pkg/assetkey"
	"github.com/platinummonkey/portrait/pkg/avatar"
	"github.com/platinummonkey/portrait/pkg/bootstrap"
	"github.com/platinummonkey/portrait/pkg/config"
	"github.com/platinummonkey/portrait/pkg/observability"
	"github.com/platinummonkey/portrait/pkg/reconcile"
	"github.com/platinummonkey/portrait/pkg/retention"
	"github.com/platinummonkey/portrait/pkg/transform"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Portrait server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	endpoint, err := cfg.PublicEndpoint()
	if err != nil {
		return err
	}

	meta, err := bootstrap.OpenMetadata(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	objects, err := bootstrap.OpenObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		meta.Close()
		return err
	}
	redisClient, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		meta.Close()
		return err
	}

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	codec := assetkey.NewCodec(cfg.ObjectStore.Prefix, "")
	avatars := avatar.NewService(avatar.Config{
		Metadata:    avatar.NewPostgresMetadata(meta),
		Objects:     objects,
		Codec:       codec,
		Endpoint:    endpoint,
		Transformer: transform.New(cfg.Avatar.Size, cfg.Avatar.Quality, cfg.Avatar.MaxUploadBytes),
		Policy:      retention.NewPolicy(cfg.Avatar.HistoryKeep),
		Locker:      bootstrap.NewLocker(redisClient, cfg.Redis.LockTTL),
		RateLimit:   avatar.RateLimit{Max: cfg.Avatar.RateLimitMax, Window: cfg.Avatar.RateLimitWindow},
		Logger:      logger,
		Metrics:     metrics,
	})
	sweeper := reconcile.NewSweeper(reconcile.Config{
		References:  meta,
		Objects:     objects,
		Endpoint:    endpoint,
		Codec:       codec,
		GraceWindow: cfg.Sweep.GraceWindow,
		Workers:     cfg.Sweep.Workers,
		Logger:      logger,
		Metrics:     metrics,
	})

	server := api.NewServer(api.Config{
		Avatars:        avatars,
		Storage:        sweeper,
		Logger:         logger,
		Metrics:        metrics,
		MaxUploadBytes: cfg.Avatar.MaxUploadBytes,
		CleanupLimiter: bootstrap.NewCleanupLimiter(ctx, redisClient, cfg.Server.CleanupPerMinute),
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "portrait"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(meta, objects, redisClient, cfg.Observability.OTelServiceVersion))
	if metrics != nil {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc(providers.Shutdown)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return meta.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{httpServer, healthServer} {
		go func() {
			defer observability.RecoverPanic(logger, "http server")
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("server %s failed: %w", srv.Addr, err)
				cancel()
			}
		}()
	}

	logger.WithFields(map[string]any{
		"storage": cfg.ObjectStore.Type,
		"bucket":  cfg.ObjectStore.Bucket,
		"redis":   redisClient != nil,
	}).Info("Portrait server started")

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-serveErr:
		return errors.Join(err, shutdownErr)
	default:
		return shutdownErr
	}
}
