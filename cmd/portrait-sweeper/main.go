package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/portrait/pkg/assetkey"
	"github.com/platinummonkey/portrait/pkg/bootstrap"
	"github.com/platinummonkey/portrait/pkg/config"
	"github.com/platinummonkey/portrait/pkg/observability"
	"github.com/platinummonkey/portrait/pkg/reconcile"
)

var (
	runOnce   = flag.Bool("run-once", false, "Run a single analysis and exit")
	cleanup   = flag.Bool("cleanup", false, "With -run-once, delete the orphans found (password from PORTRAIT_SWEEP_PASSWORD)")
	requester = flag.String("requester", os.Getenv("PORTRAIT_SWEEP_REQUESTER"), "Admin user whose password authorizes cleanup")
	schedule  = flag.String("schedule", "", "Cron schedule for analysis (overrides PORTRAIT_SWEEP_SCHEDULE)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Sweep.Schedule = *schedule
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout).
		WithField("component", "sweeper")
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Portrait sweeper exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName + "-sweeper",
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	sweeper, closeFn, err := newSweeper(ctx, cfg, logger, metrics)
	if err != nil {
		providers.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to initialize sweeper: %w", err)
	}

	if *runOnce {
		err := runOnceMode(ctx, sweeper, logger)
		closeFn()
		return errors.Join(err, providers.Shutdown(context.WithoutCancel(ctx)))
	}

	if *cleanup {
		logger.Warn("-cleanup only applies with -run-once; scheduled runs are analysis only")
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Sweep.Schedule, func() {
		defer observability.RecoverPanic(logger, "scheduled analysis")
		analyze(ctx, sweeper, logger)
	})
	if err != nil {
		closeFn()
		providers.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("failed to schedule analysis %q: %w", cfg.Sweep.Schedule, err)
	}

	var servers []*http.Server
	if metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", observability.MetricsHandler(registry))
		servers = append(servers, &http.Server{
			Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Sweep.MetricsPort),
			Handler:     metricsMux,
			ReadTimeout: cfg.Server.ReadTimeout,
		})
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, servers...)
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-shutdownCtx.Done():
			return fmt.Errorf("scheduled analysis still running: %w", shutdownCtx.Err())
		}
	})
	shutdown.RegisterShutdownFunc(providers.Shutdown)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		closeFn()
		return nil
	})

	serveErr := make(chan error, 1)
	for _, srv := range servers {
		go func() {
			defer observability.RecoverPanic(logger, "metrics server")
			logger.WithField("addr", srv.Addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("server %s failed: %w", srv.Addr, err)
				stop()
			}
		}()
	}

	c.Start()
	logger.WithField("schedule", cfg.Sweep.Schedule).Info("Portrait sweeper started")

	shutdownErr := shutdown.WaitForShutdown(ctx)
	logger.Info("Sweeper stopped")
	select {
	case err := <-serveErr:
		return errors.Join(err, shutdownErr)
	default:
		return shutdownErr
	}
}

func newSweeper(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*reconcile.Sweeper, func(), error) {
	endpoint, err := cfg.PublicEndpoint()
	if err != nil {
		return nil, nil, err
	}
	meta, err := bootstrap.OpenMetadata(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, nil, err
	}
	objects, err := bootstrap.OpenObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		meta.Close()
		return nil, nil, err
	}

	sweeper := reconcile.NewSweeper(reconcile.Config{
		References:  meta,
		Objects:     objects,
		Endpoint:    endpoint,
		Codec:       assetkey.NewCodec(cfg.ObjectStore.Prefix, ""),
		GraceWindow: cfg.Sweep.GraceWindow,
		Workers:     cfg.Sweep.Workers,
		Logger:      logger,
		Metrics:     metrics,
	})
	return sweeper, func() { meta.Close() }, nil
}

func runOnceMode(ctx context.Context, sweeper *reconcile.Sweeper, logger *observability.Logger) error {
	if !*cleanup {
		_, err := analyze(ctx, sweeper, logger)
		return err
	}

	password := os.Getenv("PORTRAIT_SWEEP_PASSWORD")
	if *requester == "" || password == "" {
		return fmt.Errorf("cleanup requires -requester and PORTRAIT_SWEEP_PASSWORD")
	}
	result, err := sweeper.Cleanup(ctx, *requester, password)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]any{
		"found":         result.Found,
		"deleted":       result.Deleted,
		"errors":        result.Errors,
		"skipped":       result.Skipped,
		"not_attempted": result.NotAttempted,
	}).Info("Cleanup completed")
	return nil
}

func analyze(ctx context.Context, sweeper *reconcile.Sweeper, logger *observability.Logger) (*reconcile.Report, error) {
	start := time.Now()
	report, err := sweeper.Analyze(ctx)
	if err != nil {
		logger.WithError(err).Error("Analysis failed")
		return nil, err
	}
	logger.WithFields(map[string]any{
		"orphans":         len(report.OrphanKeys),
		"orphan_bytes":    report.TotalOrphanBytes,
		"grace_protected": report.GraceProtected,
		"unresolved":      len(report.UnresolvedReferences),
		"duration_ms":     time.Since(start).Milliseconds(),
	}).Info("Analysis completed")
	return report, nil
}
