package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/psantana5/imagegen/pkg/api"
	"github.com/psantana5/imagegen/pkg/cleanup"
	"github.com/psantana5/imagegen/pkg/jobs"
	"github.com/psantana5/imagegen/pkg/metrics"
	"github.com/psantana5/imagegen/pkg/ratelimit"
	"github.com/psantana5/imagegen/pkg/shutdown"
	"github.com/psantana5/imagegen/pkg/tracing"
)

var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job manager and HTTP API",
	Long: `Start the worker pool, the retention loop and the HTTP API. Jobs left
running by a previous process are marked as interrupted before workers start.
SIGINT or SIGTERM drains in-flight jobs within http.shutdown_timeout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = version
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg, "imagegen")
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("Starting imagegen", map[string]interface{}{
		"version":  version,
		"database": cfg.Database.Type,
		"workers":  cfg.WorkerCount,
		"queue":    cfg.QueueCapacity,
		"output":   cfg.OutputDir,
	})

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	sm := shutdown.New(cfg.HTTP.ShutdownTimeout, logger)
	sm.Register("store", shutdown.CloseResource(st))

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sm.Register("tracing", tp.Shutdown)

	registry, err := newRegistry(cfg)
	if err != nil {
		sm.Shutdown()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewStoreCollector(st),
	)
	mt := metrics.New(reg)

	manager := jobs.NewManager(jobs.ConfigFrom(cfg), st, registry, logger).
		WithMetrics(mt).
		WithTracer(tp)
	if err := manager.Start(context.Background()); err != nil {
		sm.Shutdown()
		return fmt.Errorf("failed to start job manager: %w", err)
	}
	sm.Register("job manager", manager.Stop)

	cm := cleanup.NewCleanupManager(cleanup.ConfigFrom(cfg), st, logger).WithMetrics(mt)
	cm.Start()
	sm.Register("cleanup", func(context.Context) error {
		cm.Stop()
		return nil
	})

	handler := api.NewHandler(manager, logger)
	handler.SetAPIKey(cfg.HTTP.APIKey)
	if cfg.HTTP.RequestsPerSecond > 0 {
		limiter := ratelimit.NewLimiter(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst)
		handler.SetRateLimiter(limiter)
		go pruneLimiters(sm.Done(), limiter)
	}

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tp))
	handler.RegisterRoutes(router)

	if cfg.HTTP.MetricsAddr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
		metricsRouter.HandleFunc("/health", handler.Health).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         cfg.HTTP.MetricsAddr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		sm.Register("metrics server", shutdown.StopHTTPServer(metricsSrv))

		go func() {
			logger.Info("Metrics server listening", map[string]interface{}{"addr": cfg.HTTP.MetricsAddr})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	// Registered last so the listener closes before the queue drains
	sm.Register("http server", shutdown.StopHTTPServer(srv))

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API server listening", map[string]interface{}{
			"addr":      cfg.HTTP.Addr,
			"providers": registry.IDs(),
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			sm.Trigger()
		}
	}()

	sm.Wait(context.Background())
	if failed := sm.Shutdown(); failed > 0 {
		return fmt.Errorf("%d components failed to stop cleanly", failed)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("API server failed: %w", err)
	default:
		return nil
	}
}

func pruneLimiters(done <-chan struct{}, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			limiter.CleanupOldLimiters(30 * time.Minute)
		}
	}
}
