package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"

	"github.com/eugener/warden/internal/auth"
	"github.com/eugener/warden/internal/config"
	"github.com/eugener/warden/internal/counter"
	"github.com/eugener/warden/internal/forward"
	"github.com/eugener/warden/internal/server"
	"github.com/eugener/warden/internal/telemetry"
	"github.com/eugener/warden/internal/throttle"
	"github.com/eugener/warden/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	addr := ":" + strconv.Itoa(cfg.HTTPPort)
	slog.Info("starting warden", "version", version, "addr", addr)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Counter store and increment scheduler
	store := counter.NewRedis(cfg.CounterStore)
	defer store.Close()

	sched := counter.NewScheduler(store, cfg.ThreadPoolSize)

	// Metrics
	var metrics *telemetry.Metrics
	reg := prometheus.NewRegistry()
	if cfg.Telemetry.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(reg, func() float64 {
			return float64(sched.QueueLen())
		})
	}

	// Wire services
	authClient, err := auth.New(cfg.Auth)
	if err != nil {
		return err
	}
	if metrics != nil {
		authClient.InstrumentCache(metrics.AuthCacheHits, metrics.AuthCacheMisses)
		store.InstrumentReads(func(outcome string) {
			metrics.CounterReads.WithLabelValues(outcome).Inc()
		})
	}
	engine := throttle.NewEngine(store, sched)

	resolver := &dnscache.Resolver{}
	forwarder := forward.New(forward.NewTransport(resolver, 0))

	handler := server.New(server.Deps{
		Auth:      authClient,
		Engine:    engine,
		Forwarder: forwarder,
		Realm:     cfg.Auth.Realm,
		Metrics:   metrics,
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	statusSrv := &http.Server{
		Addr:    cfg.Telemetry.StatusAddr,
		Handler: server.NewStatus(store.Ping, reg),
	}

	// Background workers
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	runner := worker.NewRunner(sched)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("warden ready", "addr", addr, "status_addr", cfg.Telemetry.StatusAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		cancelWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy shutdown failed", "error", err)
	}
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status server shutdown failed", "error", err)
	}

	// Stop the scheduler last so increments for in-flight requests drain.
	cancelWorkers()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown failed", "error", err)
	}

	slog.Info("warden stopped")
	return nil
}

func writePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
