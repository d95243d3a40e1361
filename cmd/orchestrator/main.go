package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/compression"
	cfg "github.com/patentflow/orchestrator/internal/config"
	"github.com/patentflow/orchestrator/internal/dispatch"
	"github.com/patentflow/orchestrator/internal/engine"
	"github.com/patentflow/orchestrator/internal/health"
	"github.com/patentflow/orchestrator/internal/httpapi"
	"github.com/patentflow/orchestrator/internal/isolation"
	"github.com/patentflow/orchestrator/internal/registry"
	"github.com/patentflow/orchestrator/internal/streaming"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	configPath := os.Getenv("CONFIG_PATH")
	conf, err := cfg.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Admin mux first so probes respond while the rest comes up.
	adminMux := http.NewServeMux()
	healthHandler := health.NewHandler(logger)
	healthHandler.RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(conf.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", conf.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	bus := streaming.NewBus(conf.Streaming.RingCapacity, logger)
	if conf.Redis.Addr != "" {
		mirror, err := streaming.NewRedisMirror(conf.Redis.Addr, conf.Redis.Password, logger)
		if err != nil {
			// mirror is best-effort observability; run without it
			logger.Warn("Redis event mirror unavailable", zap.Error(err))
		} else {
			bus.AttachMirror(mirror)
			defer func() { _ = mirror.Close() }()
			logger.Info("Redis event mirror attached", zap.String("addr", conf.Redis.Addr))
		}
	}

	reg := registry.NewRegistry(logger)
	dispatcher := dispatch.NewDispatcher(conf.Agents, conf.Dispatch.Timeout(), logger)
	policy := compression.NewPolicy(conf.Compression.Thresholds, logger)
	isolator := isolation.NewIsolator(logger)
	eng := engine.New(reg, dispatcher, policy, isolator, bus, logger)

	// Hot reload for runtime-swappable knobs.
	if configPath != "" {
		watcher, err := cfg.NewWatcher(configPath, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			watcher.OnChange(func(c *cfg.Config) {
				policy.SetThresholds(c.Compression.Thresholds)
				dispatcher.SetTimeout(c.Dispatch.Timeout())
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("Config watcher failed to start", zap.Error(err))
			} else {
				defer func() { _ = watcher.Stop() }()
			}
		}
	}

	apiMux := http.NewServeMux()
	httpapi.NewHandler(reg, eng, bus, conf.Defaults.TestMode, logger).RegisterRoutes(apiMux)
	httpapi.NewStreamingHandler(bus, logger).RegisterRoutes(apiMux)

	apiServer := &http.Server{
		Addr:        ":" + strconv.Itoa(conf.Server.APIPort),
		Handler:     apiMux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", conf.Server.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	healthHandler.SetReady(true)
	logger.Info("Orchestrator ready",
		zap.Int("agents_configured", len(conf.Agents)),
		zap.Duration("dispatch_timeout", conf.Dispatch.Timeout()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	healthHandler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
}
