package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nestlog/nestlog/server/internal/api"
	"github.com/nestlog/nestlog/server/internal/auth"
	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/metrics"
	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/playbook"
	"github.com/nestlog/nestlog/server/internal/receiver"
	"github.com/nestlog/nestlog/server/internal/sender"
	"github.com/nestlog/nestlog/server/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger := cfg.Server.Log.Logger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("nestlog-server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger *slog.Logger) error {
	s := cfg.Server
	logger.Info("nestlog-server starting",
		"config", configPath,
		"grpc_port", s.GRPCPort,
		"http_port", s.HTTPPort,
		"auth_mode", s.Auth.Mode,
		"storage", s.Storage.Driver,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	be, err := openBackend(ctx, s, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer be.close()

	var lib *playbook.Library
	if s.Playbook.Dir != "" {
		lib, err = playbook.LoadDir(s.Playbook.Dir)
		if err != nil {
			return fmt.Errorf("load playbook: %w", err)
		}
		logger.Info("playbook loaded", "dir", s.Playbook.Dir, "articles", lib.Len())
	}

	router, closeSenders, err := sender.FromConfig(s.Channels, logger)
	if err != nil {
		return err
	}
	defer closeSenders()

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	queue := nudge.NewQueue(be.prefs, router, be.outcomes,
		nudge.WithQueueLogger(logger),
		nudge.WithObserver(metrics.ObserveOutcome),
		nudge.WithSinkRetries(s.Nudges.SinkRetries, s.Nudges.SinkBackoff),
	)
	if err := metrics.RegisterQueueDepth(prometheus.DefaultRegisterer, queue.Len); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	engineOpts := []nudge.EngineOption{
		nudge.WithEngineLogger(logger),
		nudge.WithJobObserver(metrics.ObserveJob),
	}
	if lib != nil {
		engineOpts = append(engineOpts, nudge.WithArticles(lib))
	}
	engine := nudge.NewEngine(reg, be.prefs, queue, engineOpts...)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// The queue outlives ctx: it is stopped only after both servers have
	// finished their in-flight submissions, and before storage closes.
	stopQueue := queue.Start()
	goRun(func() { be.run(ctx) })
	goRun(func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			reg, err := next.Registry()
			if err != nil {
				logger.Error("config: thresholds rejected", "err", err)
				return
			}
			engine.SetRegistry(reg)
			if lib != nil {
				if err := lib.Reload(); err != nil {
					logger.Error("playbook: reload failed, keeping previous articles", "err", err)
				}
			}
		})
		if err != nil {
			logger.Warn("config: watch disabled", "err", err)
		}
	})

	// gRPC ingest with Prometheus metrics and optional API key authentication.
	grpcSrv, err := receiver.NewServer(fmt.Sprintf(":%d", s.GRPCPort), receiver.New(engine),
		auth.APIKeyInterceptor(s.Auth.Mode, s.Auth.EffectiveHeader(), s.Auth.Key(), auth.HealthMethods))
	if err != nil {
		stopQueue()
		return err
	}
	go func() {
		logger.Info("gRPC ingest listening", "addr", grpcSrv.Address())
		if err := grpcSrv.Start(); err != nil {
			logger.Error("gRPC server stopped", "err", err)
			cancel()
		}
	}()

	hub := ws.New(be.outcomes, s.Reporting, s.Stream.Interval)
	goRun(func() { hub.Run(ctx) })

	// Combined HTTP server: REST API, WebSocket stream and metrics on HTTPPort.
	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(api.Deps{
		Engine:      engine,
		Outcomes:    be.outcomes,
		Playbook:    lib,
		Preferences: be.prefs,
		Reporting:   s.Reporting,
		Ready:       be.ready,
	}))
	mux.Handle("/ws/nudges", hub)
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	requireKey := auth.Middleware(s.Auth.Mode, s.Auth.EffectiveHeader(), s.Auth.Key(),
		"/api/v1/health", "/metrics")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.HTTPPort),
		Handler:           metrics.Middleware(requireKey(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "port", s.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("nestlog-server shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	grpcSrv.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "err", err)
	}
	stopQueue()

	wg.Wait()
	logger.Info("nestlog-server stopped", "pending_jobs", queue.Len())
	return nil
}
