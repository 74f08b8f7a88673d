// jobctld schedules and supervises container jobs and records every run.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"jobctl/internal/api"
	"jobctl/internal/audit"
	"jobctl/internal/config"
	"jobctl/internal/cron"
	"jobctl/internal/dispatcher"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/monitor"
	"jobctl/internal/observability"
	"jobctl/internal/registry"
	runpkg "jobctl/internal/run"
	"jobctl/internal/runtime/docker"
	"jobctl/internal/scheduler"
	"jobctl/internal/store"
	"jobctl/internal/users"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, level); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, level *slog.LevelVar) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, level)
	slog.SetDefault(logger)
	loader.WatchLevel(level, logger)
	if f := loader.File(); f != "" {
		logger.Info("Loaded configuration", "file", f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}
	hostname := cfg.Scheduler.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN,
		BusyTimeout: cfg.Store.BusyTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rt, err := docker.New(docker.Config{
		RetentionPeriod:     cfg.Docker.Retention,
		MaintenanceInterval: cfg.Docker.MaintenanceInterval,
		Network:             cfg.Docker.Network,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	rec := audit.NewRecorder(st, logger)
	reg := registry.New(st, rec, logger)
	runs := runpkg.NewTracker(st, rec, logger)

	// Create webhook dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:  cfg.Webhooks.BufferSize,
		Workers:     cfg.Webhooks.Workers,
		HTTPTimeout: cfg.Webhooks.Timeout,
		RateLimit:   rate.Limit(cfg.Webhooks.RateLimit),
		Logger:      logger,
	}, metrics)
	var notifier scheduler.Notifier
	if targets := webhookTargets(cfg.Webhooks); len(targets) > 0 {
		notifier = dispatcher.NewWebhooks(eventDispatcher, targets, cfg.Webhooks.SigningKey, logger)
		logger.Info("Webhook delivery enabled", "targets", len(targets))
	}

	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		MaxRuntime:   cfg.Scheduler.MaxRuntime,
		StopGrace:    cfg.Scheduler.StopGrace,
		QueueSize:    cfg.Scheduler.QueueSize,
		Hostname:     hostname,
		Metrics:      metrics,
		Logger:       logger,
	}, rt, runs, reg, cron.New(cron.Options{Location: loc, MaxCatchUp: cfg.Scheduler.MaxCatchUp}), rec, notifier)

	// Declared jobs are imported before the scheduler observes the
	// registry; Recover loads their schedules.
	if cfg.Jobs.Definitions != "" {
		res, err := reg.ImportFile(ctx, cfg.Jobs.Definitions, job.SystemUser)
		if err != nil {
			return err
		}
		logger.Info("Imported job definitions", "file", cfg.Jobs.Definitions,
			"created", res.Created, "updated", res.Updated, "unchanged", res.Unchanged)
	}
	reg.Observe(sched)

	if err := sched.Recover(ctx); err != nil {
		return err
	}
	rt.StartMaintenance(ctx)

	healthChecker := health.NewChecker(
		health.Check{Name: "store", Probe: health.ReadyFunc(st.Ping)},
		health.Check{Name: "docker", Probe: rt},
	)

	router := api.NewRouter(api.RouterConfig{
		Deps: api.Deps{
			Registry:   reg,
			Scheduler:  sched,
			Runs:       runs,
			Audit:      rec,
			Runtime:    rt,
			Users:      users.New(st, rec, cfg.Users.Passwd, logger),
			Health:     healthChecker,
			Dispatcher: eventDispatcher,
			Logger:     logger,
		},
		Metrics:   metrics,
		APIKey:    cfg.Server.APIKey,
		RateLimit: rate.Limit(cfg.Server.RateLimit),
		RateBurst: cfg.Server.RateBurst,
	})

	if cfg.Server.APIKey != "" {
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled - no server.apiKeyFile configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Loops outlive ctx so in-flight API requests can still reach the
	// scheduler while the servers drain.
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Monitor.Enabled {
		mon := monitor.New(monitor.Config{Label: cfg.Monitor.Label, Hostname: hostname, Logger: logger}, rt, reg, sched, rec)
		g.Go(func() error { return mon.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("Starting API server", "port", cfg.Server.Port)
		return listen(apiServer)
	})
	g.Go(func() error {
		logger.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		return listen(metricsServer)
	})

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notification failed", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-gctx.Done():
		logger.Error("Component failed, shutting down")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if cfg.Server.ShutdownDrainWait > 0 && gctx.Err() == nil {
		logger.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	logger.Info("Starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown error", "error", err)
	}

	// Phase 3: Stop the scheduler and monitor. Containers keep running and
	// are picked up by Recover on the next start.
	logger.Info("Stopping scheduler", "supervisedJobs", sched.Active())
	stopLoops()
	runErr := g.Wait()

	// Phase 4: Drain webhook dispatcher
	logger.Info("Draining webhook dispatcher")
	if err := eventDispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("Dispatcher shutdown error", "error", err)
	}
	stats := eventDispatcher.Stats()
	logger.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	logger.Info("Shutdown complete")
	return runErr
}

// listen serves until Shutdown, which is not an error.
func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	if l, err := config.ParseLevel(cfg.Level); err == nil {
		level.Set(l)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func webhookTargets(cfg config.WebhooksConfig) []dispatcher.Target {
	var out []dispatcher.Target
	for _, t := range cfg.AllTargets() {
		out = append(out, dispatcher.Target{URL: t.URL, Events: t.Events, Headers: t.Headers})
	}
	return out
}
