package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/supervisor"
)

var (
	serveConfigPath string
	serveListen     string
	serveMemory     bool
	serveNoWatch    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file (yaml, toml, json or jsonc)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override HTTP listen address (e.g. :8090)")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep tickets in memory instead of the configured database")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(_ *cobra.Command, _ []string) error {
	configPath := goutils.Env("KAZI_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveListen != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.Listen = serveListen
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting kazi",
		slog.String("version", version),
		slog.String("config", configPath),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, serveMemory, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	bus := orchestrator.NewBus()
	sched := buildScheduler(cfg, sc, bus)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	sc.Obs.Health.AddCheck("scheduler", func(ctx context.Context) error {
		_, err := sched.Status(ctx)
		return err
	})

	// Start approval cleanup goroutine.
	cancelCleanup := sc.ApprovalMgr.StartCleanup(ctx, 1*time.Minute)
	defer cancelCleanup()

	if !serveNoWatch {
		go func() {
			if err := config.Watch(ctx, configPath, cfg, sched, logger); err != nil {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.HTTP == nil {
		logger.Info("HTTP API disabled, running scheduler only")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	gw := buildGateway(cfg, sc, sched, bus)
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// buildScheduler assembles the pipeline executor and the scheduler from the
// shared components.
func buildScheduler(cfg *config.Config, sc *SharedComponents, bus *orchestrator.Bus) *orchestrator.Scheduler {
	hooks := supervisor.New(sc.Invoker, cfg.Supervisor())

	var (
		pipeMetrics  *pipeline.Metrics
		schedMetrics *orchestrator.Metrics
		tracer       trace.Tracer
	)
	if sc.Obs.Metrics != nil {
		pipeMetrics = pipeline.NewMetrics(sc.Obs.Metrics.Registry)
		schedMetrics = orchestrator.NewMetrics(sc.Obs.Metrics.Registry)
	}
	if sc.Obs.Tracer != nil {
		tracer = sc.Obs.Tracer.Tracer()
	}

	exec := pipeline.NewExecutor(
		sc.Tickets,
		sc.Invoker,
		sc.Router,
		hooks,
		sc.Clock,
		pipeMetrics,
		sc.Logger,
		cfg.Pipeline(),
	).WithTracer(tracer)

	sched := orchestrator.NewScheduler(
		sc.Tickets,
		sc.Router,
		exec,
		hooks,
		sc.Clock,
		schedMetrics,
		sc.Logger,
		cfg.Orchestrator(),
	).
		WithApprovals(sc.ApprovalMgr, sc.AutoApprove).
		WithInvoker(sc.Invoker).
		WithEvents(bus)

	if sc.Dispatcher != nil {
		sched.WithNotifier(sc.Dispatcher)
	}
	return sched
}

// buildGateway creates the HTTP API from config.
func buildGateway(cfg *config.Config, sc *SharedComponents, sched *orchestrator.Scheduler, bus *orchestrator.Bus) *httpapi.Gateway {
	gwCfg := httpapi.Config{
		ListenAddr:    cfg.HTTP.ListenAddr(),
		EnableDocs:    cfg.HTTP.EnableDocs,
		HealthChecker: sc.Obs.Health,
	}
	if cfg.HTTP.APIToken != "" {
		gwCfg.APIKeys = map[string]string{cfg.HTTP.APIToken: "operator"}
	} else {
		sc.Logger.Warn("HTTP API has no token, every client is trusted")
	}
	if m := sc.Obs.Metrics; m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if sc.Obs.Tracer != nil {
		gwCfg.Tracer = sc.Obs.Tracer.Tracer()
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.HTTP.RateLimit.Burst,
	}, sc.Clock)

	gw := httpapi.NewGateway(gwCfg, sched, sc.Tickets, limiter, sc.Logger).
		WithApprovals(sc.ApprovalMgr).
		WithEvents(bus)
	sc.Logger.Info("HTTP API configured",
		slog.String("listen", gwCfg.ListenAddr),
		slog.Bool("auth", len(gwCfg.APIKeys) > 0),
		slog.Int("rate_limit_rpm", cfg.HTTP.RateLimit.RequestsPerMinute),
	)
	return gw
}
