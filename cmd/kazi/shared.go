package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/invoker"
	"github.com/jkaninda/kazi/internal/notification"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	"github.com/jkaninda/kazi/internal/ticket"
)

// SharedComponents holds the subsystems the scheduler is assembled from.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  clock.Clock

	Store       storage.Store // nil when running on the in-memory store.
	Tickets     ticket.Store
	ApprovalMgr approval.ApprovalManager
	AutoApprove *approval.AutoApprover // nil = every gated dispatch waits for a human.

	Obs        *observability.Observability
	Router     *router.Router
	MCP        *invoker.MCP
	Invoker    invoker.Invoker          // MCP, instrumented when metrics or tracing are on.
	Dispatcher *notification.Dispatcher // nil = notifications disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// initShared performs all initialization the scheduler depends on.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, inMemory bool, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		Clock:  clock.Real(),
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, sc.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage.
	approvalTTL := cfg.Approval.TTL()
	if inMemory {
		sc.Tickets = ticket.NewMemoryStore()
		sc.ApprovalMgr = approval.NewManager(approvalTTL, sc.Clock, logger)
		logger.Warn("using in-memory store, tickets are lost on exit")
	} else {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		sc.Store = store
		sc.Tickets = store.Tickets()
		sc.ApprovalMgr = approval.NewDBManager(store.Approvals(), approvalTTL, logger)
		obs.Health.AddCheck("database", store.Ping)
	}
	logger.Debug("approval manager initialized", slog.String("ttl", approvalTTL.String()))

	if cfg.Approval.Auto != nil && cfg.Approval.Auto.Enabled {
		sc.AutoApprove = approval.NewAutoApprover(*cfg.Approval.Auto, sc.Clock, logger)
		logger.Debug("smart auto-approval enabled",
			slog.Int("required_approvals", cfg.Approval.Auto.RequiredApprovals),
		)
	}

	// Routing.
	rt, err := initRouter(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing router: %w", err)
	}
	sc.Router = rt
	logger.Debug("router initialized", slog.String("strategy", string(rt.Strategy())))

	// Agents.
	nodes := treeNodes{tree: rt.Tree()}
	mcpInv := invoker.NewMCP(nodes, logger)
	sc.addCleanup(mcpInv.Close)
	if len(cfg.Agents.MCP) > 0 {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		for _, srv := range cfg.Agents.MCP {
			if err := mcpInv.Connect(connectCtx, srv); err != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", srv.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		cancel()
	}
	logger.Info("agents discovered", slog.Any("agents", mcpInv.Agents()))
	sc.MCP = mcpInv
	sc.Invoker = mcpInv
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		sc.Invoker = observability.NewInstrumentedInvoker(mcpInv, nodes, obs.Metrics, obs.Tracer, obs.Anomaly)
	}

	// Notifications.
	if cfg.Notification != nil && len(cfg.Notification.Channels) > 0 {
		dispatcher := notification.NewDispatcher(cfg.Notification.Channels, sc.Tickets, logger)
		dispatcher.RegisterSender(notification.NewWebhookSender(cfg.Notification.AllowPrivateHosts, logger))
		dispatcher.RegisterSender(notification.NewSlackSender(cfg.Notification.AllowPrivateHosts, logger))
		sc.Dispatcher = dispatcher
		logger.Debug("notification dispatcher initialized", slog.Int("channels", len(cfg.Notification.Channels)))

		if obs.Anomaly != nil {
			obs.Anomaly.OnAlert(func(agent string, rate float64) {
				dispatcher.Notify(context.Background(), &notification.Message{
					Subject: "Agent error rate high: " + agent,
					Body:    fmt.Sprintf("Agent %s is failing %.0f%% of calls.", agent, rate*100),
					Metadata: map[string]string{
						"agent": agent,
						"kind":  "anomaly",
					},
				})
			})
		}
	}

	return sc, nil
}

// initRouter builds the router for the configured strategy, loading the
// agent hierarchy file when one is set.
func initRouter(cfg *config.Config) (*router.Router, error) {
	strategy, err := router.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		return nil, err
	}
	var tree *router.Tree
	if cfg.Routing.TreeFile != "" {
		tree, err = router.LoadTree(cfg.Routing.TreeFile)
		if err != nil {
			return nil, fmt.Errorf("loading agent hierarchy: %w", err)
		}
	}
	return router.New(strategy, tree), nil
}

// treeNodes resolves hierarchy node IDs to agents. Linear routing has no tree.
type treeNodes struct {
	tree *router.Tree
}

func (n treeNodes) AgentFor(nodeID string) (string, bool) {
	if n.tree == nil {
		return "", false
	}
	return n.tree.AgentFor(nodeID)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KAZI_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if pc := cfg.Storage.Postgres; pc != nil {
		pgCfg.MaxOpenConns = pc.MaxOpenConns
		pgCfg.MaxIdleConns = pc.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(pc.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
