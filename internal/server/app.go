package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/quantgov/config"
	"github.com/mohammad-safakhou/quantgov/internal/audit"
	"github.com/mohammad-safakhou/quantgov/internal/budget"
	"github.com/mohammad-safakhou/quantgov/internal/cycle"
	"github.com/mohammad-safakhou/quantgov/internal/gate"
	"github.com/mohammad-safakhou/quantgov/internal/governance"
	"github.com/mohammad-safakhou/quantgov/internal/memory"
	"github.com/mohammad-safakhou/quantgov/internal/queue/streams"
	"github.com/mohammad-safakhou/quantgov/internal/reputation"
	"github.com/mohammad-safakhou/quantgov/internal/runtime"
	"github.com/mohammad-safakhou/quantgov/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App is the wired governance core.
type App struct {
	Config    *config.Config
	Services  Services
	Sweeper   *Sweeper
	Store     *store.Store
	Redis     *redis.Client
	Registry  *streams.SchemaRegistry
	Publisher *streams.Publisher
	logger    *zap.Logger
}

// Build connects the configured backend and wires every service.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, logger: logger}

	registry, err := runtime.InitSchemaRegistry()
	if err != nil {
		return nil, fmt.Errorf("schema registry: %w", err)
	}
	app.Registry = registry

	rdb, err := runtime.ConnectRedis(ctx, cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		app.Redis = rdb
		app.Publisher = streams.NewPublisher(rdb, registry)
	}

	roster := gate.DefaultRoster()
	roster.DefaultDeadline = cfg.Gates.DefaultDeadline
	if cfg.Gates.RosterFile != "" {
		if roster, err = gate.LoadRoster(cfg.Gates.RosterFile); err != nil {
			app.Close()
			return nil, err
		}
		if roster.DefaultDeadline <= 0 {
			roster.DefaultDeadline = cfg.Gates.DefaultDeadline
		}
	}

	var (
		ledgerRepo budget.Repository
		gateRepo   gate.Repository
		cycleRepo  cycle.Repository
		memRepo    memory.Repository
		govRepo    interface {
			governance.Repository
			governance.AlertRepository
		}
		source    reputation.Source
		snapshots reputation.SnapshotRepository
		primary   audit.Sink
		auditLog  audit.Log
	)
	switch cfg.Server.Backend {
	case "memory":
		lr, cr := budget.NewMemoryRepository(), cycle.NewMemoryRepository()
		sink := audit.NewMemorySink()
		ledgerRepo, cycleRepo = lr, cr
		gateRepo = gate.NewMemoryRepository()
		memRepo = memory.NewMemoryRepository()
		govRepo = governance.NewMemoryRepository()
		source = &memoryHistory{cycles: cr, ledger: lr}
		snapshots = reputation.NewMemorySnapshots()
		primary, auditLog = sink, sink
		logger.Warn("using in-memory backend; state is lost on exit")
	default:
		st, err := runtime.OpenStore(ctx, cfg)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		app.Store = st
		if cfg.Server.AutoMigrate {
			if err := Migrate(cfg.Server.MigrationsDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
				app.Close()
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		ledgerRepo, gateRepo, cycleRepo = st.Ledger(), st.Gates(), st.Cycles()
		memRepo, govRepo = st.Memories(), st.Governance()
		source, snapshots = st.Reputation(), st.Reputation()
		primary, auditLog = st.Events(), st.Events()
	}

	sinks := []audit.Sink{primary}
	if app.Publisher != nil {
		sinks = append(sinks, streams.NewAuditSink(app.Publisher, cfg.Server.AuditStream, 0))
	}
	rec := audit.NewRecorder(logger, sinks...)

	alerts := governance.NewAlerts(govRepo, rec, logger)
	ledger := budget.NewLedger(ledgerRepo, rec, logger)
	gates := gate.NewEngine(gateRepo, roster, rec, alerts, logger)
	cycles := cycle.NewService(cycleRepo, gates, ledger, rec, logger)
	mem := memory.NewService(memRepo, memory.Config{
		Limits: memory.Limits{
			MaxContentLength:    cfg.Memory.MaxContentLength,
			EmbeddingDimensions: cfg.Memory.EmbeddingDimensions,
		},
		DefaultTopK:   cfg.Memory.DefaultTopK,
		MaxTopK:       cfg.Memory.MaxTopK,
		CandidatePool: cfg.Memory.CandidatePool,
	}, rec, logger)
	gov := governance.NewService(govRepo, governance.Config{
		Threshold:   cfg.Governance.ApprovalThreshold,
		MinEvidence: cfg.Governance.MinTerminationEvidence,
		CloseRoles:  cfg.Governance.CloseRoles,
	}, rec, logger)
	scorer := reputation.NewScorer(source, snapshots, cfg.Ledger.PointsPerGate, logger)

	app.Services = Services{
		Ledger:     ledger,
		Gates:      gates,
		Cycles:     cycles,
		Memory:     mem,
		Governance: gov,
		Alerts:     alerts,
		Reputation: scorer,
		Audit:      auditLog,
	}

	sweepOpts := SweeperOptions{
		Cron:      cfg.Sweep.Cron,
		LockTTL:   cfg.Sweep.LockTTL,
		Publisher: app.Publisher,
		Stream:    cfg.Server.EventStream,
		Logger:    logger,
	}
	if rdb != nil {
		sweepOpts.Redis = rdb
	}
	sweeper, err := NewSweeper(gates, cycles, mem, sweepOpts)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Sweeper = sweeper
	return app, nil
}

// Ready reports whether the backing stores answer.
func (a *App) Ready(ctx context.Context) error {
	if a.Store != nil {
		if err := a.Store.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases the store and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
