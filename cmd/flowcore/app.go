package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowcore/internal/actions"
	"github.com/rendis/flowcore/internal/dataengine"
	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/idempotency"
	"github.com/rendis/flowcore/internal/logic"
	"github.com/rendis/flowcore/internal/metadata"
	"github.com/rendis/flowcore/internal/orchestrator"
	"github.com/rendis/flowcore/internal/rules"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/telemetry"
	"github.com/rendis/flowcore/internal/transport"
	"github.com/rendis/flowcore/internal/txn"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/mcp"
)

// app is the wired component graph shared by every command.
type app struct {
	cfg    Config
	logger *slog.Logger

	kv        store.KeyValueStore
	catalog   *metadata.Catalog
	hub       *streaming.MemoryHub
	transport transport.MessageTransport
	queue     *transport.Queue
	replayer  *transport.Replayer
	bus       *eventbus.Bus
	idem      *idempotency.Store
	rules     *rules.Engine
	actions   *actions.Registry
	txm       *txn.Manager
	data      dataengine.Engine
	orch      *orchestrator.Orchestrator
	engine    *engine.Engine

	closers []func() error
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	tel := telemetry.Global()

	if a.kv, err = a.openStore(); err != nil {
		return nil, err
	}
	a.catalog = metadata.NewCatalog(metadata.NewKVRepository(a.kv))
	a.hub = streaming.NewMemoryHub()

	if a.transport, err = a.openTransport(); err != nil {
		return nil, err
	}
	queueOpts := []transport.QueueOption{
		transport.WithCodec(transport.CodecByName(cfg.Transport.Codec)),
		transport.WithQueueLogger(logger),
	}
	if cfg.Transport.RateLimit > 0 {
		queueOpts = append(queueOpts, transport.WithRateLimit(cfg.Transport.RateLimit, cfg.Transport.Burst))
	}
	a.queue = transport.NewQueue(a.transport, queueOpts...)
	a.replayer = transport.NewReplayer(a.queue, a.kv,
		transport.WithMaxReplays(cfg.DLQ.MaxReplays),
		transport.WithArchiveTTL(cfg.DLQ.ArchiveTTL),
		transport.WithReplayerLogger(logger))

	a.bus = eventbus.New(a.kv, a.transport,
		eventbus.WithConfig(eventbus.Config{
			MaxAttempts: cfg.EventBus.MaxAttempts,
			RetryBase:   cfg.EventBus.RetryBase,
			RetryMax:    cfg.EventBus.RetryMax,
			SeenTTL:     cfg.EventBus.SeenTTL,
			Topic:       cfg.EventBus.Topic,
		}),
		eventbus.WithHub(a.hub),
		eventbus.WithTelemetry(tel),
		eventbus.WithLogger(logger))
	a.closers = append(a.closers, a.bus.Close)

	a.idem = idempotency.New(a.kv, idempotency.WithLogger(logger))

	exprs, err := expressions.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("expressions: %w", err)
	}
	a.rules = rules.New(a.catalog, rules.WithExpressions(exprs), rules.WithLogger(logger))

	a.actions = actions.NewRegistry()
	if err = actions.RegisterBuiltins(a.actions, actions.BuiltinDeps{Expressions: exprs, Events: a.bus, Logger: logger}); err != nil {
		return nil, err
	}
	a.actions.SetFallback(actions.NewDispatchAction(a.queue, a.catalog))

	validator, err := validation.New(validation.WithActions(a.actions))
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}

	if a.data, err = a.openData(ctx); err != nil {
		return nil, err
	}

	scripts := logic.NewYaegiExecutor(logic.WithSource(a.catalog), logic.WithLogger(logger))
	a.orch = orchestrator.New(a.kv, a.data, scripts,
		orchestrator.WithIdempotency(a.idem, cfg.Idempotency.ReserveTTL, cfg.Idempotency.CompleteTTL),
		orchestrator.WithEvents(a.queue),
		orchestrator.WithHub(a.hub),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithPipelines(a.catalog),
		orchestrator.WithValidator(validator),
		orchestrator.WithLogger(logger))

	a.engine = engine.New(a.kv, a.catalog,
		engine.WithConfig(cfg.Engine.engineConfig(cfg.Idempotency)),
		engine.WithRules(a.rules),
		engine.WithConcepts(a.catalog),
		engine.WithDataEngine(a.data),
		engine.WithActions(a.actions),
		engine.WithIdempotency(a.idem),
		engine.WithValidator(validator),
		engine.WithEventBus(a.bus),
		engine.WithLifecycle(a.queue),
		engine.WithHub(a.hub),
		engine.WithTelemetry(tel),
		engine.WithLogger(logger))
	a.closers = append(a.closers, a.engine.Close)

	if err = a.seed(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() (store.KeyValueStore, error) {
	switch a.cfg.Store.Driver {
	case "libsql":
		s, err := store.NewLibSQLStore(a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(context.Background()); err != nil {
			_ = s.Close()
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case "redis":
		client, err := redisClient(a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return store.NewRedisStore(client, store.WithNamespace(a.cfg.Store.Namespace)), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func (a *app) openTransport() (transport.MessageTransport, error) {
	var t transport.MessageTransport
	switch a.cfg.Transport.Driver {
	case "redis":
		client, err := redisClient(a.cfg.Transport.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		t = transport.NewRedisTransport(client,
			transport.WithStreamMaxLen(a.cfg.Transport.StreamMaxLen),
			transport.WithRedisLogger(a.logger))
	default:
		t = transport.NewMemoryTransport(transport.WithMemoryLogger(a.logger))
	}
	a.closers = append(a.closers, t.Close)
	return t, nil
}

// openData builds the engine behind DB steps. SQL drivers get a transaction
// manager so transactional steps share one connection per (execution, step).
func (a *app) openData(ctx context.Context) (dataengine.Engine, error) {
	txOpts := []txn.Option{txn.WithIdleTimeout(a.cfg.Txn.IdleTimeout), txn.WithLogger(a.logger)}
	switch a.cfg.Data.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Data.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.txm = txn.NewManager(txn.NewPgxPool(pool), txOpts...)
		db := stdlib.OpenDBFromPool(pool)
		a.closers = append(a.closers, db.Close)
		return dataengine.NewSQLEngine(db,
			dataengine.WithPlaceholder(dataengine.DollarPlaceholder),
			dataengine.WithTransactions(a.txm)), nil
	case "libsql":
		db, err := sql.Open("libsql", a.cfg.Data.DSN)
		if err != nil {
			return nil, fmt.Errorf("open libsql: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.txm = txn.NewManager(txn.NewSQLPool(db), txOpts...)
		return dataengine.NewSQLEngine(db, dataengine.WithTransactions(a.txm)), nil
	default:
		return dataengine.NewMemoryEngine(), nil
	}
}

func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// seed loads the metadata directory and the built-in rule sets and
// workflows. Stored definitions win over built-ins.
func (a *app) seed(ctx context.Context) error {
	if dir := a.cfg.MetadataDir; dir != "" {
		n, err := metadata.LoadDir(ctx, a.catalog, dir)
		if err != nil {
			return fmt.Errorf("load metadata: %w", err)
		}
		a.logger.Info("metadata loaded", slog.String("dir", dir), slog.Int("definitions", n))
	}
	if err := a.rules.Seed(ctx); err != nil {
		return fmt.Errorf("seed rule sets: %w", err)
	}
	if err := a.engine.Seed(ctx); err != nil {
		return fmt.Errorf("seed workflows: %w", err)
	}
	return nil
}

// schedule registers the periodic maintenance jobs.
func (a *app) schedule(s *scheduler.Scheduler) error {
	type job struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}
	jobs := []job{
		{"engine.recover", a.cfg.Engine.RecoverySchedule, func(ctx context.Context) error {
			_, err := a.engine.Recover(ctx)
			return err
		}},
		{"idempotency.sweep", a.cfg.Idempotency.SweepSchedule, func(ctx context.Context) error {
			_, err := a.idem.Sweep(ctx)
			return err
		}},
		{"eventbus.sweep-seen", a.cfg.EventBus.SweepSchedule, func(context.Context) error {
			a.bus.SweepSeen()
			return nil
		}},
	}
	if a.txm != nil {
		jobs = append(jobs, job{"txn.cleanup", a.cfg.Txn.CleanupSchedule, func(ctx context.Context) error {
			a.txm.CleanupStale(ctx, a.cfg.Txn.MaxAge)
			return nil
		}})
	}
	if p, ok := a.kv.(store.Purger); ok {
		jobs = append(jobs, job{"store.purge", a.cfg.Store.PurgeSchedule, func(ctx context.Context) error {
			_, err := p.PurgeExpired(ctx)
			return err
		}})
	}
	for _, j := range jobs {
		if err := s.Register(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) mcpServer() *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Engine:    a.engine,
		Pipelines: a.orch,
		Catalog:   a.catalog,
		Rules:     a.rules,
		Hub:       a.hub,
		Logger:    a.logger,
	})
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
