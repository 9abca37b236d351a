// Package bootstrap wires the control plane: configuration, storage,
// services, scheduler and the REST surface, with graceful shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"control_plane/internal/alert"
	"control_plane/internal/api"
	"control_plane/internal/broadcast"
	"control_plane/internal/broker"
	"control_plane/internal/config"
	"control_plane/internal/core"
	"control_plane/internal/marketdata"
	"control_plane/internal/models"
	"control_plane/internal/orchestrator"
	"control_plane/internal/reconcile"
	"control_plane/internal/safeswitch"
	"control_plane/internal/scheduler"
	"control_plane/internal/store"
	"control_plane/pkg/concurrency"
	"control_plane/pkg/logging"
)

const shutdownBudget = 30 * time.Second

// App owns every long-lived component.
type App struct {
	cfg       *config.Config
	logger    *logging.ZapLogger
	store     *store.Store
	pool      *concurrency.WorkerPool
	sink      *alert.Sink
	scheduler *scheduler.Scheduler
	server    *api.Server
}

// New builds the full dependency graph. It opens the database and runs
// pending migrations but starts nothing.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.MigrateUp(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	factory := broker.Factory(broker.Options{
		Timeout:    cfg.UpstreamTimeout(),
		MaxRetries: cfg.UpstreamMaxRetries,
		RetryDelay: cfg.UpstreamRetryDelay(),
	}, logger)

	// Warm the quote cache from the last persisted rows so quantity
	// resolution works before the first poll completes.
	cache := marketdata.NewCache()
	if rows, err := st.ListMarketData(context.Background()); err == nil {
		cache.Warm(rows)
	}

	var notifiers []core.INotifier
	if tn := alert.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, logger); tn != nil {
		notifiers = append(notifiers, tn)
	}
	sink := alert.NewSink(st, logger, notifiers...)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "upstream",
		MaxWorkers: 16,
	}, logger)

	switcher := safeswitch.NewCoordinator(st, factory, sink, logger)
	broadcaster := broadcast.NewBroadcaster(st, factory, cache, nil, sink, pool, logger)
	reconciler := reconcile.NewReconciler(st, factory, cache, sink, logger)
	orch := orchestrator.NewOrchestrator(st, factory, cache, sink, switcher, pool, logger)

	sched := scheduler.New(scheduler.Config{
		InstanceUpdateCron: cfg.InstanceUpdateCron,
		HealthCheckCron:    cfg.HealthCheckCron,
		ReconcileInterval:  cfg.OrderPollInterval(),
		MarketDataInterval: cfg.OrderPollInterval(),
		AlertRetention:     cfg.AlertRetention(),
	}, orch, reconciler, st, logger)

	hub := api.NewHub(logger)
	sink.SetHook(func(a *models.SystemAlert) { hub.PublishAlert(a) })

	server := api.NewServer(cfg, st, factory, cache, broadcaster, orch, sched, switcher, hub, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		pool:      pool,
		sink:      sink,
		scheduler: sched,
		server:    server,
	}, nil
}

// Run starts the scheduler and the REST surface and blocks until a
// termination signal, then shuts down within the budget.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	a.logger.Info("Control plane started",
		"port", a.cfg.Port, "env", a.cfg.Env)
	return g.Wait()
}

func (a *App) shutdown() error {
	a.logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	// Stop accepting requests first, then the loops, then drain.
	err := a.server.Shutdown(ctx)
	if serr := a.scheduler.Stop(); serr != nil && err == nil {
		err = serr
	}
	a.pool.Stop()
	a.sink.Drain()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logger.Sync()
	return err
}
