// Package scheduler owns the periodic loops of the control plane: the
// cron-driven health and P&L sweeps, the market data poll, and the
// fast reconcile tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"control_plane/internal/core"
	"control_plane/internal/orchestrator"
	"control_plane/internal/reconcile"
	"control_plane/internal/store"
)

// Config carries the loop cadences.
type Config struct {
	InstanceUpdateCron string
	HealthCheckCron    string
	ReconcileInterval  time.Duration
	MarketDataInterval time.Duration
	AlertRetention     time.Duration
}

// Scheduler implements core.IScheduler over robfig/cron and a plain
// ticker for the sub-minute reconcile loop.
type Scheduler struct {
	cfg          Config
	orchestrator *orchestrator.Orchestrator
	reconciler   *reconcile.Reconciler
	store        *store.Store
	logger       core.ILogger

	mu               sync.RWMutex
	running          bool
	instancePolling  bool
	marketDataPaused bool
	pausedWatchlists map[int64]bool

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the scheduler. Defaults mirror the configuration defaults.
func New(cfg Config, orch *orchestrator.Orchestrator, rec *reconcile.Reconciler, st *store.Store, logger core.ILogger) *Scheduler {
	if cfg.InstanceUpdateCron == "" {
		cfg.InstanceUpdateCron = "*/2 * * * *"
	}
	if cfg.HealthCheckCron == "" {
		cfg.HealthCheckCron = "*/5 * * * *"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Second
	}
	if cfg.MarketDataInterval <= 0 {
		cfg.MarketDataInterval = 5 * time.Second
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		cfg:              cfg,
		orchestrator:     orch,
		reconciler:       rec,
		store:            st,
		logger:           logger.WithField("component", "scheduler"),
		pausedWatchlists: make(map[int64]bool),
	}
}

// Start registers the cron entries and launches the tick loops. It
// returns immediately; loops run until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.HealthCheckCron, func() {
		if s.pollingEnabled() {
			s.orchestrator.HealthCheckAll(loopCtx)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid health check cron %q: %w", s.cfg.HealthCheckCron, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.InstanceUpdateCron, func() {
		if s.pollingEnabled() {
			s.orchestrator.RefreshAll(loopCtx)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid instance update cron %q: %w", s.cfg.InstanceUpdateCron, err)
	}
	// Cleanup runs regardless of the polling switches, it only touches
	// local rows.
	if _, err := s.cron.AddFunc("@daily", func() {
		s.ageOutAlerts(loopCtx)
	}); err != nil {
		cancel()
		return fmt.Errorf("register alert cleanup: %w", err)
	}
	s.cron.Start()

	s.wg.Add(2)
	go s.reconcileLoop(loopCtx)
	go s.marketDataLoop(loopCtx)

	s.running = true
	s.instancePolling = true
	s.logger.Info("Scheduler started",
		"health_cron", s.cfg.HealthCheckCron,
		"update_cron", s.cfg.InstanceUpdateCron,
		"reconcile_interval", s.cfg.ReconcileInterval)
	return nil
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.pollingEnabled() {
				s.reconciler.RunOnce(ctx)
			}
		}
	}
}

func (s *Scheduler) marketDataLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MarketDataInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			paused, excluded := s.marketDataState()
			if !paused {
				s.orchestrator.PollMarketData(ctx, excluded)
			}
		}
	}
}

func (s *Scheduler) ageOutAlerts(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.AlertRetention)
	n, err := s.store.AutoResolveStaleAlerts(ctx, cutoff)
	if err != nil {
		s.logger.Error("Alert cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Aged out stale alerts", "resolved", n, "retention", s.cfg.AlertRetention)
	}
}

func (s *Scheduler) pollingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && s.instancePolling
}

func (s *Scheduler) marketDataState() (paused bool, excluded map[int64]bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.marketDataPaused {
		return true, nil
	}
	excluded = make(map[int64]bool, len(s.pausedWatchlists))
	for id := range s.pausedWatchlists {
		excluded[id] = true
	}
	return false, excluded
}

// Stop cancels the loops and waits for in-flight passes to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		cronCtx := c.Stop()
		<-cronCtx.Done()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// PauseInstancePolling suspends the health, P&L and reconcile loops.
func (s *Scheduler) PauseInstancePolling() {
	s.mu.Lock()
	s.instancePolling = false
	s.mu.Unlock()
	s.logger.Info("Instance polling paused")
}

// ResumeInstancePolling resumes the suspended loops.
func (s *Scheduler) ResumeInstancePolling() {
	s.mu.Lock()
	s.instancePolling = true
	s.mu.Unlock()
	s.logger.Info("Instance polling resumed")
}

// PauseMarketData suspends quote polling. A zero watchlistID pauses the
// whole loop, otherwise only that watchlist's symbols are skipped.
func (s *Scheduler) PauseMarketData(watchlistID int64) {
	s.mu.Lock()
	if watchlistID == 0 {
		s.marketDataPaused = true
	} else {
		s.pausedWatchlists[watchlistID] = true
	}
	s.mu.Unlock()
	s.logger.Info("Market data polling paused", "watchlist_id", watchlistID)
}

// ResumeMarketData reverses PauseMarketData with the same scoping.
func (s *Scheduler) ResumeMarketData(watchlistID int64) {
	s.mu.Lock()
	if watchlistID == 0 {
		s.marketDataPaused = false
	} else {
		delete(s.pausedWatchlists, watchlistID)
	}
	s.mu.Unlock()
	s.logger.Info("Market data polling resumed", "watchlist_id", watchlistID)
}

// Status reports the polling control read model.
func (s *Scheduler) Status() core.SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.SchedulerStatus{
		Running:           s.running,
		InstancePolling:   s.running && s.instancePolling,
		MarketDataPolling: s.running && !s.marketDataPaused,
		LastHealthPass:    s.orchestrator.LastHealthPass(),
		LastPnLPass:       s.orchestrator.LastPnLPass(),
		LastReconcilePass: s.reconciler.LastPass(),
	}
}
