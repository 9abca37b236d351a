// Package orchestrator runs the per-instance supervision loops: health
// probes, balance and P&L refresh with threshold evaluation, and the
// market data poll.
//
// Loops for the same instance are serialized behind a per-instance
// lock; distinct instances run concurrently on the shared worker pool.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/internal/pnl"
	"control_plane/internal/store"
	"control_plane/pkg/concurrency"
)

var (
	defaultTargetProfit = decimal.NewFromInt(5000)
	defaultTargetLoss   = decimal.NewFromInt(2000)
)

// Safe-switch trigger reasons.
const (
	ReasonTargetProfit = "TARGET_PROFIT"
	ReasonMaxLoss      = "MAX_LOSS"
)

// Orchestrator supervises every registered instance.
type Orchestrator struct {
	store    *store.Store
	factory  core.BrokerClientFactory
	quotes   core.IQuoteCache
	alerts   core.IAlertSink
	switcher core.ISafeSwitcher
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	statusMu       sync.RWMutex
	lastHealthPass time.Time
	lastPnLPass    time.Time
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(
	st *store.Store,
	factory core.BrokerClientFactory,
	quotes core.IQuoteCache,
	alerts core.IAlertSink,
	switcher core.ISafeSwitcher,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
) *Orchestrator {
	return &Orchestrator{
		store:    st,
		factory:  factory,
		quotes:   quotes,
		alerts:   alerts,
		switcher: switcher,
		pool:     pool,
		logger:   logger.WithField("component", "orchestrator"),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// instanceLock serializes loops for one instance against each other.
func (o *Orchestrator) instanceLock(id int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// LastHealthPass reports when the last health sweep finished.
func (o *Orchestrator) LastHealthPass() time.Time {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.lastHealthPass
}

// LastPnLPass reports when the last P&L sweep finished.
func (o *Orchestrator) LastPnLPass() time.Time {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.lastPnLPass
}

// HealthCheckAll probes every registered instance in parallel and
// blocks until the sweep completes. Deactivated instances are probed
// too, so one that went offline comes back under supervision as soon
// as it recovers.
func (o *Orchestrator) HealthCheckAll(ctx context.Context) {
	instances, err := o.store.ListInstances(ctx)
	if err != nil {
		o.logger.Error("Failed to list instances for health sweep", "error", err)
		return
	}
	group := o.pool.Group()
	for _, inst := range instances {
		inst := inst
		group.Submit(func() {
			lock := o.instanceLock(inst.ID)
			lock.Lock()
			defer lock.Unlock()
			o.healthCheck(ctx, inst)
		})
	}
	group.Wait()

	sweepsTotal.WithLabelValues("health").Inc()
	o.statusMu.Lock()
	o.lastHealthPass = time.Now()
	o.statusMu.Unlock()
}

// RefreshAll refreshes balance and P&L for every active instance in
// parallel and blocks until the sweep completes.
func (o *Orchestrator) RefreshAll(ctx context.Context) {
	instances, err := o.store.ListActiveInstances(ctx)
	if err != nil {
		o.logger.Error("Failed to list instances for refresh sweep", "error", err)
		return
	}
	group := o.pool.Group()
	for _, inst := range instances {
		inst := inst
		group.Submit(func() {
			lock := o.instanceLock(inst.ID)
			lock.Lock()
			defer lock.Unlock()
			o.refresh(ctx, inst)
		})
	}
	group.Wait()

	sweepsTotal.WithLabelValues("pnl").Inc()
	o.statusMu.Lock()
	o.lastPnLPass = time.Now()
	o.statusMu.Unlock()
}

// RefreshInstance runs an on-demand refresh for one instance.
func (o *Orchestrator) RefreshInstance(ctx context.Context, id int64) error {
	inst, err := o.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	lock := o.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()
	o.healthCheck(ctx, inst)
	o.refresh(ctx, inst)
	return nil
}

func (o *Orchestrator) healthCheck(ctx context.Context, inst *models.Instance) {
	log := o.logger.WithField("instance_id", inst.ID)
	client := o.factory(inst.HostURL, inst.APIKey)

	if err := client.Ping(ctx); err != nil {
		o.markOffline(ctx, inst, err)
		return
	}

	analyzer := inst.IsAnalyzerMode
	if mode, err := client.AnalyzerStatus(ctx); err == nil {
		analyzer = mode == "analyze"
	}
	if err := o.store.UpdateInstanceHealth(ctx, inst.ID, models.HealthHealthy, analyzer); err != nil {
		log.Error("Failed to persist health", "error", err)
		return
	}

	// A failed probe benched the instance; a passing one puts it back.
	// Operator deactivation (active=false while still healthy) sticks.
	if !inst.IsActive && inst.HealthStatus == models.HealthUnhealthy {
		if err := o.store.SetInstanceActive(ctx, inst.ID, true); err != nil {
			log.Error("Failed to reactivate instance", "error", err)
		}
	}

	// The offline condition self-heals, close any standing alert.
	if n, err := o.store.ResolveAlertsOfType(ctx, models.AlertInstanceOffline, inst.ID, "system"); err == nil && n > 0 {
		log.Info("Instance back online", "resolved_alerts", n)
	}
}

func (o *Orchestrator) markOffline(ctx context.Context, inst *models.Instance, cause error) {
	log := o.logger.WithField("instance_id", inst.ID)
	log.Warn("Health probe failed", "error", cause)
	probeFailures.Inc()

	if err := o.store.UpdateInstanceHealth(ctx, inst.ID, models.HealthUnhealthy, inst.IsAnalyzerMode); err != nil {
		log.Error("Failed to persist health", "error", err)
	}
	if err := o.store.SetInstanceActive(ctx, inst.ID, false); err != nil {
		log.Error("Failed to deactivate instance", "error", err)
	}

	has, err := o.store.HasUnresolvedAlert(ctx, models.AlertInstanceOffline, inst.ID)
	if err != nil || has {
		return
	}
	o.alerts.Record(ctx, &models.SystemAlert{
		AlertType:  models.AlertInstanceOffline,
		Severity:   models.SeverityCritical,
		Title:      "Instance offline",
		Message:    cause.Error(),
		InstanceID: inst.ID,
		Details:    map[string]string{"host_url": inst.HostURL},
	})
}

func (o *Orchestrator) refresh(ctx context.Context, inst *models.Instance) {
	log := o.logger.WithField("instance_id", inst.ID)
	client := o.factory(inst.HostURL, inst.APIKey)

	funds, err := client.Funds(ctx)
	if err != nil {
		log.Warn("Funds fetch failed, suppressing threshold evaluation", "error", err)
		if uerr := o.store.UpdateInstanceHealth(ctx, inst.ID, models.HealthUnhealthy, inst.IsAnalyzerMode); uerr != nil {
			log.Error("Failed to persist health", "error", uerr)
		}
		return
	}

	// Unrealized comes from the positionbook alone. Without it there is
	// no trustworthy total, so the instance degrades like a funds failure.
	positions, perr := client.Positionbook(ctx)
	if perr != nil {
		log.Warn("Positionbook fetch failed, suppressing threshold evaluation", "error", perr)
		if uerr := o.store.UpdateInstanceHealth(ctx, inst.ID, models.HealthUnhealthy, inst.IsAnalyzerMode); uerr != nil {
			log.Error("Failed to persist health", "error", uerr)
		}
		return
	}

	trades, terr := client.Tradebook(ctx)
	degraded := terr != nil
	if degraded {
		// Realized is unknowable without the tradebook. Report zero
		// rather than substituting the broker's mark-to-market guess.
		log.Warn("Tradebook fetch failed, realized reported as zero", "error", terr)
		trades = nil
	}
	totals := pnl.AccountTotals(trades, positions)

	if err := o.store.UpdateInstanceFinancials(ctx, inst.ID,
		funds.AvailableCash, totals.Realized, totals.Unrealized, totals.Total); err != nil {
		log.Error("Failed to persist financials", "error", err)
		return
	}

	// Threshold evaluation only ever sees a complete snapshot.
	if degraded {
		return
	}
	o.evaluateThresholds(ctx, inst, totals.Total)
}

// evaluateThresholds trips the safe switch when the live total crosses
// the configured bands. Gated on a successful funds call by the caller.
func (o *Orchestrator) evaluateThresholds(ctx context.Context, inst *models.Instance, total decimal.Decimal) {
	if inst.IsAnalyzerMode {
		return
	}

	tp := inst.TargetProfit
	if tp.IsZero() {
		tp = defaultTargetProfit
	}
	tl := inst.TargetLoss.Abs()
	if tl.IsZero() {
		tl = defaultTargetLoss
	}

	switch {
	case total.GreaterThanOrEqual(tp):
		o.logger.Info("Target profit reached, switching to analyzer",
			"instance_id", inst.ID, "total_pnl", total.String())
		thresholdTrips.WithLabelValues(ReasonTargetProfit).Inc()
		o.switcher.Switch(ctx, inst.ID, ReasonTargetProfit)
	case total.LessThanOrEqual(tl.Neg()):
		o.logger.Info("Max loss breached, switching to analyzer",
			"instance_id", inst.ID, "total_pnl", total.String())
		thresholdTrips.WithLabelValues(ReasonMaxLoss).Inc()
		o.switcher.Switch(ctx, inst.ID, ReasonMaxLoss)
	}
}

// PollMarketData reads quotes for every enabled symbol through the
// market data instance and feeds the cache and the persisted rows.
// Symbols belonging to a watchlist in excluded are skipped.
func (o *Orchestrator) PollMarketData(ctx context.Context, excluded map[int64]bool) {
	feeder := o.marketDataInstance(ctx)
	if feeder == nil {
		return
	}
	symbols, err := o.store.ListAllSymbols(ctx)
	if err != nil {
		o.logger.Error("Failed to list symbols for quote poll", "error", err)
		return
	}
	if len(symbols) == 0 {
		return
	}

	client := o.factory(feeder.HostURL, feeder.APIKey)
	group := o.pool.Group()
	for _, sym := range symbols {
		if excluded[sym.WatchlistID] {
			continue
		}
		sym := sym
		group.Submit(func() {
			q, err := client.Quotes(ctx, sym.Exchange, sym.Symbol)
			if err != nil {
				quotesPolled.WithLabelValues("error").Inc()
				o.logger.Debug("Quote fetch failed",
					"exchange", sym.Exchange, "symbol", sym.Symbol, "error", err)
				return
			}
			quotesPolled.WithLabelValues("ok").Inc()
			row := models.MarketDataRow{
				Exchange:    sym.Exchange,
				Symbol:      sym.Symbol,
				Token:       sym.Token,
				LTP:         q.LTP,
				Open:        q.Open,
				High:        q.High,
				Low:         q.Low,
				Close:       q.Close,
				Volume:      q.Volume,
				BidPrice:    q.Bid,
				AskPrice:    q.Ask,
				LastUpdated: time.Now(),
				DataSource:  feeder.Name,
			}
			o.quotes.Put(row)
			if err := o.store.UpsertMarketData(ctx, &row); err != nil {
				o.logger.Debug("Quote persist failed",
					"exchange", sym.Exchange, "symbol", sym.Symbol, "error", err)
			}
		})
	}
	group.Wait()
}

// marketDataInstance picks the primary feeder, falling back to a
// secondary when the primary is inactive.
func (o *Orchestrator) marketDataInstance(ctx context.Context) *models.Instance {
	instances, err := o.store.ListActiveInstances(ctx)
	if err != nil {
		o.logger.Error("Failed to list instances for quote poll", "error", err)
		return nil
	}
	var secondary *models.Instance
	for _, inst := range instances {
		switch inst.MarketDataRole {
		case models.MarketDataPrimary:
			return inst
		case models.MarketDataSecondary:
			if secondary == nil {
				secondary = inst
			}
		}
	}
	return secondary
}
