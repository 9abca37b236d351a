// Package reconcile advances local order and position state from
// upstream orderbook snapshots and live quotes.
//
// One pass runs at a time; a tick that arrives while the previous pass
// is still running is skipped. An order missing from the orderbook is
// never transitioned without evidence.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/internal/store"
)

// Reconciler implements the periodic order and position pass.
type Reconciler struct {
	store   *store.Store
	factory core.BrokerClientFactory
	quotes  core.IQuoteCache
	alerts  core.IAlertSink
	logger  core.ILogger
	running atomic.Bool

	// How long a pending leg without a broker id may sit before it is
	// written off as lost to an interrupted dispatch.
	undispatchedGrace time.Duration

	lastPass atomic.Value // time.Time
}

// NewReconciler wires the reconciler.
func NewReconciler(st *store.Store, factory core.BrokerClientFactory, quotes core.IQuoteCache, alerts core.IAlertSink, logger core.ILogger) *Reconciler {
	return &Reconciler{
		store:             st,
		factory:           factory,
		quotes:            quotes,
		alerts:            alerts,
		logger:            logger.WithField("component", "reconcile"),
		undispatchedGrace: 2 * time.Minute,
	}
}

// LastPass reports when the last completed pass finished.
func (r *Reconciler) LastPass() time.Time {
	if v := r.lastPass.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// RunOnce executes a single pass. Returns false without working when a
// pass is already in flight.
func (r *Reconciler) RunOnce(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		return false
	}
	defer r.running.Store(false)

	passID := uuid.NewString()
	log := r.logger.WithField("pass_id", passID)

	r.expireUndispatched(ctx, log)
	r.reconcileOrders(ctx, log)
	r.reconcilePositions(ctx, log)

	r.lastPass.Store(time.Now())
	return true
}

// MapStatus normalizes an upstream order status to the local lifecycle.
func MapStatus(upstream string) models.OrderStatus {
	switch s := strings.ToLower(strings.TrimSpace(upstream)); s {
	case "pending", "trigger pending":
		return models.OrderPending
	case "open":
		return models.OrderOpen
	case "complete":
		return models.OrderComplete
	case "rejected":
		return models.OrderRejected
	case "cancelled":
		return models.OrderCancelled
	default:
		return models.OrderStatus(s)
	}
}

// expireUndispatched writes off pending legs that never got a broker
// id. The orderbook diff can never settle them; after the grace period
// the only explanation left is a dispatch that died between the row
// write and the placement call.
func (r *Reconciler) expireUndispatched(ctx context.Context, log core.ILogger) {
	cutoff := time.Now().Add(-r.undispatchedGrace)
	orders, err := r.store.ListUndispatchedOrders(ctx, cutoff)
	if err != nil {
		log.Error("Failed to list undispatched orders", "error", err)
		return
	}
	for _, order := range orders {
		if err := r.store.MarkOrderRejected(ctx, order.ID,
			"dispatch interrupted before a broker id was recorded"); err != nil {
			log.Error("Failed to expire undispatched order", "order_row_id", order.ID, "error", err)
			continue
		}
		log.Warn("Expired undispatched order leg",
			"order_row_id", order.ID, "instance_id", order.InstanceID)
	}
}

func (r *Reconciler) reconcileOrders(ctx context.Context, log core.ILogger) {
	instanceIDs, err := r.store.InstancesWithOpenOrders(ctx)
	if err != nil {
		log.Error("Failed to list instances with open orders", "error", err)
		return
	}

	for _, instanceID := range instanceIDs {
		if ctx.Err() != nil {
			return
		}
		inst, err := r.store.GetInstance(ctx, instanceID)
		if err != nil {
			log.Error("Failed to load instance", "instance_id", instanceID, "error", err)
			continue
		}
		client := r.factory(inst.HostURL, inst.APIKey)
		book, err := client.Orderbook(ctx)
		if err != nil {
			log.Warn("Orderbook fetch failed, deferring to next pass",
				"instance_id", instanceID, "error", err)
			continue
		}

		byID := make(map[string]core.BrokerOrder, len(book))
		for _, o := range book {
			byID[o.OrderID] = o
		}

		orders, err := r.store.ListOpenOrders(ctx, instanceID)
		if err != nil {
			log.Error("Failed to list open orders", "instance_id", instanceID, "error", err)
			continue
		}
		for _, order := range orders {
			upstream, found := byID[order.BrokerOrderID]
			if !found {
				continue
			}
			r.advanceOrder(ctx, log, order, upstream)
		}
	}
}

func (r *Reconciler) advanceOrder(ctx context.Context, log core.ILogger, order *models.WatchlistOrder, upstream core.BrokerOrder) {
	status := MapStatus(upstream.Status)
	if status == order.Status {
		return
	}

	switch status {
	case models.OrderComplete:
		r.completeOrder(ctx, log, order, upstream)
	case models.OrderRejected:
		r.rejectOrder(ctx, log, order)
	default:
		if err := r.store.UpdateOrderStatus(ctx, order.ID, status,
			upstream.FilledShares, upstream.AveragePrice, ""); err != nil {
			log.Error("Failed to update order status", "order_row_id", order.ID, "error", err)
		}
	}
}

func (r *Reconciler) completeOrder(ctx context.Context, log core.ILogger, order *models.WatchlistOrder, upstream core.BrokerOrder) {
	if err := r.store.UpdateOrderStatus(ctx, order.ID, models.OrderComplete,
		upstream.FilledShares, upstream.AveragePrice, ""); err != nil {
		log.Error("Failed to complete order", "order_row_id", order.ID, "error", err)
		return
	}

	if order.IsEntry() {
		r.openPositionFromFill(ctx, log, order, upstream)
	} else {
		r.closePositionFromFill(ctx, log, order, upstream)
	}

	r.alerts.Record(ctx, &models.SystemAlert{
		AlertType:   models.AlertOrderCompleted,
		Severity:    models.SeverityInfo,
		Title:       "Order completed",
		Message:     fmt.Sprintf("%s %d filled at %s", order.Action, upstream.FilledShares, upstream.AveragePrice),
		InstanceID:  order.InstanceID,
		WatchlistID: order.WatchlistID,
		Details:     map[string]string{"order_id": order.BrokerOrderID},
	})
}

func (r *Reconciler) openPositionFromFill(ctx context.Context, log core.ILogger, order *models.WatchlistOrder, upstream core.BrokerOrder) {
	sym, err := r.store.GetSymbol(ctx, order.SymbolID)
	if err != nil {
		log.Error("Failed to load symbol for fill", "symbol_id", order.SymbolID, "error", err)
		return
	}

	dir := models.DirLong
	if order.Action == models.ActionShort {
		dir = models.DirShort
	}
	entry := upstream.AveragePrice
	target, sl := ExitLevels(sym, dir, entry)

	var pos *models.WatchlistPosition
	if order.PositionID != 0 {
		pos, err = r.store.GetPosition(ctx, order.PositionID)
		if err != nil {
			log.Error("Failed to load position for fill", "position_id", order.PositionID, "error", err)
			return
		}
	} else {
		pos, err = r.store.FindOpenPosition(ctx, order.WatchlistID, order.InstanceID, order.SymbolID)
		if err != nil {
			log.Error("Failed to look up open position", "error", err)
			return
		}
	}

	if pos == nil {
		pos = &models.WatchlistPosition{
			WatchlistID: order.WatchlistID,
			InstanceID:  order.InstanceID,
			SymbolID:    order.SymbolID,
			Direction:   dir,
			Quantity:    upstream.FilledShares,
			EntryPrice:  entry,
			CurrentPrice: entry,
			TargetPrice: target,
			SLPrice:     sl,
			HighestPriceSeen: entry,
			LowestPriceSeen:  entry,
			Status:      models.PositionOpen,
			EnteredAt:   time.Now(),
		}
		id, err := r.store.CreatePosition(ctx, pos)
		if err != nil {
			log.Error("Failed to create position from fill", "error", err)
			return
		}
		pos.ID = id
	} else {
		pos.Direction = dir
		pos.Quantity = upstream.FilledShares
		pos.EntryPrice = entry
		pos.CurrentPrice = entry
		pos.TargetPrice = target
		pos.SLPrice = sl
		pos.HighestPriceSeen = entry
		pos.LowestPriceSeen = entry
		pos.Status = models.PositionOpen
		if pos.EnteredAt.IsZero() {
			pos.EnteredAt = time.Now()
		}
		if err := r.store.UpdatePosition(ctx, pos); err != nil {
			log.Error("Failed to open position from fill", "position_id", pos.ID, "error", err)
			return
		}
	}

	if err := r.store.LinkOrderPosition(ctx, order.ID, pos.ID); err != nil {
		log.Error("Failed to link order to position", "order_row_id", order.ID, "error", err)
	}
}

func (r *Reconciler) closePositionFromFill(ctx context.Context, log core.ILogger, order *models.WatchlistOrder, upstream core.BrokerOrder) {
	var (
		pos *models.WatchlistPosition
		err error
	)
	if order.PositionID != 0 {
		pos, err = r.store.GetPosition(ctx, order.PositionID)
	} else {
		pos, err = r.store.FindOpenPosition(ctx, order.WatchlistID, order.InstanceID, order.SymbolID)
	}
	if err != nil || pos == nil || pos.IsClosed {
		return
	}

	exit := upstream.AveragePrice
	pnl := positionPnL(pos.Direction, pos.EntryPrice, exit, pos.Quantity)
	if err := r.store.MarkPositionClosed(ctx, pos.ID, exit, pnl, models.ExitManual); err != nil {
		log.Error("Failed to close position from fill", "position_id", pos.ID, "error", err)
		return
	}

	r.alerts.Record(ctx, &models.SystemAlert{
		AlertType:   models.AlertPositionClosed,
		Severity:    models.SeverityInfo,
		Title:       "Position closed",
		Message:     fmt.Sprintf("closed at %s, pnl %s", exit, pnl),
		InstanceID:  pos.InstanceID,
		WatchlistID: pos.WatchlistID,
	})
}

func (r *Reconciler) rejectOrder(ctx context.Context, log core.ILogger, order *models.WatchlistOrder) {
	if err := r.store.UpdateOrderStatus(ctx, order.ID, models.OrderRejected,
		order.FilledQuantity, order.AveragePrice, "rejected by upstream"); err != nil {
		log.Error("Failed to mark order rejected", "order_row_id", order.ID, "error", err)
		return
	}

	if order.IsEntry() && order.PositionID != 0 {
		pos, err := r.store.GetPosition(ctx, order.PositionID)
		if err == nil && !pos.IsClosed {
			pos.Status = models.PositionFailed
			pos.IsClosed = true
			pos.ExitReason = models.ExitOrderRejected
			pos.ExitedAt = time.Now()
			if err := r.store.UpdatePosition(ctx, pos); err != nil {
				log.Error("Failed to fail position", "position_id", pos.ID, "error", err)
			}
		}
	}

	r.alerts.Record(ctx, &models.SystemAlert{
		AlertType:   models.AlertOrderRejected,
		Severity:    models.SeverityError,
		Title:       "Order rejected",
		Message:     fmt.Sprintf("%s %s leg rejected by upstream", order.Action, order.BrokerOrderID),
		InstanceID:  order.InstanceID,
		WatchlistID: order.WatchlistID,
	})
}

func (r *Reconciler) reconcilePositions(ctx context.Context, log core.ILogger) {
	positions, err := r.store.ListOpenPositions(ctx, 0)
	if err != nil {
		log.Error("Failed to list open positions", "error", err)
		return
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		if pos.Status != models.PositionOpen {
			continue
		}
		sym, err := r.store.GetSymbol(ctx, pos.SymbolID)
		if err != nil {
			continue
		}
		ltp, ok := r.quotes.LTP(sym.Exchange, sym.Symbol)
		if !ok || ltp.IsZero() {
			continue
		}
		pos.CurrentPrice = ltp

		// Triggers are checked before the trailing stop tightens so a
		// breach on this very tick still exits at the prior stop.
		if reason, hit := CheckExitTrigger(pos, ltp); hit {
			r.exitPosition(ctx, log, pos, sym, ltp, reason)
			continue
		}

		activatedNow, _ := UpdateTrailing(pos, sym, ltp)
		if activatedNow {
			r.alerts.Record(ctx, &models.SystemAlert{
				AlertType:   models.AlertTrailingActivated,
				Severity:    models.SeverityInfo,
				Title:       "Trailing stop activated",
				Message:     fmt.Sprintf("%s trailing stop armed at %s", sym.Symbol, pos.TrailingStopPrice),
				InstanceID:  pos.InstanceID,
				WatchlistID: pos.WatchlistID,
			})
		}
		if err := r.store.UpdatePosition(ctx, pos); err != nil {
			log.Error("Failed to persist position tick", "position_id", pos.ID, "error", err)
		}
	}
}

func (r *Reconciler) exitPosition(ctx context.Context, log core.ILogger, pos *models.WatchlistPosition, sym *models.WatchlistSymbol, ltp decimal.Decimal, reason models.ExitReason) {
	inst, err := r.store.GetInstance(ctx, pos.InstanceID)
	if err != nil {
		log.Error("Failed to load instance for exit", "instance_id", pos.InstanceID, "error", err)
		return
	}
	client := r.factory(inst.HostURL, inst.APIKey)

	closeReq := &core.ClosePositionRequest{Exchange: sym.Exchange, Symbol: sym.Symbol}
	if tag := strings.TrimSpace(inst.StrategyTag); tag != "" {
		closeReq.Strategy = tag
	}
	if err := client.ClosePosition(ctx, closeReq); err != nil {
		log.Error("Failed to issue exit close",
			"position_id", pos.ID, "reason", reason, "error", err)
		return
	}

	pnl := positionPnL(pos.Direction, pos.EntryPrice, ltp, pos.Quantity)
	if err := r.store.MarkPositionClosed(ctx, pos.ID, ltp, pnl, reason); err != nil {
		log.Error("Failed to persist position exit", "position_id", pos.ID, "error", err)
		return
	}

	r.alerts.Record(ctx, &models.SystemAlert{
		AlertType:   models.AlertPositionClosed,
		Severity:    models.SeverityInfo,
		Title:       "Position closed",
		Message:     fmt.Sprintf("%s exited at %s (%s), pnl %s", sym.Symbol, ltp, reason, pnl),
		InstanceID:  pos.InstanceID,
		WatchlistID: pos.WatchlistID,
	})
}

func positionPnL(dir models.Direction, entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	if dir == models.DirLong {
		return exit.Sub(entry).Mul(q)
	}
	return entry.Sub(exit).Mul(q)
}
