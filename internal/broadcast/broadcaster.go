// Package broadcast fans one logical operator order out to every
// instance bound to a watchlist.
//
// Legs dispatch in parallel on the shared worker pool; a failed leg
// never cancels its siblings. Every leg is durable: a pending order row
// is written before dispatch and patched with the outcome, so partial
// fan-outs survive a crash and the reconciler picks them up.
package broadcast

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/internal/store"
	"control_plane/pkg/apperrors"
	"control_plane/pkg/concurrency"
)

// Broadcaster implements core.IOrderBroadcaster.
type Broadcaster struct {
	store    *store.Store
	factory  core.BrokerClientFactory
	quotes   core.IQuoteCache
	resolver core.IContractResolver
	alerts   core.IAlertSink
	pool     *concurrency.WorkerPool
	logger   core.ILogger
}

// NewBroadcaster wires the broadcaster. resolver may be nil when option
// trading is not configured.
func NewBroadcaster(
	st *store.Store,
	factory core.BrokerClientFactory,
	quotes core.IQuoteCache,
	resolver core.IContractResolver,
	alerts core.IAlertSink,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
) *Broadcaster {
	return &Broadcaster{
		store:    st,
		factory:  factory,
		quotes:   quotes,
		resolver: resolver,
		alerts:   alerts,
		pool:     pool,
		logger:   logger.WithField("component", "broadcast"),
	}
}

type leg struct {
	instance *models.Instance
	symbol   *models.WatchlistSymbol
	contract string
	quantity int64
}

// Broadcast validates the request, resolves targets and quantities, and
// dispatches every leg in parallel.
func (b *Broadcaster) Broadcast(ctx context.Context, req core.BroadcastRequest) (*core.BroadcastResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	wl, err := b.store.GetWatchlist(ctx, req.WatchlistID)
	if err != nil {
		return nil, err
	}
	if !wl.IsActive {
		return nil, apperrors.Validation("watchlist is not active")
	}

	// An empty selection is a no-op, not an error. Nothing is written.
	if len(req.SymbolIDs) == 0 {
		return &core.BroadcastResult{Legs: []core.LegResult{}, Errors: []string{}}, nil
	}

	symbols, err := b.targetSymbols(ctx, req)
	if err != nil {
		return nil, err
	}
	instances, err := b.targetInstances(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &core.BroadcastResult{Legs: []core.LegResult{}, Errors: []string{}}
	if len(instances) == 0 {
		result.Errors = append(result.Errors, "no eligible instances bound to watchlist")
		return result, nil
	}

	var legs []leg
	for _, sym := range symbols {
		contract, err := b.resolveContract(ctx, req, sym)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: contract resolution failed: %v", sym.Symbol, err))
			continue
		}
		var (
			ltp    decimal.Decimal
			hasLTP bool
		)
		if req.Action != models.ActionExit {
			ltp, hasLTP = b.contractLTP(ctx, sym, contract, instances)
		}
		for _, inst := range instances {
			qty := int64(0)
			if req.Action != models.ActionExit {
				qty, err = ResolveQuantity(sym, inst.CurrentBalance, ltp, hasLTP)
				if err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("%s on %s: %v", sym.Symbol, inst.Name, err))
					continue
				}
			}
			legs = append(legs, leg{instance: inst, symbol: sym, contract: contract, quantity: qty})
		}
	}

	var mu sync.Mutex
	group := b.pool.Group()
	for _, l := range legs {
		l := l
		group.Submit(func() {
			lr := b.dispatch(ctx, req, l)
			mu.Lock()
			result.Legs = append(result.Legs, lr)
			mu.Unlock()
		})
	}
	group.Wait()

	sort.Slice(result.Legs, func(i, j int) bool {
		if result.Legs[i].SymbolID != result.Legs[j].SymbolID {
			return result.Legs[i].SymbolID < result.Legs[j].SymbolID
		}
		return result.Legs[i].InstanceID < result.Legs[j].InstanceID
	})
	for _, lr := range result.Legs {
		if lr.Success {
			result.Summary.Successful++
			legsTotal.WithLabelValues(string(req.Action), "ok").Inc()
		} else {
			result.Summary.Failed++
			legsTotal.WithLabelValues(string(req.Action), "error").Inc()
		}
	}
	result.Summary.Total = len(result.Legs)
	broadcastsTotal.Inc()

	if result.Summary.Failed > 0 && result.Summary.Successful > 0 {
		b.alerts.Record(ctx, &models.SystemAlert{
			AlertType:   models.AlertPartialOrderFailure,
			Severity:    models.SeverityWarning,
			Title:       "Order broadcast partially failed",
			Message:     fmt.Sprintf("%d of %d legs failed", result.Summary.Failed, result.Summary.Total),
			WatchlistID: req.WatchlistID,
			Details: map[string]string{
				"action": string(req.Action),
			},
		})
	}

	b.logger.Info("Broadcast finished",
		"watchlist_id", req.WatchlistID,
		"action", req.Action,
		"successful", result.Summary.Successful,
		"failed", result.Summary.Failed)
	return result, nil
}

func validateRequest(req core.BroadcastRequest) error {
	var fields []apperrors.FieldError
	if req.WatchlistID <= 0 {
		fields = append(fields, apperrors.FieldError{
			Field: "watchlist_id", Message: "required", Type: "required"})
	}
	switch req.Action {
	case models.ActionBuy, models.ActionSell, models.ActionShort, models.ActionCover, models.ActionExit:
	default:
		fields = append(fields, apperrors.FieldError{
			Field: "action", Message: "must be BUY, SELL, SHORT, COVER or EXIT", Type: "enum"})
	}
	if req.OptionType != "" && req.OptionType != "CE" && req.OptionType != "PE" {
		fields = append(fields, apperrors.FieldError{
			Field: "option_type", Message: "must be CE or PE", Type: "enum"})
	}
	if len(fields) > 0 {
		return apperrors.Validation("invalid broadcast request", fields...)
	}
	return nil
}

func (b *Broadcaster) targetSymbols(ctx context.Context, req core.BroadcastRequest) ([]*models.WatchlistSymbol, error) {
	all, err := b.store.ListSymbols(ctx, req.WatchlistID)
	if err != nil {
		return nil, err
	}
	requested := make(map[int64]bool, len(req.SymbolIDs))
	for _, id := range req.SymbolIDs {
		requested[id] = true
	}

	var out []*models.WatchlistSymbol
	for _, sym := range all {
		if !requested[sym.ID] {
			continue
		}
		if !sym.IsEnabled {
			continue
		}
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, apperrors.Validation("no enabled symbols match the request")
	}
	return out, nil
}

func (b *Broadcaster) targetInstances(ctx context.Context, req core.BroadcastRequest) ([]*models.Instance, error) {
	bound, err := b.store.BoundInstances(ctx, req.WatchlistID)
	if err != nil {
		return nil, err
	}
	var out []*models.Instance
	for _, inst := range bound {
		if !inst.IsActive {
			continue
		}
		// EXIT must reach analyzer-mode instances too; entries must not.
		if req.Action != models.ActionExit && inst.IsAnalyzerMode {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (b *Broadcaster) resolveContract(ctx context.Context, req core.BroadcastRequest, sym *models.WatchlistSymbol) (string, error) {
	if req.OptionType == "" {
		return sym.Symbol, nil
	}
	if !sym.CanTradeOptions {
		return "", fmt.Errorf("symbol is not options enabled")
	}
	if b.resolver == nil {
		return "", fmt.Errorf("no contract resolver configured")
	}
	return b.resolver.Resolve(ctx, sym.Symbol, sym.Exchange,
		req.OptionType, sym.OptionsStrikeOffset, sym.OptionsExpiryMode)
}

// contractLTP returns the sizing price for the contract actually being
// traded. The poll loop keeps watchlist underlyings warm, but a freshly
// resolved option contract usually has no cached quote, so on a miss
// the premium is read through one of the target instances and cached
// for the remaining legs.
func (b *Broadcaster) contractLTP(ctx context.Context, sym *models.WatchlistSymbol, contract string, instances []*models.Instance) (decimal.Decimal, bool) {
	ltp, ok := b.quotes.LTP(sym.Exchange, contract)
	if ok || contract == sym.Symbol {
		return ltp, ok
	}
	for _, inst := range instances {
		client := b.factory(inst.HostURL, inst.APIKey)
		q, err := client.Quotes(ctx, sym.Exchange, contract)
		if err != nil {
			b.logger.Debug("Contract quote fetch failed",
				"exchange", sym.Exchange, "symbol", contract,
				"instance_id", inst.ID, "error", err)
			continue
		}
		b.quotes.Put(models.MarketDataRow{
			Exchange:    sym.Exchange,
			Symbol:      contract,
			LTP:         q.LTP,
			BidPrice:    q.Bid,
			AskPrice:    q.Ask,
			LastUpdated: time.Now(),
		})
		return q.LTP, true
	}
	return decimal.Decimal{}, false
}

func (b *Broadcaster) dispatch(ctx context.Context, req core.BroadcastRequest, l leg) core.LegResult {
	lr := core.LegResult{
		InstanceID:   l.instance.ID,
		InstanceName: l.instance.Name,
		SymbolID:     l.symbol.ID,
		Symbol:       l.contract,
		Quantity:     l.quantity,
	}
	client := b.factory(l.instance.HostURL, l.instance.APIKey)

	if req.Action == models.ActionExit {
		closeReq := &core.ClosePositionRequest{
			Exchange: l.symbol.Exchange,
			Symbol:   l.contract,
		}
		if tag := strings.TrimSpace(l.instance.StrategyTag); tag != "" {
			closeReq.Strategy = tag
		}
		if err := client.ClosePosition(ctx, closeReq); err != nil {
			lr.Error = err.Error()
			return lr
		}
		lr.Success = true
		return lr
	}

	orderType := l.symbol.OrderType
	if req.OrderType != "" {
		orderType = req.OrderType
	}
	productType := l.symbol.ProductType
	if req.ProductType != "" {
		productType = req.ProductType
	}

	row := &models.WatchlistOrder{
		WatchlistID: req.WatchlistID,
		InstanceID:  l.instance.ID,
		SymbolID:    l.symbol.ID,
		Action:      req.Action,
		Quantity:    l.quantity,
		OrderType:   orderType,
		ProductType: productType,
		Price:       req.Price,
		Status:      models.OrderPending,
	}
	rowID, err := b.store.CreateOrder(ctx, row)
	if err != nil {
		lr.Error = fmt.Sprintf("failed to persist order leg: %v", err)
		return lr
	}
	lr.OrderRowID = rowID

	placeReq := &core.PlaceOrderRequest{
		Exchange:     l.symbol.Exchange,
		Symbol:       l.contract,
		Action:       upstreamAction(req.Action),
		Quantity:     l.quantity,
		PositionSize: targetPositionSize(req.Action, l.quantity),
		Product:      productType,
		PriceType:    orderType,
		Price:        req.Price,
	}
	if tag := strings.TrimSpace(l.instance.StrategyTag); tag != "" {
		placeReq.Strategy = tag
	}

	orderID, err := client.PlaceSmartOrder(ctx, placeReq)
	if err != nil {
		lr.Error = err.Error()
		if uerr := b.store.MarkOrderRejected(ctx, rowID, err.Error()); uerr != nil {
			b.logger.Error("Failed to mark order rejected", "order_row_id", rowID, "error", uerr)
		}
		return lr
	}

	if err := b.store.MarkOrderDispatched(ctx, rowID, orderID); err != nil {
		b.logger.Error("Failed to mark order dispatched", "order_row_id", rowID, "error", err)
	}
	lr.BrokerOrderID = orderID
	lr.Success = true
	return lr
}

// upstreamAction maps the operator intent to the broker action verb.
func upstreamAction(action models.OrderAction) string {
	switch action {
	case models.ActionShort, models.ActionSell:
		return "SELL"
	default:
		return "BUY"
	}
}

// targetPositionSize is the desired net position after the smart order.
// Entries target the signed quantity; SELL and COVER flatten to zero.
func targetPositionSize(action models.OrderAction, qty int64) int64 {
	switch action {
	case models.ActionBuy:
		return qty
	case models.ActionShort:
		return -qty
	default:
		return 0
	}
}
