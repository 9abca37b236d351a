package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/core"
	"control_plane/internal/marketdata"
	"control_plane/internal/models"
	"control_plane/internal/store"
	"control_plane/pkg/logging"
)

type stubClient struct {
	mu     sync.Mutex
	book   []core.BrokerOrder
	closed []*core.ClosePositionRequest
}

func (s *stubClient) Ping(context.Context) error                 { return nil }
func (s *stubClient) Funds(context.Context) (*core.Funds, error) { return &core.Funds{}, nil }
func (s *stubClient) Orderbook(context.Context) ([]core.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book, nil
}
func (s *stubClient) Tradebook(context.Context) ([]core.BrokerTrade, error) { return nil, nil }
func (s *stubClient) Positionbook(context.Context) ([]core.BrokerPosition, error) {
	return nil, nil
}
func (s *stubClient) AnalyzerStatus(context.Context) (string, error) { return "live", nil }
func (s *stubClient) ToggleAnalyzer(context.Context, bool) error     { return nil }
func (s *stubClient) Quotes(context.Context, string, string) (*core.Quote, error) {
	return nil, nil
}
func (s *stubClient) PlaceSmartOrder(context.Context, *core.PlaceOrderRequest) (string, error) {
	return "", nil
}
func (s *stubClient) CancelOrder(context.Context, string) error     { return nil }
func (s *stubClient) CancelAllOrders(context.Context, string) error { return nil }
func (s *stubClient) ClosePosition(_ context.Context, req *core.ClosePositionRequest) error {
	s.mu.Lock()
	s.closed = append(s.closed, req)
	s.mu.Unlock()
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	alerts []*models.SystemAlert
}

func (c *captureSink) Record(_ context.Context, a *models.SystemAlert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureSink) byType(alertType string) []*models.SystemAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.SystemAlert
	for _, a := range c.alerts {
		if a.AlertType == alertType {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	r      *Reconciler
	store  *store.Store
	cache  *marketdata.Cache
	client *stubClient
	sink   *captureSink
	instID int64
	wlID   int64
	symID  int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.MigrateUp())
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	h := &harness{
		store:  st,
		cache:  marketdata.NewCache(),
		client: &stubClient{},
		sink:   &captureSink{},
	}
	h.instID, err = st.CreateInstance(ctx, &models.Instance{
		Name: "a", HostURL: "http://a:5000", APIKey: "k", IsActive: true,
	})
	require.NoError(t, err)
	h.wlID, err = st.CreateWatchlist(ctx, &models.Watchlist{Name: "w", IsActive: true})
	require.NoError(t, err)
	h.symID, err = st.AddSymbol(ctx, &models.WatchlistSymbol{
		WatchlistID: h.wlID, Exchange: "NSE", Symbol: "SBIN", LotSize: 1,
		QtyMode: models.QtyFixed, QtyValue: decimal.NewFromInt(50),
		ContractMultiplier: decimal.NewFromInt(1), Rounding: models.RoundFloorToLot,
		ProductType: "MIS", OrderType: "MARKET", IsEnabled: true,
		TargetType: models.ExitRulePercentage, TargetValue: decimal.NewFromInt(5),
		SLType: models.ExitRulePoints, SLValue: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	factory := func(hostURL, apiKey string) core.IBrokerClient { return h.client }
	h.r = NewReconciler(st, factory, h.cache, h.sink, logging.NewNop())
	return h
}

func (h *harness) seedOrder(t *testing.T, action models.OrderAction, brokerID string) int64 {
	t.Helper()
	id, err := h.store.CreateOrder(context.Background(), &models.WatchlistOrder{
		WatchlistID: h.wlID, InstanceID: h.instID, SymbolID: h.symID,
		Action: action, Quantity: 50,
		OrderType: "MARKET", ProductType: "MIS",
		Status: models.OrderPending, BrokerOrderID: brokerID,
	})
	require.NoError(t, err)
	return id
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, models.OrderPending, MapStatus("pending"))
	assert.Equal(t, models.OrderPending, MapStatus("trigger pending"))
	assert.Equal(t, models.OrderOpen, MapStatus("open"))
	assert.Equal(t, models.OrderComplete, MapStatus("COMPLETE"))
	assert.Equal(t, models.OrderRejected, MapStatus("rejected"))
	assert.Equal(t, models.OrderCancelled, MapStatus("cancelled"))
	assert.Equal(t, models.OrderStatus("modify pending"), MapStatus("Modify Pending"))
}

func TestReconcileAdvancesPendingToComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.seedOrder(t, models.ActionBuy, "X")

	h.client.book = []core.BrokerOrder{{
		OrderID: "X", Status: "complete",
		FilledShares: 50, AveragePrice: decimal.NewFromFloat(101.25),
	}}
	require.True(t, h.r.RunOnce(ctx))

	got, err := h.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderComplete, got.Status)
	assert.Equal(t, int64(50), got.FilledQuantity)
	assert.Equal(t, "101.25", got.AveragePrice.String())

	// The entry fill opens a position with levels from the actual fill.
	pos, err := h.store.FindOpenPosition(ctx, h.wlID, h.instID, h.symID)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Equal(t, "101.25", pos.EntryPrice.String())
	assert.Equal(t, "106.3125", pos.TargetPrice.String())
	assert.Equal(t, "98.25", pos.SLPrice.String())
	assert.Equal(t, got.PositionID, pos.ID)

	require.Len(t, h.sink.byType(models.AlertOrderCompleted), 1)
}

func TestReconcileIdempotentOnSameSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedOrder(t, models.ActionBuy, "X")
	h.client.book = []core.BrokerOrder{{
		OrderID: "X", Status: "complete",
		FilledShares: 50, AveragePrice: decimal.NewFromFloat(101.25),
	}}

	require.True(t, h.r.RunOnce(ctx))
	require.True(t, h.r.RunOnce(ctx))

	positions, err := h.store.ListPositions(ctx, h.wlID, 10)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Len(t, h.sink.byType(models.AlertOrderCompleted), 1)
}

func TestReconcileLeavesMissingOrdersUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.seedOrder(t, models.ActionBuy, "X")

	h.client.book = nil
	require.True(t, h.r.RunOnce(ctx))

	got, err := h.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
}

func TestReconcileExpiresUndispatchedLegs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	staleID := h.seedOrder(t, models.ActionBuy, "")
	dispatchedID := h.seedOrder(t, models.ActionBuy, "X")

	// Inside the grace window the leg is left for the dispatcher.
	require.True(t, h.r.RunOnce(ctx))
	got, err := h.store.GetOrder(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)

	h.r.undispatchedGrace = -time.Second
	require.True(t, h.r.RunOnce(ctx))

	got, err = h.store.GetOrder(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRejected, got.Status)
	assert.Contains(t, got.Message, "dispatch interrupted")

	// Legs that did reach the broker are never aged out.
	dispatched, err := h.store.GetOrder(ctx, dispatchedID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, dispatched.Status)
}

func TestReconcileRejectionFailsEntryPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orderID := h.seedOrder(t, models.ActionBuy, "X")

	posID, err := h.store.CreatePosition(ctx, &models.WatchlistPosition{
		WatchlistID: h.wlID, InstanceID: h.instID, SymbolID: h.symID,
		Direction: models.DirLong, Quantity: 50,
		Status: models.PositionPending,
	})
	require.NoError(t, err)
	require.NoError(t, h.store.LinkOrderPosition(ctx, orderID, posID))

	h.client.book = []core.BrokerOrder{{OrderID: "X", Status: "rejected"}}
	require.True(t, h.r.RunOnce(ctx))

	got, err := h.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderRejected, got.Status)

	pos, err := h.store.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionFailed, pos.Status)
	assert.Equal(t, models.ExitOrderRejected, pos.ExitReason)
	assert.True(t, pos.IsClosed)

	rejected := h.sink.byType(models.AlertOrderRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, models.SeverityError, rejected[0].Severity)
}

func TestReconcileExitFillClosesPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	posID, err := h.store.CreatePosition(ctx, &models.WatchlistPosition{
		WatchlistID: h.wlID, InstanceID: h.instID, SymbolID: h.symID,
		Direction: models.DirLong, Quantity: 50,
		EntryPrice: decimal.NewFromInt(100),
		Status:     models.PositionOpen,
	})
	require.NoError(t, err)
	orderID := h.seedOrder(t, models.ActionSell, "Y")
	require.NoError(t, h.store.LinkOrderPosition(ctx, orderID, posID))

	h.client.book = []core.BrokerOrder{{
		OrderID: "Y", Status: "complete",
		FilledShares: 50, AveragePrice: decimal.NewFromInt(105),
	}}
	require.True(t, h.r.RunOnce(ctx))

	pos, err := h.store.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.True(t, pos.IsClosed)
	assert.Equal(t, "250", pos.PnL.String())
	assert.Equal(t, models.ExitManual, pos.ExitReason)
	require.Len(t, h.sink.byType(models.AlertPositionClosed), 1)
}

func TestReconcileTriggerExitsViaClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	posID, err := h.store.CreatePosition(ctx, &models.WatchlistPosition{
		WatchlistID: h.wlID, InstanceID: h.instID, SymbolID: h.symID,
		Direction: models.DirLong, Quantity: 50,
		EntryPrice:  decimal.NewFromInt(100),
		TargetPrice: decimal.NewFromInt(105),
		Status:      models.PositionOpen,
	})
	require.NoError(t, err)

	h.cache.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN", LTP: decimal.NewFromInt(106),
	})
	require.True(t, h.r.RunOnce(ctx))

	require.Len(t, h.client.closed, 1)
	assert.Equal(t, "SBIN", h.client.closed[0].Symbol)

	pos, err := h.store.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.True(t, pos.IsClosed)
	assert.Equal(t, models.ExitTargetHit, pos.ExitReason)
	assert.Equal(t, "300", pos.PnL.String())
}

func TestReconcileTrailingActivationAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sym, err := h.store.GetSymbol(ctx, h.symID)
	require.NoError(t, err)
	sym.TargetType = models.ExitRuleNone
	sym.TargetValue = decimal.Zero
	sym.SLType = models.ExitRuleNone
	sym.SLValue = decimal.Zero
	sym.TSType = models.ExitRulePercentage
	sym.TSValue = decimal.NewFromInt(2)
	sym.TrailingActivationType = models.ActivateImmediate
	require.NoError(t, h.store.UpdateSymbol(ctx, sym))

	posID, err := h.store.CreatePosition(ctx, &models.WatchlistPosition{
		WatchlistID: h.wlID, InstanceID: h.instID, SymbolID: h.symID,
		Direction: models.DirLong, Quantity: 50,
		EntryPrice: decimal.NewFromInt(100),
		Status:     models.PositionOpen,
	})
	require.NoError(t, err)

	h.cache.Put(models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN", LTP: decimal.NewFromInt(101),
	})
	require.True(t, h.r.RunOnce(ctx))

	pos, err := h.store.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.True(t, pos.TrailingActivated)
	assert.Equal(t, "98.98", pos.TrailingStopPrice.String())
	require.Len(t, h.sink.byType(models.AlertTrailingActivated), 1)

	// Second tick at the same price arms nothing new.
	require.True(t, h.r.RunOnce(ctx))
	assert.Len(t, h.sink.byType(models.AlertTrailingActivated), 1)
}
