package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
	"control_plane/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.MigrateUp())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedInstance(t *testing.T, s *Store, name, hostURL string) int64 {
	t.Helper()
	id, err := s.CreateInstance(context.Background(), &models.Instance{
		Name:         name,
		HostURL:      hostURL,
		APIKey:       "secret-key",
		TargetProfit: decimal.NewFromInt(5000),
		TargetLoss:   decimal.NewFromInt(2000),
		IsActive:     true,
	})
	require.NoError(t, err)
	return id
}

func TestMigrationsUpDownStatus(t *testing.T) {
	s, err := Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.MigrateUp())

	statuses, err := s.MigrationStatuses()
	require.NoError(t, err)
	require.Len(t, statuses, len(migrations))
	for _, st := range statuses {
		assert.True(t, st.Applied, "migration %d should be applied", st.Version)
	}

	// Up again is a no-op.
	require.NoError(t, s.MigrateUp())

	// Down rolls back only the last migration.
	require.NoError(t, s.MigrateDown())
	statuses, err = s.MigrationStatuses()
	require.NoError(t, err)
	assert.False(t, statuses[len(statuses)-1].Applied)
	assert.True(t, statuses[0].Applied)
}

func TestInstanceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := seedInstance(t, s, "primary", "http://localhost:5000")

	inst, err := s.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "primary", inst.Name)
	assert.Equal(t, "secret-key", inst.APIKey)
	assert.Equal(t, models.HealthUnknown, inst.HealthStatus)
	assert.True(t, inst.TargetProfit.Equal(decimal.NewFromInt(5000)))

	// Duplicate host URL maps to CONFLICT.
	_, err = s.CreateInstance(ctx, &models.Instance{
		Name: "dup", HostURL: "http://localhost:5000", APIKey: "k",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))

	// Update with empty APIKey keeps the stored credential.
	inst.Name = "renamed"
	inst.APIKey = ""
	require.NoError(t, s.UpdateInstance(ctx, inst))
	got, err := s.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "secret-key", got.APIKey)

	require.NoError(t, s.UpdateInstanceHealth(ctx, id, models.HealthHealthy, true))
	got, err = s.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.HealthHealthy, got.HealthStatus)
	assert.True(t, got.IsAnalyzerMode)
	assert.False(t, got.LastHealthCheck.IsZero())

	require.NoError(t, s.UpdateInstanceFinancials(ctx, id,
		decimal.NewFromInt(100000),
		decimal.NewFromFloat(225.5),
		decimal.NewFromFloat(-20.25),
		decimal.NewFromFloat(205.25)))
	got, err = s.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "205.25", got.TotalPnL.String())

	require.NoError(t, s.DeleteInstance(ctx, id))
	_, err = s.GetInstance(ctx, id)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestWatchlistSymbolsAndBindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	instA := seedInstance(t, s, "a", "http://a:5000")
	instB := seedInstance(t, s, "b", "http://b:5000")

	wlID, err := s.CreateWatchlist(ctx, &models.Watchlist{Name: "nifty", IsActive: true})
	require.NoError(t, err)

	symID, err := s.AddSymbol(ctx, &models.WatchlistSymbol{
		WatchlistID:        wlID,
		Exchange:           "NFO",
		Symbol:             "NIFTY25SEPFUT",
		LotSize:            75,
		QtyMode:            models.QtyFixed,
		QtyValue:           decimal.NewFromInt(2),
		QtyUnits:           models.UnitsLots,
		ContractMultiplier: decimal.NewFromInt(1),
		Rounding:           models.RoundFloorToLot,
		ProductType:        "MIS",
		OrderType:          "MARKET",
		IsEnabled:          true,
	})
	require.NoError(t, err)

	sym, err := s.GetSymbol(ctx, symID)
	require.NoError(t, err)
	assert.True(t, sym.IsDerivative())
	assert.Equal(t, models.QtyFixed, sym.QtyMode)

	require.NoError(t, s.BindInstances(ctx, wlID, []int64{instA, instB}))
	bound, err := s.BoundInstances(ctx, wlID)
	require.NoError(t, err)
	require.Len(t, bound, 2)

	// Rebinding replaces the set.
	require.NoError(t, s.BindInstances(ctx, wlID, []int64{instB}))
	bound, err = s.BoundInstances(ctx, wlID)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, instB, bound[0].ID)

	// Deleting the watchlist cascades symbols and bindings.
	require.NoError(t, s.DeleteWatchlist(ctx, wlID))
	_, err = s.GetSymbol(ctx, symID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestCloneWatchlist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := seedInstance(t, s, "a", "http://a:5000")
	wlID, err := s.CreateWatchlist(ctx, &models.Watchlist{Name: "orig", Description: "d", IsActive: true})
	require.NoError(t, err)
	_, err = s.AddSymbol(ctx, &models.WatchlistSymbol{
		WatchlistID: wlID, Exchange: "NSE", Symbol: "SBIN", LotSize: 1,
		QtyMode: models.QtyFixed, QtyValue: decimal.NewFromInt(10),
		ContractMultiplier: decimal.NewFromInt(1), Rounding: models.RoundFloorToLot,
		ProductType: "MIS", OrderType: "MARKET", IsEnabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.BindInstances(ctx, wlID, []int64{inst}))

	cloneID, err := s.CloneWatchlist(ctx, wlID, "copy")
	require.NoError(t, err)
	require.NotEqual(t, wlID, cloneID)

	clone, err := s.GetWatchlist(ctx, cloneID)
	require.NoError(t, err)
	assert.Equal(t, "copy", clone.Name)
	assert.Equal(t, "d", clone.Description)

	symbols, err := s.ListSymbols(ctx, cloneID)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, "SBIN", symbols[0].Symbol)

	// Bindings stay with the source, the clone starts unbound.
	bound, err := s.BoundInstances(ctx, cloneID)
	require.NoError(t, err)
	assert.Empty(t, bound)

	_, err = s.CloneWatchlist(ctx, 999, "nope")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := seedInstance(t, s, "a", "http://a:5000")
	wlID, err := s.CreateWatchlist(ctx, &models.Watchlist{Name: "w", IsActive: true})
	require.NoError(t, err)
	symID, err := s.AddSymbol(ctx, &models.WatchlistSymbol{
		WatchlistID: wlID, Exchange: "NSE", Symbol: "SBIN", LotSize: 1,
		QtyMode: models.QtyFixed, QtyValue: decimal.NewFromInt(10),
		ContractMultiplier: decimal.NewFromInt(1), Rounding: models.RoundFloorToLot,
		ProductType: "MIS", OrderType: "MARKET", IsEnabled: true,
	})
	require.NoError(t, err)

	orderID, err := s.CreateOrder(ctx, &models.WatchlistOrder{
		WatchlistID: wlID, InstanceID: inst, SymbolID: symID,
		Action: models.ActionBuy, Quantity: 10,
		OrderType: "MARKET", ProductType: "MIS",
		Status: models.OrderPending, BrokerOrderID: "240812000001",
	})
	require.NoError(t, err)

	open, err := s.ListOpenOrders(ctx, inst)
	require.NoError(t, err)
	require.Len(t, open, 1)

	ids, err := s.InstancesWithOpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{inst}, ids)

	require.NoError(t, s.UpdateOrderStatus(ctx, orderID, models.OrderComplete,
		10, decimal.NewFromFloat(812.4), ""))

	open, err = s.ListOpenOrders(ctx, inst)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderComplete, got.Status)
	assert.Equal(t, int64(10), got.FilledQuantity)
	assert.Equal(t, "812.4", got.AveragePrice.String())
	assert.True(t, got.Status.Terminal())
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := seedInstance(t, s, "a", "http://a:5000")
	wlID, err := s.CreateWatchlist(ctx, &models.Watchlist{Name: "w", IsActive: true})
	require.NoError(t, err)
	symID, err := s.AddSymbol(ctx, &models.WatchlistSymbol{
		WatchlistID: wlID, Exchange: "NSE", Symbol: "SBIN", LotSize: 1,
		QtyMode: models.QtyFixed, QtyValue: decimal.NewFromInt(10),
		ContractMultiplier: decimal.NewFromInt(1), Rounding: models.RoundFloorToLot,
		ProductType: "MIS", OrderType: "MARKET", IsEnabled: true,
	})
	require.NoError(t, err)

	posID, err := s.CreatePosition(ctx, &models.WatchlistPosition{
		WatchlistID: wlID, InstanceID: inst, SymbolID: symID,
		Direction: models.DirLong, Quantity: 10,
		EntryPrice: decimal.NewFromInt(100),
		Status:     models.PositionOpen,
	})
	require.NoError(t, err)

	found, err := s.FindOpenPosition(ctx, wlID, inst, symID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, posID, found.ID)

	require.NoError(t, s.MarkPositionClosed(ctx, posID,
		decimal.NewFromInt(105), decimal.NewFromInt(50), models.ExitTargetHit))

	found, err = s.FindOpenPosition(ctx, wlID, inst, symID)
	require.NoError(t, err)
	assert.Nil(t, found)

	got, err := s.GetPosition(ctx, posID)
	require.NoError(t, err)
	assert.True(t, got.IsClosed)
	assert.Equal(t, models.ExitTargetHit, got.ExitReason)
	assert.Equal(t, "50", got.PnL.String())
	assert.False(t, got.ExitedAt.IsZero())

	// Closing twice fails, the guard is is_closed = 0.
	err = s.MarkPositionClosed(ctx, posID,
		decimal.NewFromInt(105), decimal.NewFromInt(50), models.ExitTargetHit)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestAlertsResolveAndDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := seedInstance(t, s, "a", "http://a:5000")

	id, err := s.InsertAlert(ctx, &models.SystemAlert{
		AlertType:  models.AlertInstanceOffline,
		Severity:   models.SeverityCritical,
		Title:      "Instance offline",
		Message:    "health probe failed",
		InstanceID: inst,
		Details:    map[string]string{"host": "http://a:5000"},
	})
	require.NoError(t, err)

	has, err := s.HasUnresolvedAlert(ctx, models.AlertInstanceOffline, inst)
	require.NoError(t, err)
	assert.True(t, has)

	alerts, err := s.ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "http://a:5000", alerts[0].Details["host"])

	require.NoError(t, s.ResolveAlert(ctx, id, "operator"))

	has, err = s.HasUnresolvedAlert(ctx, models.AlertInstanceOffline, inst)
	require.NoError(t, err)
	assert.False(t, has)

	// Resolving again is a no-op for an existing row.
	require.NoError(t, s.ResolveAlert(ctx, id, "operator"))
	err = s.ResolveAlert(ctx, 999, "operator")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	// Auto-resolution by type.
	_, err = s.InsertAlert(ctx, &models.SystemAlert{
		AlertType: models.AlertInstanceOffline, Severity: models.SeverityCritical,
		Title: "Instance offline", InstanceID: inst,
	})
	require.NoError(t, err)
	n, err := s.ResolveAlertsOfType(ctx, models.AlertInstanceOffline, inst, "system")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAutoResolveStaleAlertsSkipsCritical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := seedInstance(t, s, "a", "http://a:5000")
	infoID, err := s.InsertAlert(ctx, &models.SystemAlert{
		AlertType: models.AlertOrderCompleted, Severity: models.SeverityInfo,
		Title: "Order completed", InstanceID: inst,
	})
	require.NoError(t, err)
	critID, err := s.InsertAlert(ctx, &models.SystemAlert{
		AlertType: models.AlertInstanceOffline, Severity: models.SeverityCritical,
		Title: "Instance offline", InstanceID: inst,
	})
	require.NoError(t, err)

	// A cutoff in the future makes both rows stale by age; only the INFO
	// one may be swept.
	n, err := s.AutoResolveStaleAlerts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	alerts, err := s.ListAlerts(ctx, false, 10)
	require.NoError(t, err)
	byID := make(map[int64]*models.SystemAlert, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
	}
	assert.True(t, byID[infoID].IsResolved)
	assert.Equal(t, "system", byID[infoID].ResolvedBy)
	assert.False(t, byID[critID].IsResolved)

	// Nothing left to sweep.
	n, err = s.AutoResolveStaleAlerts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarketDataUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := &models.MarketDataRow{
		Exchange: "NSE", Symbol: "SBIN",
		LTP: decimal.NewFromFloat(812.4), Volume: 1000,
	}
	require.NoError(t, s.UpsertMarketData(ctx, row))

	row.LTP = decimal.NewFromFloat(815.1)
	require.NoError(t, s.UpsertMarketData(ctx, row))

	rows, err := s.ListMarketData(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "815.1", rows[0].LTP.String())
	assert.False(t, rows[0].LastUpdated.IsZero())
}
