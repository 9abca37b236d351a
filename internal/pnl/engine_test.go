package pnl

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/core"
)

func trade(symbol, action string, qty, price float64) core.BrokerTrade {
	return core.BrokerTrade{
		Symbol:       symbol,
		Action:       action,
		Quantity:     decimal.NewFromFloat(qty),
		AveragePrice: decimal.NewFromFloat(price),
	}
}

func TestRealizedWeightedAverage(t *testing.T) {
	trades := []core.BrokerTrade{
		trade("A", "BUY", 10, 100),
		trade("A", "BUY", 10, 110),
		trade("A", "SELL", 15, 120),
	}
	// avg buy 105, avg sell 120, matched 15 -> 225
	realized := RealizedBySymbol(trades)
	assert.Equal(t, "225", realized["A"].String())
}

func TestRealizedOneSidedFlow(t *testing.T) {
	realized := RealizedBySymbol([]core.BrokerTrade{
		trade("A", "BUY", 10, 100),
		trade("B", "SELL", 5, 50),
	})
	assert.True(t, realized["A"].IsZero())
	assert.True(t, realized["B"].IsZero())
}

func TestRealizedOrderIndependent(t *testing.T) {
	trades := []core.BrokerTrade{
		trade("A", "BUY", 10, 100),
		trade("A", "SELL", 5, 110),
		trade("A", "BUY", 20, 105),
		trade("A", "SELL", 15, 98),
		trade("B", "SELL", 7, 42),
		trade("B", "BUY", 7, 40),
	}
	want := RealizedBySymbol(trades)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := make([]core.BrokerTrade, len(trades))
		copy(shuffled, trades)
		r.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := RealizedBySymbol(shuffled)
		require.Len(t, got, len(want))
		for sym, w := range want {
			assert.True(t, got[sym].Equal(w), "symbol %s: want %s got %s", sym, w, got[sym])
		}
	}
}

func TestRealizedLowercaseActions(t *testing.T) {
	realized := RealizedBySymbol([]core.BrokerTrade{
		trade("A", "buy", 10, 100),
		trade("A", "sell", 10, 101),
	})
	assert.Equal(t, "10", realized["A"].String())
}

func TestUnrealizedSumsPerSymbol(t *testing.T) {
	unrealized := UnrealizedBySymbol([]core.BrokerPosition{
		{Symbol: "A", PnL: decimal.NewFromFloat(12.5)},
		{Symbol: "A", PnL: decimal.NewFromFloat(-2.5)},
		{Symbol: "B", PnL: decimal.NewFromInt(-7)},
	})
	assert.Equal(t, "10", unrealized["A"].String())
	assert.Equal(t, "-7", unrealized["B"].String())
}

func TestAccountTotals(t *testing.T) {
	trades := []core.BrokerTrade{
		trade("A", "BUY", 10, 100),
		trade("A", "SELL", 10, 110),
	}
	positions := []core.BrokerPosition{
		{Symbol: "B", PnL: decimal.NewFromInt(-30)},
	}
	got := AccountTotals(trades, positions)
	assert.Equal(t, "100", got.Realized.String())
	assert.Equal(t, "-30", got.Unrealized.String())
	assert.Equal(t, "70", got.Total.String())
}

func TestPerSymbolMergesBooks(t *testing.T) {
	trades := []core.BrokerTrade{
		trade("A", "BUY", 10, 100),
		trade("A", "SELL", 10, 110),
	}
	positions := []core.BrokerPosition{
		{Symbol: "A", PnL: decimal.NewFromInt(5)},
		{Symbol: "B", PnL: decimal.NewFromInt(-3)},
	}
	rows := PerSymbol(trades, positions)
	require.Len(t, rows, 2)

	bySymbol := make(map[string]SymbolPnL)
	for _, row := range rows {
		bySymbol[row.Symbol] = row
	}
	assert.Equal(t, "100", bySymbol["A"].Realized.String())
	assert.Equal(t, "105", bySymbol["A"].Total.String())
	assert.Equal(t, "-3", bySymbol["B"].Total.String())
	assert.True(t, bySymbol["B"].Realized.IsZero())
}

func TestEmptyBooks(t *testing.T) {
	got := AccountTotals(nil, nil)
	assert.True(t, got.Realized.IsZero())
	assert.True(t, got.Unrealized.IsZero())
	assert.True(t, got.Total.IsZero())
	assert.Empty(t, PerSymbol(nil, nil))
}
