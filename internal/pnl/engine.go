// Package pnl computes realized and unrealized profit and loss from
// upstream tradebook and positionbook snapshots.
//
// Realized P&L uses weighted averages per symbol. For each symbol the
// matched quantity is min(total bought, total sold) and the realized
// amount is (weighted average sell - weighted average buy) * matched.
// The result depends only on the multiset of trades, never on order.
package pnl

import (
	"strings"

	"github.com/shopspring/decimal"

	"control_plane/internal/core"
)

// SymbolPnL is the per-symbol breakdown.
type SymbolPnL struct {
	Symbol     string          `json:"symbol"`
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Total      decimal.Decimal `json:"total"`
}

// AccountPnL is the instance-wide rollup.
type AccountPnL struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Total      decimal.Decimal `json:"total"`
}

type symbolAgg struct {
	buyQty    decimal.Decimal
	buyValue  decimal.Decimal
	sellQty   decimal.Decimal
	sellValue decimal.Decimal
}

// RealizedBySymbol folds a tradebook into per-symbol realized P&L.
// Symbols with flow on only one side realize zero.
func RealizedBySymbol(trades []core.BrokerTrade) map[string]decimal.Decimal {
	aggs := make(map[string]*symbolAgg)
	for _, t := range trades {
		agg, ok := aggs[t.Symbol]
		if !ok {
			agg = &symbolAgg{}
			aggs[t.Symbol] = agg
		}
		value := t.AveragePrice.Mul(t.Quantity)
		switch strings.ToUpper(t.Action) {
		case "BUY":
			agg.buyQty = agg.buyQty.Add(t.Quantity)
			agg.buyValue = agg.buyValue.Add(value)
		case "SELL":
			agg.sellQty = agg.sellQty.Add(t.Quantity)
			agg.sellValue = agg.sellValue.Add(value)
		}
	}

	out := make(map[string]decimal.Decimal, len(aggs))
	for symbol, agg := range aggs {
		out[symbol] = realize(agg)
	}
	return out
}

func realize(agg *symbolAgg) decimal.Decimal {
	if agg.buyQty.IsZero() || agg.sellQty.IsZero() {
		return decimal.Zero
	}
	avgBuy := agg.buyValue.Div(agg.buyQty)
	avgSell := agg.sellValue.Div(agg.sellQty)
	matched := decimal.Min(agg.buyQty, agg.sellQty)
	return avgSell.Sub(avgBuy).Mul(matched)
}

// UnrealizedBySymbol folds a positionbook into per-symbol unrealized
// P&L. The upstream mark-to-market figure is taken as-is.
func UnrealizedBySymbol(positions []core.BrokerPosition) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		out[p.Symbol] = out[p.Symbol].Add(p.PnL)
	}
	return out
}

// PerSymbol merges both books into the per-symbol breakdown.
func PerSymbol(trades []core.BrokerTrade, positions []core.BrokerPosition) []SymbolPnL {
	realized := RealizedBySymbol(trades)
	unrealized := UnrealizedBySymbol(positions)

	symbols := make(map[string]bool, len(realized)+len(unrealized))
	for s := range realized {
		symbols[s] = true
	}
	for s := range unrealized {
		symbols[s] = true
	}

	out := make([]SymbolPnL, 0, len(symbols))
	for s := range symbols {
		r := realized[s]
		u := unrealized[s]
		out = append(out, SymbolPnL{
			Symbol:     s,
			Realized:   r,
			Unrealized: u,
			Total:      r.Add(u),
		})
	}
	return out
}

// AccountTotals rolls both books up into the instance-wide figure.
func AccountTotals(trades []core.BrokerTrade, positions []core.BrokerPosition) AccountPnL {
	var realized, unrealized decimal.Decimal
	for _, r := range RealizedBySymbol(trades) {
		realized = realized.Add(r)
	}
	for _, p := range positions {
		unrealized = unrealized.Add(p.PnL)
	}
	return AccountPnL{
		Realized:   realized,
		Unrealized: unrealized,
		Total:      realized.Add(unrealized),
	}
}
