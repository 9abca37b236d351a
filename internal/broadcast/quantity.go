package broadcast

import (
	"fmt"

	"github.com/shopspring/decimal"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

var decimalHundred = decimal.NewFromInt(100)

// ResolveQuantity derives the leg quantity for one symbol on one
// instance. balance is the instance's last known available balance,
// used only for funds_percent sizing. hasLTP marks whether ltp holds a
// live quote.
func ResolveQuantity(sym *models.WatchlistSymbol, balance, ltp decimal.Decimal, hasLTP bool) (int64, error) {
	var raw decimal.Decimal

	switch sym.QtyMode {
	case models.QtyFixed:
		if sym.QtyUnits == models.UnitsLots {
			raw = sym.QtyValue.Mul(decimal.NewFromInt(sym.LotSize))
		} else {
			raw = sym.QtyValue
		}
		return finalize(sym, raw)

	case models.QtyCapital:
		if !hasLTP || ltp.IsZero() {
			return 0, apperrors.E(apperrors.KindLTPUnavailable,
				fmt.Sprintf("no quote cached for %s:%s", sym.Exchange, sym.Symbol), nil)
		}
		raw = sym.QtyValue.Div(ltp)

	case models.QtyFundsPercent:
		if !hasLTP || ltp.IsZero() {
			return 0, apperrors.E(apperrors.KindLTPUnavailable,
				fmt.Sprintf("no quote cached for %s:%s", sym.Exchange, sym.Symbol), nil)
		}
		raw = sym.QtyValue.Div(decimalHundred).Mul(balance).Div(ltp)

	default:
		return 0, apperrors.Validation(fmt.Sprintf("unknown qty_mode %q", sym.QtyMode))
	}

	raw = clamp(sym, raw)
	// The capital ceiling is a risk cap, it wins over min_qty_per_click.
	if sym.CapitalCeilingPerTrade.IsPositive() {
		ceiling := sym.CapitalCeilingPerTrade.Div(ltp)
		if raw.GreaterThan(ceiling) {
			raw = ceiling
		}
	}
	return finalize(sym, roundToLot(raw, sym.LotSize, sym.Rounding))
}

func clamp(sym *models.WatchlistSymbol, raw decimal.Decimal) decimal.Decimal {
	if sym.MinQtyPerClick > 0 {
		min := decimal.NewFromInt(sym.MinQtyPerClick)
		if raw.LessThan(min) {
			raw = min
		}
	}
	if sym.MaxQtyPerClick > 0 {
		max := decimal.NewFromInt(sym.MaxQtyPerClick)
		if raw.GreaterThan(max) {
			raw = max
		}
	}
	return raw
}

func roundToLot(raw decimal.Decimal, lotSize int64, rounding models.LotRounding) decimal.Decimal {
	if lotSize <= 1 {
		return raw.Floor()
	}
	lot := decimal.NewFromInt(lotSize)
	lots := raw.Div(lot)
	switch rounding {
	case models.RoundCeilToLot:
		lots = lots.Ceil()
	case models.RoundNearestLot:
		lots = lots.Round(0)
	default:
		lots = lots.Floor()
	}
	return lots.Mul(lot)
}

func finalize(sym *models.WatchlistSymbol, qty decimal.Decimal) (int64, error) {
	if !qty.IsInteger() {
		qty = qty.Floor()
	}
	n := qty.IntPart()
	if n <= 0 {
		return 0, apperrors.Validation(
			fmt.Sprintf("computed quantity for %s is zero", sym.Symbol))
	}
	return n, nil
}
