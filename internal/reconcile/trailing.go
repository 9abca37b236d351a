package reconcile

import (
	"github.com/shopspring/decimal"

	"control_plane/internal/models"
)

var hundred = decimal.NewFromInt(100)

// ExitLevels derives target and stop-loss prices from the actual entry
// fill. A NONE rule yields a zero level, which disables the trigger.
func ExitLevels(sym *models.WatchlistSymbol, dir models.Direction, entry decimal.Decimal) (target, sl decimal.Decimal) {
	target = levelFrom(entry, sym.TargetType, sym.TargetValue, dir, true)
	sl = levelFrom(entry, sym.SLType, sym.SLValue, dir, false)
	return target, sl
}

func levelFrom(entry decimal.Decimal, typ models.ExitRuleType, value decimal.Decimal, dir models.Direction, favorable bool) decimal.Decimal {
	if typ == models.ExitRuleNone || value.IsZero() {
		return decimal.Zero
	}
	var offset decimal.Decimal
	switch typ {
	case models.ExitRulePercentage:
		offset = entry.Mul(value).Div(hundred)
	case models.ExitRulePoints:
		offset = value
	default:
		return decimal.Zero
	}
	// A favorable level sits in the direction of profit.
	if (dir == models.DirLong) == favorable {
		return entry.Add(offset)
	}
	return entry.Sub(offset)
}

// activationThreshold interprets AFTER_MOVE values. Values below 100 are
// percent of entry, at or above 100 they are absolute points.
func activationThreshold(entry, value decimal.Decimal) decimal.Decimal {
	if value.LessThan(hundred) {
		return entry.Mul(value).Div(hundred)
	}
	return value
}

// trailingCandidate computes the stop implied by the current extremum.
func trailingCandidate(extremum decimal.Decimal, dir models.Direction, typ models.ExitRuleType, value decimal.Decimal) decimal.Decimal {
	var offset decimal.Decimal
	switch typ {
	case models.ExitRulePercentage:
		offset = extremum.Mul(value).Div(hundred)
	case models.ExitRulePoints:
		offset = value
	default:
		return decimal.Zero
	}
	if dir == models.DirLong {
		return extremum.Sub(offset)
	}
	return extremum.Add(offset)
}

// UpdateTrailing advances the trailing stop state of an open position
// for one price tick. It reports whether the stop armed on this tick and
// whether any tracked field changed. The stop only ever tightens: for a
// long it rises, for a short it falls.
func UpdateTrailing(pos *models.WatchlistPosition, sym *models.WatchlistSymbol, ltp decimal.Decimal) (activatedNow, changed bool) {
	if sym.TSType == models.ExitRuleNone || sym.TSValue.IsZero() {
		return false, false
	}

	if !pos.TrailingActivated {
		if shouldActivate(pos, sym, ltp) {
			pos.TrailingActivated = true
			activatedNow = true
			changed = true
			if pos.Direction == models.DirLong {
				pos.HighestPriceSeen = ltp
			} else {
				pos.LowestPriceSeen = ltp
			}
			pos.TrailingStopPrice = trailingCandidate(ltp, pos.Direction, sym.TSType, sym.TSValue)
			return activatedNow, changed
		}
		return false, false
	}

	if pos.Direction == models.DirLong {
		if pos.HighestPriceSeen.IsZero() || ltp.GreaterThan(pos.HighestPriceSeen) {
			pos.HighestPriceSeen = ltp
			changed = true
		}
		candidate := trailingCandidate(pos.HighestPriceSeen, pos.Direction, sym.TSType, sym.TSValue)
		if candidate.GreaterThan(pos.TrailingStopPrice) {
			pos.TrailingStopPrice = candidate
			changed = true
		}
	} else {
		if pos.LowestPriceSeen.IsZero() || ltp.LessThan(pos.LowestPriceSeen) {
			pos.LowestPriceSeen = ltp
			changed = true
		}
		candidate := trailingCandidate(pos.LowestPriceSeen, pos.Direction, sym.TSType, sym.TSValue)
		if pos.TrailingStopPrice.IsZero() || candidate.LessThan(pos.TrailingStopPrice) {
			pos.TrailingStopPrice = candidate
			changed = true
		}
	}
	return activatedNow, changed
}

func shouldActivate(pos *models.WatchlistPosition, sym *models.WatchlistSymbol, ltp decimal.Decimal) bool {
	switch sym.TrailingActivationType {
	case models.ActivateImmediate, "":
		return true
	case models.ActivateAfterTarget:
		if pos.TargetPrice.IsZero() {
			return false
		}
		if pos.Direction == models.DirLong {
			return ltp.GreaterThanOrEqual(pos.TargetPrice)
		}
		return ltp.LessThanOrEqual(pos.TargetPrice)
	case models.ActivateAfterMove:
		threshold := activationThreshold(pos.EntryPrice, sym.TrailingActivationValue)
		return ltp.Sub(pos.EntryPrice).Abs().GreaterThanOrEqual(threshold)
	}
	return false
}

// CheckExitTrigger evaluates the exit rules of an open position against
// the latest price, in priority order target, stop-loss, trailing stop.
func CheckExitTrigger(pos *models.WatchlistPosition, ltp decimal.Decimal) (models.ExitReason, bool) {
	long := pos.Direction == models.DirLong

	if !pos.TargetPrice.IsZero() {
		if (long && ltp.GreaterThanOrEqual(pos.TargetPrice)) ||
			(!long && ltp.LessThanOrEqual(pos.TargetPrice)) {
			return models.ExitTargetHit, true
		}
	}
	if !pos.SLPrice.IsZero() {
		if (long && ltp.LessThanOrEqual(pos.SLPrice)) ||
			(!long && ltp.GreaterThanOrEqual(pos.SLPrice)) {
			return models.ExitStopLoss, true
		}
	}
	if pos.TrailingActivated && !pos.TrailingStopPrice.IsZero() {
		if (long && ltp.LessThanOrEqual(pos.TrailingStopPrice)) ||
			(!long && ltp.GreaterThanOrEqual(pos.TrailingStopPrice)) {
			return models.ExitTrailingStop, true
		}
	}
	return "", false
}
