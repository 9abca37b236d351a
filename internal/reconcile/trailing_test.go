package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/models"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func longPosition(entry float64) *models.WatchlistPosition {
	return &models.WatchlistPosition{
		Direction:  models.DirLong,
		Quantity:   10,
		EntryPrice: dec(entry),
		Status:     models.PositionOpen,
	}
}

func trailingSymbol(tsType models.ExitRuleType, tsValue float64) *models.WatchlistSymbol {
	return &models.WatchlistSymbol{
		TSType:                 tsType,
		TSValue:                dec(tsValue),
		TrailingActivationType: models.ActivateImmediate,
	}
}

func TestTrailingMonotonicRatchet(t *testing.T) {
	pos := longPosition(100)
	pos.TrailingActivated = true
	pos.TrailingStopPrice = dec(98)
	pos.HighestPriceSeen = dec(100)
	sym := trailingSymbol(models.ExitRulePercentage, 2)

	_, changed := UpdateTrailing(pos, sym, dec(101))
	assert.True(t, changed)
	assert.Equal(t, "98.98", pos.TrailingStopPrice.String())

	// A retreating price never loosens the stop.
	_, changed = UpdateTrailing(pos, sym, dec(99))
	assert.False(t, changed)
	assert.Equal(t, "98.98", pos.TrailingStopPrice.String())

	_, _ = UpdateTrailing(pos, sym, dec(103))
	assert.Equal(t, "100.94", pos.TrailingStopPrice.String())
	assert.Equal(t, "103", pos.HighestPriceSeen.String())
}

func TestTrailingShortRatchetsDown(t *testing.T) {
	pos := &models.WatchlistPosition{
		Direction:         models.DirShort,
		EntryPrice:        dec(100),
		TrailingActivated: true,
		TrailingStopPrice: dec(102),
		LowestPriceSeen:   dec(100),
		Status:            models.PositionOpen,
	}
	sym := trailingSymbol(models.ExitRulePercentage, 2)

	UpdateTrailing(pos, sym, dec(95))
	assert.Equal(t, "96.9", pos.TrailingStopPrice.String())

	UpdateTrailing(pos, sym, dec(98))
	assert.Equal(t, "96.9", pos.TrailingStopPrice.String())
}

func TestTrailingImmediateActivation(t *testing.T) {
	pos := longPosition(100)
	sym := trailingSymbol(models.ExitRulePoints, 3)

	activated, changed := UpdateTrailing(pos, sym, dec(100))
	assert.True(t, activated)
	assert.True(t, changed)
	assert.True(t, pos.TrailingActivated)
	assert.Equal(t, "97", pos.TrailingStopPrice.String())
}

func TestTrailingAfterTargetActivation(t *testing.T) {
	pos := longPosition(100)
	pos.TargetPrice = dec(105)
	sym := trailingSymbol(models.ExitRulePercentage, 2)
	sym.TrailingActivationType = models.ActivateAfterTarget

	activated, _ := UpdateTrailing(pos, sym, dec(104))
	assert.False(t, activated)

	activated, _ = UpdateTrailing(pos, sym, dec(105))
	assert.True(t, activated)
}

func TestTrailingAfterMovePercentVsPoints(t *testing.T) {
	// Value 25 is below 100, treated as percent of entry: threshold 25.
	pos := longPosition(100)
	sym := trailingSymbol(models.ExitRulePoints, 150)
	sym.TrailingActivationType = models.ActivateAfterMove
	sym.TrailingActivationValue = dec(25)

	activated, _ := UpdateTrailing(pos, sym, dec(120))
	assert.False(t, activated)
	activated, _ = UpdateTrailing(pos, sym, dec(125))
	assert.True(t, activated)

	// Value 150 is at or above 100, treated as absolute points.
	pos = longPosition(1000)
	sym.TrailingActivationValue = dec(150)
	pos.TrailingActivated = false
	activated, _ = UpdateTrailing(pos, sym, dec(1100))
	assert.False(t, activated)
	activated, _ = UpdateTrailing(pos, sym, dec(1150))
	assert.True(t, activated)
}

func TestTrailingDisabledWhenNoRule(t *testing.T) {
	pos := longPosition(100)
	sym := trailingSymbol(models.ExitRuleNone, 0)
	activated, changed := UpdateTrailing(pos, sym, dec(200))
	assert.False(t, activated)
	assert.False(t, changed)
}

func TestExitLevelsFromFill(t *testing.T) {
	sym := &models.WatchlistSymbol{
		TargetType:  models.ExitRulePercentage,
		TargetValue: dec(5),
		SLType:      models.ExitRulePoints,
		SLValue:     dec(3),
	}
	target, sl := ExitLevels(sym, models.DirLong, dec(100))
	assert.Equal(t, "105", target.String())
	assert.Equal(t, "97", sl.String())

	target, sl = ExitLevels(sym, models.DirShort, dec(100))
	assert.Equal(t, "95", target.String())
	assert.Equal(t, "103", sl.String())

	sym.TargetType = models.ExitRuleNone
	target, _ = ExitLevels(sym, models.DirLong, dec(100))
	assert.True(t, target.IsZero())
}

func TestCheckExitTriggerPriority(t *testing.T) {
	pos := longPosition(100)
	pos.TargetPrice = dec(105)
	pos.SLPrice = dec(97)
	pos.TrailingActivated = true
	pos.TrailingStopPrice = dec(98)

	reason, hit := CheckExitTrigger(pos, dec(106))
	require.True(t, hit)
	assert.Equal(t, models.ExitTargetHit, reason)

	// Below both stop-loss and trailing: stop-loss wins by priority.
	reason, hit = CheckExitTrigger(pos, dec(96))
	require.True(t, hit)
	assert.Equal(t, models.ExitStopLoss, reason)

	reason, hit = CheckExitTrigger(pos, dec(97.5))
	require.True(t, hit)
	assert.Equal(t, models.ExitTrailingStop, reason)

	_, hit = CheckExitTrigger(pos, dec(101))
	assert.False(t, hit)
}

func TestCheckExitTriggerShort(t *testing.T) {
	pos := &models.WatchlistPosition{
		Direction:   models.DirShort,
		EntryPrice:  dec(100),
		TargetPrice: dec(95),
		SLPrice:     dec(103),
		Status:      models.PositionOpen,
	}
	reason, hit := CheckExitTrigger(pos, dec(94))
	require.True(t, hit)
	assert.Equal(t, models.ExitTargetHit, reason)

	reason, hit = CheckExitTrigger(pos, dec(104))
	require.True(t, hit)
	assert.Equal(t, models.ExitStopLoss, reason)
}
