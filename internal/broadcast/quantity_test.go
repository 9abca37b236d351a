package broadcast

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

func symbolConfig(mode models.QtyMode, value float64) *models.WatchlistSymbol {
	return &models.WatchlistSymbol{
		Exchange: "NSE", Symbol: "SBIN", LotSize: 1,
		QtyMode: mode, QtyValue: decimal.NewFromFloat(value),
		Rounding: models.RoundFloorToLot,
	}
}

func TestFixedUnits(t *testing.T) {
	sym := symbolConfig(models.QtyFixed, 25)
	sym.QtyUnits = models.UnitsRaw
	qty, err := ResolveQuantity(sym, decimal.Zero, decimal.Zero, false)
	require.NoError(t, err)
	assert.Equal(t, int64(25), qty)
}

func TestFixedLots(t *testing.T) {
	sym := symbolConfig(models.QtyFixed, 2)
	sym.QtyUnits = models.UnitsLots
	sym.LotSize = 75
	qty, err := ResolveQuantity(sym, decimal.Zero, decimal.Zero, false)
	require.NoError(t, err)
	assert.Equal(t, int64(150), qty)
}

func TestCapitalMode(t *testing.T) {
	sym := symbolConfig(models.QtyCapital, 100000)
	qty, err := ResolveQuantity(sym, decimal.Zero, decimal.NewFromInt(800), true)
	require.NoError(t, err)
	assert.Equal(t, int64(125), qty)
}

func TestCapitalModeWithoutLTP(t *testing.T) {
	sym := symbolConfig(models.QtyCapital, 100000)
	_, err := ResolveQuantity(sym, decimal.Zero, decimal.Zero, false)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindLTPUnavailable, apperrors.KindOf(err))
}

func TestFundsPercentMode(t *testing.T) {
	sym := symbolConfig(models.QtyFundsPercent, 10)
	// 10% of 500000 = 50000; at LTP 800 -> 62 after floor.
	qty, err := ResolveQuantity(sym, decimal.NewFromInt(500000), decimal.NewFromInt(800), true)
	require.NoError(t, err)
	assert.Equal(t, int64(62), qty)
}

func TestLotRoundingModes(t *testing.T) {
	cases := []struct {
		rounding models.LotRounding
		want     int64
	}{
		{models.RoundFloorToLot, 75},
		{models.RoundNearestLot, 150},
		{models.RoundCeilToLot, 150},
	}
	for _, tc := range cases {
		sym := symbolConfig(models.QtyCapital, 100000)
		sym.Exchange = "NFO"
		sym.LotSize = 75
		sym.Rounding = tc.rounding
		// raw = 100000/800 = 125 units = 1.66 lots
		qty, err := ResolveQuantity(sym, decimal.Zero, decimal.NewFromInt(800), true)
		require.NoError(t, err)
		assert.Equal(t, tc.want, qty, "rounding %s", tc.rounding)
	}
}

func TestClampMinMax(t *testing.T) {
	sym := symbolConfig(models.QtyCapital, 100000)
	sym.MaxQtyPerClick = 50
	qty, err := ResolveQuantity(sym, decimal.Zero, decimal.NewFromInt(800), true)
	require.NoError(t, err)
	assert.Equal(t, int64(50), qty)

	sym = symbolConfig(models.QtyCapital, 1000)
	sym.MinQtyPerClick = 10
	qty, err = ResolveQuantity(sym, decimal.Zero, decimal.NewFromInt(800), true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), qty)
}

func TestCapitalCeilingCapsQuantity(t *testing.T) {
	sym := symbolConfig(models.QtyCapital, 100000)
	sym.CapitalCeilingPerTrade = decimal.NewFromInt(40000)
	// ceiling allows 40000/800 = 50 units
	qty, err := ResolveQuantity(sym, decimal.Zero, decimal.NewFromInt(800), true)
	require.NoError(t, err)
	assert.Equal(t, int64(50), qty)
}

func TestZeroQuantityRejected(t *testing.T) {
	sym := symbolConfig(models.QtyCapital, 100)
	sym.Exchange = "NFO"
	sym.LotSize = 75
	// raw = 100/800 -> floors to zero lots
	_, err := ResolveQuantity(sym, decimal.Zero, decimal.NewFromInt(800), true)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
