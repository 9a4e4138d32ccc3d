package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailcore/internal/config"
	"trailcore/internal/types"
)

func testConfig() config.TrailingStopConfig {
	return config.Default()
}

func TestCalculateDeterminism(t *testing.T) {
	cfg := testConfig()

	first, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 1.2, 75, types.RegimeBull)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		again, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 1.2, 75, types.RegimeBull)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCalculateFormula(t *testing.T) {
	cfg := testConfig()
	cfg.Regime.Bull = 1.0

	// base 2.0 + atr 1.0 * 1.5 = 3.5, neutral confidence leaves it alone
	percent, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 1.0, 50, types.RegimeBull)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, percent, 1e-9)

	// confidence 100 widens by factor 1 + 0.5*0.3 = 1.15
	percent, err = CalculateTrailingPercent(cfg, types.SideLong, 50000, 1.0, 100, types.RegimeBull)
	require.NoError(t, err)
	assert.InDelta(t, 3.5*1.15, percent, 1e-9)

	// confidence 0 narrows by factor 1 - 0.5*0.3 = 0.85
	percent, err = CalculateTrailingPercent(cfg, types.SideLong, 50000, 1.0, 0, types.RegimeBull)
	require.NoError(t, err)
	assert.InDelta(t, 3.5*0.85, percent, 1e-9)
}

func TestCalculateRegimeMultipliers(t *testing.T) {
	cfg := testConfig()

	base, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 0, 50, types.RegimeRange)
	require.NoError(t, err)

	volatile, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 0, 50, types.RegimeVolatile)
	require.NoError(t, err)
	assert.Greater(t, volatile, base, "volatile regime should widen the stop")

	bull, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 0, 50, types.RegimeBull)
	require.NoError(t, err)
	assert.Less(t, bull, base, "bull regime should tighten the stop")

	// unknown regime falls back to neutral
	unknown, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 0, 50, types.MarketRegime("sideways"))
	require.NoError(t, err)
	assert.Equal(t, base, unknown)
}

func TestCalculateInvalidPrice(t *testing.T) {
	cfg := testConfig()

	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := CalculateTrailingPercent(cfg, types.SideLong, price, 1.0, 50, types.RegimeRange)
		assert.ErrorIs(t, err, ErrInvalidPrice, "price %v", price)
	}
}

func TestCalculateBoundedness(t *testing.T) {
	cfg := testConfig()

	adversarial := []float64{math.NaN(), math.Inf(1), math.Inf(-1), -1, 0, 1e308, -1e308, 1e-308}
	regimes := []types.MarketRegime{types.RegimeBull, types.RegimeBear, types.RegimeRange, types.RegimeVolatile, ""}

	for _, atr := range adversarial {
		for _, conf := range adversarial {
			for _, regime := range regimes {
				percent, err := CalculateTrailingPercent(cfg, types.SideShort, 50000, atr, conf, regime)
				require.NoError(t, err, "atr=%v conf=%v", atr, conf)

				assert.False(t, math.IsNaN(percent), "atr=%v conf=%v", atr, conf)
				assert.False(t, math.IsInf(percent, 0), "atr=%v conf=%v", atr, conf)
				assert.Greater(t, percent, 0.0)
				assert.GreaterOrEqual(t, percent, cfg.MinTrailingPercent)
				assert.LessOrEqual(t, percent, cfg.MaxTrailingPercent)
			}
		}
	}
}

func TestCalculateClamps(t *testing.T) {
	cfg := testConfig()

	// huge ATR pushes past max
	percent, err := CalculateTrailingPercent(cfg, types.SideLong, 50000, 100, 50, types.RegimeRange)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxTrailingPercent, percent)

	// tiny base with tightening confidence hits min
	tight := cfg
	tight.BaseTrailingPercent = 0.6
	percent, err = CalculateTrailingPercent(tight, types.SideLong, 50000, 0, 0, types.RegimeBull)
	require.NoError(t, err)
	assert.Equal(t, tight.MinTrailingPercent, percent)
}
