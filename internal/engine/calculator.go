package engine

import (
	"errors"
	"math"

	"trailcore/internal/config"
	"trailcore/internal/types"
)

// ErrInvalidPrice signals a non-finite or non-positive price. The
// caller drops the tick for recalculation purposes; the trigger check
// has already run by the time the calculator is consulted.
var ErrInvalidPrice = errors.New("invalid price")

// CalculateTrailingPercent maps market inputs to a bounded trailing
// percent. It is pure and deterministic, and it never panics for any
// numeric input: malformed confidence and ATR degrade to safe defaults
// rather than aborting, because losing the stop on bad auxiliary data
// would be worse than using a neutral fallback.
//
// The side does not enter the formula directly; it determines how the
// caller applies the percent when ratcheting.
func CalculateTrailingPercent(
	cfg config.TrailingStopConfig,
	side types.Side,
	price float64,
	atrNormalized float64,
	confidence float64,
	regime types.MarketRegime,
) (float64, error) {
	_ = side

	if !isFinite(price) || price <= 0 {
		return 0, ErrInvalidPrice
	}

	if !isFinite(confidence) || confidence < 0 || confidence > 100 {
		confidence = 50 // neutral
	}
	if !isFinite(atrNormalized) || atrNormalized < 0 {
		atrNormalized = 0
	}

	percent := cfg.BaseTrailingPercent + atrNormalized*cfg.ATRMultiplier
	percent *= cfg.Regime.Multiplier(regime)
	percent *= 1 + (confidence-50)/100*cfg.ConfidenceCoefficient

	percent = clampPercent(cfg, percent)
	if !isFinite(percent) || percent <= 0 {
		return cfg.BaseTrailingPercent, nil
	}
	return percent, nil
}

// clampPercent bounds a percent to [min, max]
func clampPercent(cfg config.TrailingStopConfig, p float64) float64 {
	if p < cfg.MinTrailingPercent {
		return cfg.MinTrailingPercent
	}
	if p > cfg.MaxTrailingPercent {
		return cfg.MaxTrailingPercent
	}
	return p
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
