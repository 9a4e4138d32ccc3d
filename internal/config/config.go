package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trailcore/internal/types"
)

// RegimeMultipliers scales the trailing percent per market regime.
// Values are empirically tuned; they are configuration, not invariants.
type RegimeMultipliers struct {
	Bull     float64 `json:"bull"`
	Bear     float64 `json:"bear"`
	Range    float64 `json:"range"`
	Volatile float64 `json:"volatile"`
}

// Multiplier returns the multiplier for a regime. Unknown or missing
// regimes fall back to 1.0 (the permissive default).
func (r RegimeMultipliers) Multiplier(regime types.MarketRegime) float64 {
	switch regime {
	case types.RegimeBull:
		return r.Bull
	case types.RegimeBear:
		return r.Bear
	case types.RegimeRange:
		return r.Range
	case types.RegimeVolatile:
		return r.Volatile
	default:
		return 1.0
	}
}

// TrailingStopConfig holds all tunable parameters for the trailing stop
// engine. It is mutable until validated; only a ValidatedConfig can
// construct an Engine.
type TrailingStopConfig struct {
	BaseTrailingPercent float64 `json:"base_trailing_percent"` // 0 < base <= 100
	ATRMultiplier       float64 `json:"atr_multiplier"`        // >= 0
	MinTrailingPercent  float64 `json:"min_trailing_percent"`  // min < max
	MaxTrailingPercent  float64 `json:"max_trailing_percent"`
	ConfidenceThreshold float64 `json:"confidence_threshold"` // 0..100

	// ConfidenceCoefficient scales the AI-confidence adjustment; the
	// default 0.3 shifts the percent by up to +-15% at the extremes.
	ConfidenceCoefficient float64 `json:"confidence_coefficient"`

	// UpdateInterval rate-limits percent recalculation per position.
	// Trigger checks are never rate-limited.
	UpdateInterval time.Duration `json:"update_interval"`

	// HaltTickThreshold is the number of consecutive identical prices
	// after which the guard flags a suspected trading halt.
	HaltTickThreshold int `json:"halt_tick_threshold"`

	Regime RegimeMultipliers `json:"regime_multipliers"`
}

// Default returns the configuration the engine ships with. Callers
// still have to run Validate before constructing an engine.
func Default() TrailingStopConfig {
	return TrailingStopConfig{
		BaseTrailingPercent:   2.0,
		ATRMultiplier:         1.5,
		MinTrailingPercent:    0.5,
		MaxTrailingPercent:    5.0,
		ConfidenceThreshold:   60,
		ConfidenceCoefficient: 0.3,
		UpdateInterval:        500 * time.Millisecond,
		HaltTickThreshold:     10,
		Regime: RegimeMultipliers{
			Bull:     0.9,
			Bear:     1.2,
			Range:    1.0,
			Volatile: 1.4,
		},
	}
}

// ConfigError describes a single violated invariant
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Message)
}

// ValidationErrors carries every violated invariant so a caller sees
// the complete set, not just the first.
type ValidationErrors []ConfigError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidatedConfig wraps a config that passed Validate. It is the only
// way to construct an Engine, and it is immutable.
type ValidatedConfig struct {
	cfg TrailingStopConfig
}

// Get returns a copy of the underlying configuration
func (v *ValidatedConfig) Get() TrailingStopConfig {
	return v.cfg
}

// Validate checks every invariant and collects all violations instead
// of failing fast.
func Validate(cfg TrailingStopConfig) (*ValidatedConfig, error) {
	var errs ValidationErrors

	if cfg.BaseTrailingPercent <= 0 || cfg.BaseTrailingPercent > 100 {
		errs = append(errs, ConfigError{"base_trailing_percent",
			fmt.Sprintf("must be in (0, 100], got %v", cfg.BaseTrailingPercent)})
	}
	if cfg.MinTrailingPercent >= cfg.MaxTrailingPercent {
		errs = append(errs, ConfigError{"min_trailing_percent",
			fmt.Sprintf("must be less than max_trailing_percent (%v >= %v)",
				cfg.MinTrailingPercent, cfg.MaxTrailingPercent)})
	}
	if cfg.ATRMultiplier < 0 {
		errs = append(errs, ConfigError{"atr_multiplier",
			fmt.Sprintf("must be non-negative, got %v", cfg.ATRMultiplier)})
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 100 {
		errs = append(errs, ConfigError{"confidence_threshold",
			fmt.Sprintf("must be in [0, 100], got %v", cfg.ConfidenceThreshold)})
	}
	if cfg.UpdateInterval < 100*time.Millisecond || cfg.UpdateInterval > 60*time.Second {
		errs = append(errs, ConfigError{"update_interval",
			fmt.Sprintf("must be between 100ms and 60s, got %v", cfg.UpdateInterval)})
	}
	if cfg.ConfidenceCoefficient < 0 {
		errs = append(errs, ConfigError{"confidence_coefficient",
			fmt.Sprintf("must be non-negative, got %v", cfg.ConfidenceCoefficient)})
	}
	if cfg.HaltTickThreshold < 2 {
		errs = append(errs, ConfigError{"halt_tick_threshold",
			fmt.Sprintf("must be at least 2, got %d", cfg.HaltTickThreshold)})
	}
	for _, rm := range []struct {
		name string
		val  float64
	}{
		{"regime_multipliers.bull", cfg.Regime.Bull},
		{"regime_multipliers.bear", cfg.Regime.Bear},
		{"regime_multipliers.range", cfg.Regime.Range},
		{"regime_multipliers.volatile", cfg.Regime.Volatile},
	} {
		if rm.val <= 0 {
			errs = append(errs, ConfigError{rm.name,
				fmt.Sprintf("must be positive, got %v", rm.val)})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &ValidatedConfig{cfg: cfg}, nil
}

// FromEnv builds a TrailingStopConfig from environment variables,
// falling back to Default for anything unset. The result is NOT yet
// validated.
func FromEnv() TrailingStopConfig {
	cfg := Default()

	cfg.BaseTrailingPercent = envFloat("TS_BASE_PERCENT", cfg.BaseTrailingPercent)
	cfg.ATRMultiplier = envFloat("TS_ATR_MULTIPLIER", cfg.ATRMultiplier)
	cfg.MinTrailingPercent = envFloat("TS_MIN_PERCENT", cfg.MinTrailingPercent)
	cfg.MaxTrailingPercent = envFloat("TS_MAX_PERCENT", cfg.MaxTrailingPercent)
	cfg.ConfidenceThreshold = envFloat("TS_CONFIDENCE_THRESHOLD", cfg.ConfidenceThreshold)
	cfg.ConfidenceCoefficient = envFloat("TS_CONFIDENCE_COEFFICIENT", cfg.ConfidenceCoefficient)
	cfg.HaltTickThreshold = envInt("TS_HALT_TICKS", cfg.HaltTickThreshold)

	if ms := envInt("TS_UPDATE_INTERVAL_MS", 0); ms > 0 {
		cfg.UpdateInterval = time.Duration(ms) * time.Millisecond
	}

	cfg.Regime.Bull = envFloat("TS_REGIME_BULL", cfg.Regime.Bull)
	cfg.Regime.Bear = envFloat("TS_REGIME_BEAR", cfg.Regime.Bear)
	cfg.Regime.Range = envFloat("TS_REGIME_RANGE", cfg.Regime.Range)
	cfg.Regime.Volatile = envFloat("TS_REGIME_VOLATILE", cfg.Regime.Volatile)

	return cfg
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
