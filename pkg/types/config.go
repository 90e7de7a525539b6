// Package types provides configuration types for the paper trading engine.
package types

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// IndicatorSpec names one technical indicator inside a strategy. Weights
// across a strategy's indicator list need not sum to 1; the signal
// generator normalizes.
type IndicatorSpec struct {
	Type   string             `json:"type" validate:"required,oneof=sma ema rsi macd momentum bollinger volume_trend"`
	Weight float64            `json:"weight" validate:"gt=0"`
	Params map[string]float64 `json:"params,omitempty"`
}

// StrategyConfig is one of the two per-regime parameter sets.
// BuyThreshold > 0 >= SellThreshold by convention (asymmetric bands).
type StrategyConfig struct {
	Name           string          `json:"name" validate:"required"`
	Timeframe      Timeframe       `json:"timeframe" default:"1h" validate:"oneof=1m 5m 15m 1h 4h 1d"`
	Indicators     []IndicatorSpec `json:"indicators" validate:"min=1,dive"`
	BuyThreshold   float64         `json:"buyThreshold" validate:"gt=0"`
	SellThreshold  float64         `json:"sellThreshold" validate:"lte=0"`
	MaxPositionPct float64         `json:"maxPositionPct" default:"0.1" validate:"gt=0,lte=1"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
}

// EngineConfig is the complete engine configuration for one session.
// Every option is enumerated and defaulted here and validated exactly once,
// at session start; the struct is immutable for the session's lifetime.
type EngineConfig struct {
	BullishStrategy StrategyConfig `json:"bullishStrategy" validate:"required"`
	BearishStrategy StrategyConfig `json:"bearishStrategy" validate:"required"`

	// NeutralStrategySelection names the strategy used when the regime is
	// neutral. Collapsing neutral into bearish is a deliberate conservatism
	// bias, kept explicit so it is visible and testable.
	NeutralStrategySelection string `json:"neutralStrategySelection" default:"bearish" validate:"oneof=bearish bullish"`

	RegimeConfidenceThreshold     float64 `json:"regimeConfidenceThreshold" default:"0.5" validate:"gte=0,lte=1"`
	MomentumConfirmationThreshold float64 `json:"momentumConfirmationThreshold" default:"0.1" validate:"gte=0,lte=1"`
	RegimeWindow                  int     `json:"regimeWindow" default:"5" validate:"gte=1,lte=50"`
	RegimePersistencePeriods      int     `json:"regimePersistencePeriods" default:"2" validate:"gte=1"`
	LookbackCandles               int     `json:"lookbackCandles" default:"50" validate:"gte=10,lte=1000"`

	DynamicPositionSizing    bool    `json:"dynamicPositionSizing"`
	BullishPositionMultiplier float64 `json:"bullishPositionMultiplier" default:"1.0" validate:"gt=0,lte=3"`
	MaxBullishPosition        float64 `json:"maxBullishPosition" default:"0.25" validate:"gt=0,lte=1"`
	KellyFraction             float64 `json:"kellyFraction" default:"0.25" validate:"gt=0,lte=1"`
	KellyMinTrades            int     `json:"kellyMinTrades" default:"10" validate:"gte=1"`

	MaxDrawdown             float64 `json:"maxDrawdown" default:"0.2" validate:"gt=0,lte=1"`
	MaxVolatility           float64 `json:"maxVolatility" default:"0.05" validate:"gt=0"`
	CircuitBreakerWinRate   float64 `json:"circuitBreakerWinRate" default:"0.4" validate:"gte=0,lte=1"`
	CircuitBreakerLookback  int     `json:"circuitBreakerLookback" default:"20" validate:"gte=1"`
	WhipsawDetectionPeriods int     `json:"whipsawDetectionPeriods" default:"10" validate:"gte=2"`
	WhipsawMaxChanges       int     `json:"whipsawMaxChanges" default:"3" validate:"gte=1"`
}

// Validate applies struct-tag defaults, runs field validation and the
// cross-field checks that tags cannot express. Called once by Start.
func (c *EngineConfig) Validate() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("apply config defaults: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate engine config: %w", err)
	}
	for _, sc := range []*StrategyConfig{&c.BullishStrategy, &c.BearishStrategy} {
		if sc.BuyThreshold <= sc.SellThreshold {
			return fmt.Errorf("strategy %q: buyThreshold %.3f must exceed sellThreshold %.3f",
				sc.Name, sc.BuyThreshold, sc.SellThreshold)
		}
		if sc.InitialCapital.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("strategy %q: initialCapital must be positive", sc.Name)
		}
	}
	if c.RegimePersistencePeriods > c.RegimeWindow {
		return fmt.Errorf("regimePersistencePeriods %d exceeds regimeWindow %d",
			c.RegimePersistencePeriods, c.RegimeWindow)
	}
	return nil
}

// StrategyFor maps a regime to the active strategy per the configured
// neutral policy.
func (c *EngineConfig) StrategyFor(regime Regime) *StrategyConfig {
	switch regime {
	case RegimeBullish:
		return &c.BullishStrategy
	case RegimeBearish:
		return &c.BearishStrategy
	default:
		if c.NeutralStrategySelection == "bullish" {
			return &c.BullishStrategy
		}
		return &c.BearishStrategy
	}
}
