// Package sizing_test provides tests for Kelly position sizing.
package sizing_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/regime-trader/internal/sizing"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func sizingConfig(dynamic bool) *types.EngineConfig {
	config := &types.EngineConfig{
		BullishStrategy: types.StrategyConfig{
			Name:           "bull",
			Indicators:     []types.IndicatorSpec{{Type: "sma", Weight: 1}},
			BuyThreshold:   0.3,
			SellThreshold:  -0.3,
			MaxPositionPct: 0.1,
			InitialCapital: decimal.NewFromInt(10000),
		},
		BearishStrategy: types.StrategyConfig{
			Name:           "bear",
			Indicators:     []types.IndicatorSpec{{Type: "rsi", Weight: 1}},
			BuyThreshold:   0.5,
			SellThreshold:  -0.2,
			MaxPositionPct: 0.05,
			InitialCapital: decimal.NewFromInt(10000),
		},
		DynamicPositionSizing: dynamic,
	}
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return config
}

func TestKellyInsufficientTrades(t *testing.T) {
	est := sizing.Kelly([]float64{10, -5}, 20, 10, 0.25)
	if est.OK {
		t.Error("Expected estimate to be unusable with too few trades")
	}
	if est.FallbackReason == "" {
		t.Error("Expected a fallback reason")
	}
}

func TestKellyNoLosses(t *testing.T) {
	pnls := make([]float64, 12)
	for i := range pnls {
		pnls[i] = 10
	}
	est := sizing.Kelly(pnls, 20, 10, 0.25)
	if est.OK {
		t.Error("Expected estimate to be unusable with no losing trades")
	}
}

func TestKellyNeverNegative(t *testing.T) {
	// Uniformly losing history drives the raw Kelly fraction negative;
	// the estimate must clamp to zero, never suggest a short.
	pnls := make([]float64, 12)
	for i := range pnls {
		pnls[i] = -10
	}
	pnls[0] = 1 // one tiny win so the ratio is defined
	est := sizing.Kelly(pnls, 20, 10, 0.25)
	if !est.OK {
		t.Fatalf("Expected usable estimate, fallback: %s", est.FallbackReason)
	}
	if est.KellyPct != 0 {
		t.Errorf("Expected Kelly clamped to 0, got %f", est.KellyPct)
	}
}

func TestKellyKnownValue(t *testing.T) {
	// 60% win rate, avg win 20, avg loss 10: b=2,
	// f* = (0.6*2 - 0.4)/2 = 0.4, quarter Kelly = 0.1.
	pnls := []float64{20, 20, 20, 20, 20, 20, -10, -10, -10, -10}
	est := sizing.Kelly(pnls, 20, 10, 0.25)
	if !est.OK {
		t.Fatalf("Expected usable estimate, fallback: %s", est.FallbackReason)
	}
	if math.Abs(est.KellyPct-0.4) > 1e-9 {
		t.Errorf("Expected Kelly 0.4, got %f", est.KellyPct)
	}
	if math.Abs(est.FractionalKelly-0.1) > 1e-9 {
		t.Errorf("Expected fractional Kelly 0.1, got %f", est.FractionalKelly)
	}
}

func TestSizeStaticFallback(t *testing.T) {
	config := sizingConfig(true)
	sizer := sizing.NewSizer(zap.NewNop(), config)

	res := sizer.Size(sizing.Request{
		PortfolioValue: decimal.NewFromInt(10000),
		Regime:         types.RegimeBearish,
		Strategy:       &config.BearishStrategy,
		ClosedPnLs:     nil, // no history yet
	})
	if res.Audit.KellyApplied {
		t.Error("Expected static sizing without trade history")
	}
	if res.PositionPct != 0.05 {
		t.Errorf("Expected bearish MaxPositionPct 0.05, got %f", res.PositionPct)
	}
	if !res.PositionValue.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected position value 500, got %s", res.PositionValue)
	}
}

func TestSizeKellyCappedByStrategy(t *testing.T) {
	config := sizingConfig(true)
	sizer := sizing.NewSizer(zap.NewNop(), config)

	// Strong edge: fractional Kelly well above the strategy cap.
	pnls := []float64{50, 50, 50, 50, 50, 50, 50, 50, -5, -5}
	res := sizer.Size(sizing.Request{
		PortfolioValue: decimal.NewFromInt(10000),
		Regime:         types.RegimeBearish,
		Strategy:       &config.BearishStrategy,
		ClosedPnLs:     pnls,
	})
	if !res.Audit.KellyApplied {
		t.Fatalf("Expected Kelly sizing, fallback: %s", res.Audit.FallbackReason)
	}
	if res.PositionPct > config.BearishStrategy.MaxPositionPct {
		t.Errorf("Position pct %f exceeds strategy cap %f",
			res.PositionPct, config.BearishStrategy.MaxPositionPct)
	}
}

func TestSizeBullishMultiplierAndCap(t *testing.T) {
	config := sizingConfig(false)
	config.BullishPositionMultiplier = 3
	sizer := sizing.NewSizer(zap.NewNop(), config)

	res := sizer.Size(sizing.Request{
		PortfolioValue: decimal.NewFromInt(10000),
		Regime:         types.RegimeBullish,
		Strategy:       &config.BullishStrategy,
	})
	// 0.1 * 3 = 0.3, capped at MaxBullishPosition 0.25.
	if res.PositionPct != config.MaxBullishPosition {
		t.Errorf("Expected bullish cap %f, got %f", config.MaxBullishPosition, res.PositionPct)
	}
	if res.Audit.BullishMultiplier != 3 {
		t.Errorf("Expected multiplier 3 in audit, got %f", res.Audit.BullishMultiplier)
	}
}

func TestSizeDynamicDisabled(t *testing.T) {
	config := sizingConfig(false)
	sizer := sizing.NewSizer(zap.NewNop(), config)

	pnls := []float64{20, 20, 20, 20, 20, 20, -10, -10, -10, -10}
	res := sizer.Size(sizing.Request{
		PortfolioValue: decimal.NewFromInt(10000),
		Regime:         types.RegimeBearish,
		Strategy:       &config.BearishStrategy,
		ClosedPnLs:     pnls,
	})
	if res.Audit.KellyApplied {
		t.Error("Expected static sizing with dynamic sizing disabled")
	}
	if res.Audit.KellyPct == 0 {
		t.Error("Expected the Kelly estimate still recorded in the audit")
	}
}
