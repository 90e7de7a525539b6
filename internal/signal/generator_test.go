// Package signal_test provides tests for the signal generator.
package signal_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/signal"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func candleSeries(closes []float64) []types.Candle {
	candles := make([]types.Candle, len(closes))
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		candles[i] = types.Candle{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return candles
}

func generatorConfig(indicators []types.IndicatorSpec) *types.EngineConfig {
	config := &types.EngineConfig{
		BullishStrategy: types.StrategyConfig{
			Name:           "bull",
			Indicators:     indicators,
			BuyThreshold:   0.3,
			SellThreshold:  -0.3,
			InitialCapital: decimal.NewFromInt(10000),
		},
		BearishStrategy: types.StrategyConfig{
			Name:           "bear",
			Indicators:     indicators,
			BuyThreshold:   0.3,
			SellThreshold:  -0.3,
			InitialCapital: decimal.NewFromInt(10000),
		},
	}
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return config
}

func rising(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 * (1 + 0.01*float64(i))
	}
	return closes
}

func falling(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 200 * (1 - 0.01*float64(i))
	}
	return closes
}

func TestGenerateBuySignal(t *testing.T) {
	config := generatorConfig([]types.IndicatorSpec{{Type: "momentum", Weight: 1}})
	gen := signal.NewGenerator(zap.NewNop(), config)

	sig, err := gen.Generate(
		types.RegimeReading{Regime: types.RegimeBullish, Confidence: 0.9},
		types.RegimeBullish,
		candleSeries(rising(40)),
		time.Now(),
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if sig.Action != types.ActionBuy {
		t.Errorf("Expected buy on a strong rally, got %s", sig.Action)
	}
	if !sig.MomentumConfirmed {
		t.Error("Expected momentum confirmation on a strong rally")
	}
	if sig.ActiveStrategy != "bull" {
		t.Errorf("Expected bull strategy active, got %s", sig.ActiveStrategy)
	}
	if sig.Confidence <= 0 || sig.Confidence > 1 {
		t.Errorf("Confidence out of range: %f", sig.Confidence)
	}
	if _, ok := sig.Components["momentum"]; !ok {
		t.Error("Expected momentum component recorded")
	}
}

func TestGenerateSellSignal(t *testing.T) {
	config := generatorConfig([]types.IndicatorSpec{{Type: "momentum", Weight: 1}})
	gen := signal.NewGenerator(zap.NewNop(), config)

	sig, err := gen.Generate(
		types.RegimeReading{Regime: types.RegimeBearish, Confidence: 0.9},
		types.RegimeBearish,
		candleSeries(falling(40)),
		time.Now(),
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if sig.Action != types.ActionSell {
		t.Errorf("Expected sell on a steady decline, got %s", sig.Action)
	}
	if sig.ActiveStrategy != "bear" {
		t.Errorf("Expected bear strategy active, got %s", sig.ActiveStrategy)
	}
}

func TestGenerateMomentumHardGate(t *testing.T) {
	// Rally long past, dead flat recently: the long-period momentum
	// component still screams buy but the confirmation window is flat, so
	// a bullish-regime buy must demote to hold.
	closes := make([]float64, 50)
	for i := 0; i < 36; i++ {
		closes[i] = 100 + 2*float64(i)
	}
	for i := 36; i < 50; i++ {
		closes[i] = 170
	}
	config := generatorConfig([]types.IndicatorSpec{
		{Type: "momentum", Weight: 1, Params: map[string]float64{"period": 40}},
	})
	gen := signal.NewGenerator(zap.NewNop(), config)

	sig, err := gen.Generate(
		types.RegimeReading{Regime: types.RegimeBullish, Confidence: 0.9},
		types.RegimeBullish,
		candleSeries(closes),
		time.Now(),
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if sig.MomentumConfirmed {
		t.Error("Expected momentum unconfirmed with a flat recent window")
	}
	if sig.Action != types.ActionHold {
		t.Errorf("Expected buy demoted to hold, got %s", sig.Action)
	}
	if sig.Value < config.BullishStrategy.BuyThreshold {
		t.Errorf("Expected composite above buy threshold, got %f", sig.Value)
	}

	// The same setup outside a bullish regime is not gated on momentum.
	sig, err = gen.Generate(
		types.RegimeReading{Regime: types.RegimeBearish, Confidence: 0.9},
		types.RegimeBearish,
		candleSeries(closes),
		time.Now(),
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if sig.Action != types.ActionBuy {
		t.Errorf("Expected buy without the bullish momentum gate, got %s", sig.Action)
	}
}

func TestGenerateHoldWhenNoIndicatorComputes(t *testing.T) {
	config := generatorConfig([]types.IndicatorSpec{{Type: "rsi", Weight: 1}})
	gen := signal.NewGenerator(zap.NewNop(), config)

	sig, err := gen.Generate(
		types.RegimeReading{Regime: types.RegimeNeutral},
		types.RegimeNeutral,
		candleSeries(rising(3)), // too short for any indicator
		time.Now(),
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if sig.Action != types.ActionHold {
		t.Errorf("Expected hold with no computable indicators, got %s", sig.Action)
	}
	if sig.Confidence != 0 || sig.Value != 0 {
		t.Errorf("Expected zero-confidence hold, got value=%f confidence=%f",
			sig.Value, sig.Confidence)
	}
}

func TestGenerateNeutralUsesConfiguredStrategy(t *testing.T) {
	config := generatorConfig([]types.IndicatorSpec{{Type: "momentum", Weight: 1}})
	gen := signal.NewGenerator(zap.NewNop(), config)

	sig, err := gen.Generate(
		types.RegimeReading{Regime: types.RegimeNeutral, Confidence: 0.5},
		types.RegimeNeutral,
		candleSeries(rising(40)),
		time.Now(),
	)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if sig.ActiveStrategy != "bear" {
		t.Errorf("Expected neutral to map to the bearish strategy, got %s", sig.ActiveStrategy)
	}
}
