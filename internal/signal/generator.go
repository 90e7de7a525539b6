// Package signal produces the per-tick trading decision from the effective
// regime and the configured dual-strategy parameter sets.
package signal

import (
	"errors"
	"math"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/indicator"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"go.uber.org/zap"
)

// Generator computes weighted composite signals. Stateless; the engine
// config it closes over is immutable for the session's lifetime.
type Generator struct {
	logger *zap.Logger
	config *types.EngineConfig
}

// NewGenerator creates a signal generator.
func NewGenerator(logger *zap.Logger, config *types.EngineConfig) *Generator {
	return &Generator{logger: logger, config: config}
}

// Generate evaluates the active strategy's indicators against the candle
// window and emits the decision record for this tick.
//
// The strategy is selected by the effective (smoothed) regime. The raw
// regime rides along for the persistence risk gate. Indicators that lack
// data are skipped; if none can be computed the signal degrades to a
// zero-confidence hold rather than an error.
func (g *Generator) Generate(
	effective types.RegimeReading,
	rawRegime types.Regime,
	candles []types.Candle,
	now time.Time,
) (*types.Signal, error) {
	strategy := g.config.StrategyFor(effective.Regime)

	sig := &types.Signal{
		Regime:         effective,
		RawRegime:      rawRegime,
		ActiveStrategy: strategy.Name,
		Action:         types.ActionHold,
		Components:     make(map[string]float64, len(strategy.Indicators)),
		Timestamp:      now,
	}

	var weightSum, composite float64
	type component struct {
		value  float64
		weight float64
	}
	computed := make([]component, 0, len(strategy.Indicators))

	for _, spec := range strategy.Indicators {
		value, err := indicator.Compute(spec, candles)
		if err != nil {
			if errors.Is(err, indicator.ErrInsufficientData) {
				g.logger.Debug("indicator skipped",
					zap.String("type", spec.Type),
					zap.Int("candles", len(candles)),
				)
				continue
			}
			return nil, err
		}
		sig.Components[spec.Type] = value
		computed = append(computed, component{value: value, weight: spec.Weight})
		weightSum += spec.Weight
		composite += value * spec.Weight
	}

	if len(computed) == 0 || weightSum == 0 {
		// Not enough history for any configured indicator: hold.
		return sig, nil
	}
	composite /= weightSum
	sig.Value = composite

	// Signal confidence scales with agreement among the component
	// indicators: the weight fraction pointing the same way as the
	// composite, damped by the composite's own magnitude.
	var agreeing float64
	for _, c := range computed {
		if c.value*composite > 0 || composite == 0 {
			agreeing += c.weight
		}
	}
	sig.Confidence = (agreeing / weightSum) * math.Abs(composite)
	if sig.Confidence > 1 {
		sig.Confidence = 1
	}

	sig.MomentumConfirmed = g.momentumConfirmed(candles, composite)

	switch {
	case composite >= strategy.BuyThreshold:
		sig.Action = types.ActionBuy
	case composite <= strategy.SellThreshold:
		sig.Action = types.ActionSell
	}

	// In bullish regimes a buy is only actionable with momentum agreement.
	// This is a hard gate, not a score adjustment.
	if sig.Action == types.ActionBuy &&
		effective.Regime == types.RegimeBullish &&
		!sig.MomentumConfirmed {
		g.logger.Debug("buy demoted to hold: momentum not confirmed",
			zap.Float64("signal", composite),
		)
		sig.Action = types.ActionHold
	}

	return sig, nil
}

// momentumConfirmed checks the secondary momentum indicator: its direction
// must agree with the composite and its magnitude must clear the
// confirmation threshold.
func (g *Generator) momentumConfirmed(candles []types.Candle, composite float64) bool {
	closes := indicator.Closes(candles)
	roc, err := indicator.ROC(closes, indicator.DefaultPeriod)
	if err != nil {
		return false
	}
	normalized := roc / indicator.DefaultScale
	if normalized > 1 {
		normalized = 1
	} else if normalized < -1 {
		normalized = -1
	}
	if normalized*composite <= 0 {
		return false
	}
	return math.Abs(normalized) >= g.config.MomentumConfirmationThreshold
}
