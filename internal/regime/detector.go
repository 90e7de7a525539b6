// Package regime classifies the market condition into bullish, bearish or
// neutral and smooths the classification over a short rolling history so a
// single noisy candle cannot toggle the active strategy every tick.
package regime

import (
	"github.com/atlas-desktop/regime-trader/internal/indicator"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/atlas-desktop/regime-trader/pkg/utils"
	"go.uber.org/zap"
)

// Config configures the raw classifier.
type Config struct {
	FastPeriod     int     // fast SMA for trend spread
	SlowPeriod     int     // slow SMA for trend spread
	MomentumPeriod int     // ROC lookback
	RSIPeriod      int     // RSI lookback
	NeutralBand    float64 // |score| below this is neutral
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FastPeriod:     10,
		SlowPeriod:     30,
		MomentumPeriod: 10,
		RSIPeriod:      14,
		NeutralBand:    0.15,
	}
}

// Detector computes raw regime readings. It holds no per-session state;
// the persistence buffer lives on the session document and is passed
// through Smooth.
type Detector struct {
	logger *zap.Logger
	config *Config
}

// NewDetector creates a regime detector.
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{logger: logger, config: config}
}

// Classify produces the raw regime reading for the candle window.
// The trend score blends moving-average spread, momentum and RSI bias;
// confidence grows with the score's distance from the neutral band.
func (d *Detector) Classify(candles []types.Candle) (types.RegimeReading, error) {
	closes := indicator.Closes(candles)

	fast, err := indicator.SMA(closes, d.config.FastPeriod)
	if err != nil {
		return types.RegimeReading{}, err
	}
	slow, err := indicator.SMA(closes, d.config.SlowPeriod)
	if err != nil {
		return types.RegimeReading{}, err
	}
	roc, err := indicator.ROC(closes, d.config.MomentumPeriod)
	if err != nil {
		return types.RegimeReading{}, err
	}
	rsi, err := indicator.RSI(closes, d.config.RSIPeriod)
	if err != nil {
		return types.RegimeReading{}, err
	}

	spread := 0.0
	if slow != 0 {
		spread = utils.Clamp((fast-slow)/slow/indicator.DefaultScale, -1, 1)
	}
	momentum := utils.Clamp(roc/indicator.DefaultScale, -1, 1)
	rsiBias := (rsi - 50) / 50

	score := utils.Clamp(0.4*spread+0.4*momentum+0.2*rsiBias, -1, 1)
	vol := indicator.Volatility(candles)

	reading := types.RegimeReading{
		Trend:      score,
		Volatility: vol,
		Indicators: map[string]float64{
			"smaSpread":  spread,
			"momentum":   momentum,
			"rsi":        rsi,
			"volatility": vol,
		},
	}

	band := d.config.NeutralBand
	switch {
	case score > band:
		reading.Regime = types.RegimeBullish
		reading.Confidence = utils.Clamp((score-band)/(1-band), 0, 1)
	case score < -band:
		reading.Regime = types.RegimeBearish
		reading.Confidence = utils.Clamp((-score-band)/(1-band), 0, 1)
	default:
		reading.Regime = types.RegimeNeutral
		if band > 0 {
			reading.Confidence = utils.Clamp((band-absFloat(score))/band, 0, 1)
		}
	}

	d.logger.Debug("regime classified",
		zap.String("regime", string(reading.Regime)),
		zap.Float64("score", score),
		zap.Float64("confidence", reading.Confidence),
		zap.Float64("volatility", vol),
	)

	return reading, nil
}

// Smooth appends the raw label to the session's rolling buffer and derives
// the effective regime: the majority label in the buffer, ties broken
// toward the most recent raw label. Flipping the effective regime away
// from its previous value requires the challenger to hold at least
// persistence votes; with fewer than persistence entries the raw label
// passes through unsmoothed.
func Smooth(history types.RegimeHistory, raw types.Regime, window, persistence int) types.RegimeHistory {
	if window < 1 {
		window = 1
	}
	updated := types.RegimeHistory{
		Raw:       append(append([]types.Regime(nil), history.Raw...), raw),
		Effective: history.Effective,
	}
	if len(updated.Raw) > window {
		updated.Raw = updated.Raw[len(updated.Raw)-window:]
	}

	if len(updated.Raw) < persistence {
		updated.Effective = raw
		return updated
	}

	counts := make(map[types.Regime]int, 3)
	for _, r := range updated.Raw {
		counts[r]++
	}
	majority := raw
	for _, r := range updated.Raw {
		if counts[r] > counts[majority] {
			majority = r
		}
	}
	// Ties resolve to the most recent raw label: walk newest-first and take
	// the first label holding the max count.
	maxCount := counts[majority]
	for i := len(updated.Raw) - 1; i >= 0; i-- {
		if counts[updated.Raw[i]] == maxCount {
			majority = updated.Raw[i]
			break
		}
	}

	prev := history.Effective
	if prev == "" || majority == prev || counts[majority] >= persistence {
		updated.Effective = majority
	} else {
		updated.Effective = prev
	}
	return updated
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
