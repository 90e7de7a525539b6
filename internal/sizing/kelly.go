// Package sizing converts trailing trade outcomes into a bounded position
// size via a fractional Kelly criterion estimate.
// f* = (p*b - q) / b, where p = win rate, q = 1-p, b = win/loss ratio.
package sizing

import (
	"math"

	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/atlas-desktop/regime-trader/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Estimate is the Kelly reading derived from trailing closed trades.
// OK is false when the sample cannot support an estimate; callers fall
// back to the strategy's static MaxPositionPct.
type Estimate struct {
	KellyPct        float64
	FractionalKelly float64
	WinRate         float64
	WinLossRatio    float64
	SampleTrades    int
	OK              bool
	FallbackReason  string
}

// Kelly computes the estimate over the last lookback closed-trade PnLs.
// The sample must hold at least minTrades entries and at least one loss
// (a zero average loss leaves the win/loss ratio undefined).
func Kelly(pnls []float64, lookback, minTrades int, fraction float64) Estimate {
	if lookback > 0 && len(pnls) > lookback {
		pnls = pnls[len(pnls)-lookback:]
	}
	est := Estimate{SampleTrades: len(pnls)}

	if len(pnls) < minTrades {
		est.FallbackReason = "insufficient closed trades"
		return est
	}

	var wins, losses int
	var sumWins, sumLosses float64
	for _, pnl := range pnls {
		if pnl > 0 {
			wins++
			sumWins += pnl
		} else if pnl < 0 {
			losses++
			sumLosses += math.Abs(pnl)
		}
	}

	est.WinRate = float64(wins) / float64(len(pnls))
	if losses == 0 || sumLosses == 0 {
		est.FallbackReason = "no losing trades in sample"
		return est
	}
	avgWin := 0.0
	if wins > 0 {
		avgWin = sumWins / float64(wins)
	}
	avgLoss := sumLosses / float64(losses)
	est.WinLossRatio = avgWin / avgLoss
	if est.WinLossRatio <= 0 {
		est.FallbackReason = "win/loss ratio undefined"
		return est
	}

	kelly := (est.WinRate*est.WinLossRatio - (1 - est.WinRate)) / est.WinLossRatio
	est.KellyPct = utils.Clamp(kelly, 0, 1)
	est.FractionalKelly = est.KellyPct * fraction
	est.OK = true
	return est
}

// Request carries the sizing inputs for one prospective entry.
type Request struct {
	PortfolioValue decimal.Decimal
	Regime         types.Regime
	Strategy       *types.StrategyConfig
	ClosedPnLs     []float64
}

// Result is the sized position plus the audit record of how it was sized.
type Result struct {
	PositionValue decimal.Decimal
	PositionPct   float64
	Audit         types.SizingAudit
}

// Sizer applies the engine's sizing policy.
type Sizer struct {
	logger *zap.Logger
	config *types.EngineConfig
}

// NewSizer creates a position sizer.
func NewSizer(logger *zap.Logger, config *types.EngineConfig) *Sizer {
	return &Sizer{logger: logger, config: config}
}

// Size determines the cash value to commit to an entry. The Kelly estimate
// is always computed and recorded; it only governs sizing when
// DynamicPositionSizing is on and the estimate is usable; otherwise the
// strategy's static MaxPositionPct applies. Bullish regimes scale by the
// configured multiplier and are capped at MaxBullishPosition.
func (s *Sizer) Size(req Request) Result {
	est := Kelly(req.ClosedPnLs, s.config.CircuitBreakerLookback,
		s.config.KellyMinTrades, s.config.KellyFraction)

	pct := req.Strategy.MaxPositionPct
	applied := false
	fallback := est.FallbackReason
	if s.config.DynamicPositionSizing {
		if est.OK {
			pct = math.Min(est.FractionalKelly, req.Strategy.MaxPositionPct)
			applied = true
			fallback = ""
		}
	} else {
		fallback = "dynamic sizing disabled"
	}

	audit := types.SizingAudit{
		KellyApplied:    applied,
		KellyPct:        est.KellyPct,
		FractionalKelly: est.FractionalKelly,
		WinRate:         est.WinRate,
		WinLossRatio:    est.WinLossRatio,
		SampleTrades:    est.SampleTrades,
		FallbackReason:  fallback,
	}

	if req.Regime == types.RegimeBullish {
		pct *= s.config.BullishPositionMultiplier
		audit.BullishMultiplier = s.config.BullishPositionMultiplier
		if pct > s.config.MaxBullishPosition {
			pct = s.config.MaxBullishPosition
		}
	}
	pct = utils.Clamp(pct, 0, 1)
	audit.PositionPct = pct

	value := req.PortfolioValue.Mul(decimal.NewFromFloat(pct))
	s.logger.Debug("position sized",
		zap.Float64("pct", pct),
		zap.Bool("kellyApplied", applied),
		zap.Int("sampleTrades", est.SampleTrades),
	)

	return Result{PositionValue: value, PositionPct: pct, Audit: audit}
}
