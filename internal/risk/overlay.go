// Package risk implements the overlay stack that can veto a prospective
// trade: drawdown circuit breaker, whipsaw detector, volatility filter and
// regime-persistence filter. A veto demotes the tick's action to hold; it
// is a routine business outcome, recorded but never raised as an error.
package risk

import (
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gate names as recorded in TradeAudit.RiskFilters.
const (
	GateCircuitBreaker    = "circuit_breaker"
	GateWhipsaw           = "whipsaw"
	GateVolatility        = "volatility"
	GateRegimePersistence = "regime_persistence"
)

// Inputs carries everything the gates need for one tick. All per-session
// state (peak value, regime history) is owned by the session document and
// passed through here; the stack itself is stateless.
type Inputs struct {
	Action          types.Action
	PortfolioValue  decimal.Decimal
	PeakValue       decimal.Decimal // peak before this tick
	Volatility      float64
	RawRegime       types.Regime
	EffectiveRegime types.Regime
	RegimeHistory   types.RegimeHistory
	ClosedPnLs      []float64 // realized PnL of closed trades, oldest first
}

// Result is the combined verdict for one tick.
type Result struct {
	Allowed  bool
	Verdicts map[string]types.GateVerdict
	NewPeak  decimal.Decimal // updated peak: max(peak, current), never decreases
	Drawdown float64
}

// Stack evaluates the four gates in a fixed order. A trade is allowed only
// if every gate passes; verdicts for all gates are always recorded.
type Stack struct {
	logger *zap.Logger
	config *types.EngineConfig
}

// NewStack creates a risk overlay stack.
func NewStack(logger *zap.Logger, config *types.EngineConfig) *Stack {
	return &Stack{logger: logger, config: config}
}

// Drawdown returns max(0, (peak-current)/peak), or 0 when peak <= 0.
func Drawdown(peak, current decimal.Decimal) float64 {
	if peak.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	dd, _ := peak.Sub(current).Div(peak).Float64()
	if dd < 0 {
		return 0
	}
	return dd
}

// UpdatePeak returns the new peak value: it only ever ratchets upward.
func UpdatePeak(peak, current decimal.Decimal) decimal.Decimal {
	if current.GreaterThan(peak) {
		return current
	}
	return peak
}

// Evaluate runs all gates for the tick. Entry-only gates (whipsaw,
// volatility, regime persistence, trailing win rate) veto buys; the
// drawdown circuit breaker pauses trading in both directions. Recovery
// from a drawdown pause is hysteresis via the peak, not a timer: once the
// portfolio value climbs back under the threshold the gate passes again.
func (s *Stack) Evaluate(in Inputs) Result {
	res := Result{
		Allowed:  true,
		Verdicts: make(map[string]types.GateVerdict, 4),
		NewPeak:  UpdatePeak(in.PeakValue, in.PortfolioValue),
	}
	res.Drawdown = Drawdown(res.NewPeak, in.PortfolioValue)

	isEntry := in.Action == types.ActionBuy

	// Drawdown circuit breaker. The trailing win-rate reading shares the
	// gate: deep drawdown pauses everything, a cold streak only blocks
	// new entries.
	cb := types.GateVerdict{
		Passed:    res.Drawdown < s.config.MaxDrawdown,
		Value:     res.Drawdown,
		Threshold: s.config.MaxDrawdown,
	}
	if !cb.Passed {
		cb.Reason = "drawdown at or above threshold"
	} else if isEntry {
		if winRate, sample := trailingWinRate(in.ClosedPnLs, s.config.CircuitBreakerLookback); sample >= minWinRateSample &&
			winRate < s.config.CircuitBreakerWinRate {
			cb.Passed = false
			cb.Value = winRate
			cb.Threshold = s.config.CircuitBreakerWinRate
			cb.Reason = "trailing win rate below threshold"
		}
	}
	res.Verdicts[GateCircuitBreaker] = cb

	// Whipsaw detector: too many effective-regime flips in the detection
	// window means strategy switching would churn; block new entries.
	changes := in.RegimeHistory.Changes(s.config.WhipsawDetectionPeriods)
	ws := types.GateVerdict{
		Passed:    !isEntry || changes < s.config.WhipsawMaxChanges,
		Value:     float64(changes),
		Threshold: float64(s.config.WhipsawMaxChanges),
	}
	if !ws.Passed {
		ws.Reason = "regime whipsaw detected"
	}
	res.Verdicts[GateWhipsaw] = ws

	// Volatility filter: entries only.
	vf := types.GateVerdict{
		Passed:    !isEntry || in.Volatility <= s.config.MaxVolatility,
		Value:     in.Volatility,
		Threshold: s.config.MaxVolatility,
	}
	if !vf.Passed {
		vf.Reason = "volatility above limit"
	}
	res.Verdicts[GateVolatility] = vf

	// Regime persistence filter: acting on a raw flip that has not yet
	// persisted into the effective regime is premature; entries only.
	agree := in.RawRegime == in.EffectiveRegime
	pf := types.GateVerdict{
		Passed:    !isEntry || agree,
		Threshold: 1,
	}
	if agree {
		pf.Value = 1
	}
	if !pf.Passed {
		pf.Reason = "raw regime disagrees with effective regime"
	}
	res.Verdicts[GateRegimePersistence] = pf

	for name, v := range res.Verdicts {
		if !v.Passed {
			res.Allowed = false
			s.logger.Info("risk gate veto",
				zap.String("gate", name),
				zap.String("action", string(in.Action)),
				zap.Float64("value", v.Value),
				zap.Float64("threshold", v.Threshold),
			)
		}
	}
	return res
}

// minWinRateSample is the smallest closed-trade sample the trailing
// win-rate check will act on.
const minWinRateSample = 5

func trailingWinRate(pnls []float64, lookback int) (float64, int) {
	if lookback > 0 && len(pnls) > lookback {
		pnls = pnls[len(pnls)-lookback:]
	}
	if len(pnls) == 0 {
		return 0, 0
	}
	wins := 0
	for _, p := range pnls {
		if p > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(pnls)), len(pnls)
}
