// Package analytics derives performance metrics from a session's trade
// ledger and portfolio history. Strictly read-only: it is consumed by
// reporting, never by the engine's decision path.
package analytics

import (
	"encoding/json"
	"math"
	"time"

	"github.com/atlas-desktop/regime-trader/pkg/types"
	"go.uber.org/zap"
)

// Ratio is a float64 that survives JSON round trips when infinite.
// Profit factor is defined as +Inf when there are wins and no losses.
type Ratio float64

// MarshalJSON renders infinities as the string "Infinity".
func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	if math.IsInf(f, 1) {
		return json.Marshal("Infinity")
	}
	if math.IsInf(f, -1) {
		return json.Marshal("-Infinity")
	}
	return json.Marshal(f)
}

// UnmarshalJSON accepts both the numeric and the "Infinity" string forms.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "Infinity":
			*r = Ratio(math.Inf(1))
		case "-Infinity":
			*r = Ratio(math.Inf(-1))
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Bucket aggregates trade outcomes for one attribution key.
type Bucket struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"winRate"`
	TotalPnL float64 `json:"totalPnl"`
}

// Report is the full performance summary for one session.
type Report struct {
	SessionID        string    `json:"sessionId"`
	Asset            string    `json:"asset"`
	GeneratedAt      time.Time `json:"generatedAt"`
	TotalReturn      float64   `json:"totalReturn"`
	AnnualizedReturn float64   `json:"annualizedReturn"`
	SharpeRatio      float64   `json:"sharpeRatio"`
	SortinoRatio     float64   `json:"sortinoRatio"`
	CalmarRatio      float64   `json:"calmarRatio"`
	MaxDrawdown      float64   `json:"maxDrawdown"`
	CurrentDrawdown  float64   `json:"currentDrawdown"`
	TotalTrades      int       `json:"totalTrades"`
	ClosedTrades     int       `json:"closedTrades"`
	WinningTrades    int       `json:"winningTrades"`
	LosingTrades     int       `json:"losingTrades"`
	WinRate          float64   `json:"winRate"`
	ProfitFactor     Ratio     `json:"profitFactor"`
	AvgWin           float64   `json:"avgWin"`
	AvgLoss          float64   `json:"avgLoss"`
	Expectancy       float64   `json:"expectancy"`

	ByRegime   map[types.Regime]*Bucket `json:"byRegime"`
	ByStrategy map[string]*Bucket       `json:"byStrategy"`
}

// Calculator computes session performance reports.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a metrics calculator.
func NewCalculator(logger *zap.Logger) *Calculator {
	return &Calculator{logger: logger}
}

// Performance builds the full report for a session.
func (c *Calculator) Performance(session *types.Session) *Report {
	report := &Report{
		SessionID:   session.ID,
		Asset:       session.Asset,
		GeneratedAt: time.Now().UTC(),
		ByRegime:    make(map[types.Regime]*Bucket),
		ByStrategy:  make(map[string]*Bucket),
	}

	c.tradeMetrics(session, report)
	c.returnMetrics(session, report)
	c.attribution(session, report)

	return report
}

// ProfitFactor returns totalWins/totalLosses with the documented
// sentinels: +Inf when losses are zero and wins positive, 0 when both are
// zero.
func ProfitFactor(totalWins, totalLosses float64) Ratio {
	if totalLosses == 0 {
		if totalWins > 0 {
			return Ratio(math.Inf(1))
		}
		return 0
	}
	return Ratio(totalWins / totalLosses)
}

func (c *Calculator) tradeMetrics(session *types.Session, report *Report) {
	report.TotalTrades = len(session.Trades)

	var totalWins, totalLosses float64
	for _, t := range session.ClosedSells() {
		if t.PnL == nil {
			continue
		}
		report.ClosedTrades++
		pnl, _ := t.PnL.Float64()
		if pnl > 0 {
			report.WinningTrades++
			totalWins += pnl
		} else if pnl < 0 {
			report.LosingTrades++
			totalLosses += math.Abs(pnl)
		}
	}

	if report.ClosedTrades > 0 {
		report.WinRate = float64(report.WinningTrades) / float64(report.ClosedTrades)
	}
	if report.WinningTrades > 0 {
		report.AvgWin = totalWins / float64(report.WinningTrades)
	}
	if report.LosingTrades > 0 {
		report.AvgLoss = totalLosses / float64(report.LosingTrades)
	}
	report.ProfitFactor = ProfitFactor(totalWins, totalLosses)
	report.Expectancy = report.WinRate*report.AvgWin - (1-report.WinRate)*report.AvgLoss
}

func (c *Calculator) returnMetrics(session *types.Session, report *Report) {
	history := session.PortfolioHistory
	if len(history) == 0 {
		return
	}

	initial, _ := session.Portfolio.InitialCapital.Float64()
	final, _ := history[len(history)-1].TotalValue.Float64()
	if initial > 0 {
		report.TotalReturn = (final - initial) / initial
	}

	returns := periodicReturns(history)
	periodsPerYear := types.Timeframe1h.PeriodsPerYear()
	if session.Config != nil {
		periodsPerYear = session.Config.BullishStrategy.Timeframe.PeriodsPerYear()
	}

	if len(returns) > 0 {
		report.AnnualizedReturn = mean(returns) * periodsPerYear
	}
	if len(returns) > 1 {
		if sd := stdDev(returns); sd > 0 {
			report.SharpeRatio = mean(returns) / sd * math.Sqrt(periodsPerYear)
		}
		if dd := downsideDeviation(returns); dd > 0 {
			report.SortinoRatio = mean(returns) / dd * math.Sqrt(periodsPerYear)
		}
	}

	report.MaxDrawdown, report.CurrentDrawdown = drawdowns(history)
	if report.MaxDrawdown > 0 {
		report.CalmarRatio = report.AnnualizedReturn / report.MaxDrawdown
	}
}

func (c *Calculator) attribution(session *types.Session, report *Report) {
	for _, t := range session.ClosedSells() {
		if t.PnL == nil || t.Audit == nil {
			continue
		}
		pnl, _ := t.PnL.Float64()
		record := func(b *Bucket) {
			b.Trades++
			if pnl > 0 {
				b.Wins++
			} else if pnl < 0 {
				b.Losses++
			}
			b.TotalPnL += pnl
			b.WinRate = float64(b.Wins) / float64(b.Trades)
		}

		rb, ok := report.ByRegime[t.Audit.Regime]
		if !ok {
			rb = &Bucket{}
			report.ByRegime[t.Audit.Regime] = rb
		}
		record(rb)

		sb, ok := report.ByStrategy[t.Audit.ActiveStrategy]
		if !ok {
			sb = &Bucket{}
			report.ByStrategy[t.Audit.ActiveStrategy] = sb
		}
		record(sb)
	}
}

// drawdowns walks the history once: max drawdown over the full series and
// the drawdown at the final point.
func drawdowns(history []types.PortfolioSnapshot) (maxDD, currentDD float64) {
	if len(history) == 0 {
		return 0, 0
	}
	peak, _ := history[0].TotalValue.Float64()
	for _, snap := range history {
		v, _ := snap.TotalValue.Float64()
		if v > peak {
			peak = v
		}
		currentDD = 0
		if peak > 0 {
			currentDD = (peak - v) / peak
		}
		if currentDD > maxDD {
			maxDD = currentDD
		}
	}
	return maxDD, currentDD
}

func periodicReturns(history []types.PortfolioSnapshot) []float64 {
	if len(history) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev, _ := history[i-1].TotalValue.Float64()
		curr, _ := history[i].TotalValue.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (curr-prev)/prev)
	}
	return returns
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		diff := v - m
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	return stdDev(negative)
}
