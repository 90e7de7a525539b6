// Package types provides shared type definitions for the paper trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime represents a classified market condition.
type Regime string

const (
	RegimeBullish Regime = "bullish"
	RegimeBearish Regime = "bearish"
	RegimeNeutral Regime = "neutral"
)

// TradeSide represents buy or sell.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Action is the decision produced for a tick.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Outcome classifies a closed trade.
type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// SessionStatus is the lifecycle state of a paper trading session.
type SessionStatus string

const (
	SessionActive           SessionStatus = "active"
	SessionEmergencyStopped SessionStatus = "emergency_stopped"
	SessionStopped          SessionStatus = "stopped"
)

// Timeframe represents candle timeframes.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the wall-clock length of one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// PeriodsPerYear returns how many candles of this timeframe fit in a year.
// Used to annualize Sharpe/Sortino.
func (tf Timeframe) PeriodsPerYear() float64 {
	return float64(365*24*time.Hour) / float64(tf.Duration())
}

// Candle represents a single OHLCV bar. Immutable, ascending by timestamp.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// RegimeReading is a single classification of the market condition.
type RegimeReading struct {
	Regime     Regime             `json:"regime"`
	Confidence float64            `json:"confidence"` // 0-1
	Volatility float64            `json:"volatility"` // stdev of per-candle returns
	Trend      float64            `json:"trend"`      // -1..1
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// RegimeHistory is the rolling persistence buffer owned by the session
// document. It is a plain value so it travels with the session through the
// store instead of living in process memory.
type RegimeHistory struct {
	Raw          []Regime `json:"raw"`                    // newest last, capped at the smoothing window
	Effective    Regime   `json:"effective,omitempty"`    // last smoothed label
	EffectiveLog []Regime `json:"effectiveLog,omitempty"` // per-tick effective labels, newest last
}

// LogEffective appends the current effective label to the per-tick log,
// keeping at most depth entries.
func (h RegimeHistory) LogEffective(depth int) RegimeHistory {
	h.EffectiveLog = append(append([]Regime(nil), h.EffectiveLog...), h.Effective)
	if depth > 0 && len(h.EffectiveLog) > depth {
		h.EffectiveLog = h.EffectiveLog[len(h.EffectiveLog)-depth:]
	}
	return h
}

// Changes counts effective-label flips over the last n logged ticks.
func (h RegimeHistory) Changes(n int) int {
	labels := h.EffectiveLog
	if n > 0 && len(labels) > n {
		labels = labels[len(labels)-n:]
	}
	changes := 0
	for i := 1; i < len(labels); i++ {
		if labels[i] != labels[i-1] {
			changes++
		}
	}
	return changes
}

// Signal is the structured decision record produced fresh each tick.
type Signal struct {
	Regime            RegimeReading      `json:"regime"`
	RawRegime         Regime             `json:"rawRegime"`
	ActiveStrategy    string             `json:"activeStrategy"`
	Value             float64            `json:"signal"`     // composite, -1..1
	Confidence        float64            `json:"confidence"` // 0-1
	Action            Action             `json:"action"`
	MomentumConfirmed bool               `json:"momentumConfirmed"`
	Components        map[string]float64 `json:"components,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}

// GateVerdict records a single risk gate's decision for the audit trail.
type GateVerdict struct {
	Passed    bool    `json:"passed"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason,omitempty"`
}

// SizingAudit records position-sizing inputs and outputs at execution time.
type SizingAudit struct {
	KellyApplied      bool    `json:"kellyApplied"`
	KellyPct          float64 `json:"kellyPct"`
	FractionalKelly   float64 `json:"fractionalKelly"`
	WinRate           float64 `json:"winRate"`
	WinLossRatio      float64 `json:"winLossRatio"`
	SampleTrades      int     `json:"sampleTrades"`
	PositionPct       float64 `json:"positionPct"`
	FallbackReason    string  `json:"fallbackReason,omitempty"`
	BullishMultiplier float64 `json:"bullishMultiplier,omitempty"`
}

// SellOutcome is the sell-side audit block: outcome classification and
// excursion statistics for the round trip being closed.
type SellOutcome struct {
	Outcome       Outcome `json:"outcome"`
	ROI           float64 `json:"roi"`
	HoldingPeriod string  `json:"holdingPeriod"`
	MaxFavorable  float64 `json:"maxFavorableExcursion"`
	MaxAdverse    float64 `json:"maxAdverseExcursion"`
	ExitReason    string  `json:"exitReason"`
}

// TradeAudit is the immutable snapshot taken at execution time. Write-once;
// consumed only by reporting.
type TradeAudit struct {
	Regime           Regime                 `json:"regime"`
	RegimeConfidence float64                `json:"regimeConfidence"`
	ActiveStrategy   string                 `json:"activeStrategy"`
	IndicatorSignals map[string]float64     `json:"indicatorSignals,omitempty"`
	BuyThreshold     float64                `json:"buyThreshold"`
	SellThreshold    float64                `json:"sellThreshold"`
	Volatility       float64                `json:"volatility"`
	Volume           decimal.Decimal        `json:"volume"`
	Trend            float64                `json:"trend"`
	RiskFilters      map[string]GateVerdict `json:"riskFilters,omitempty"`
	Sizing           *SizingAudit           `json:"sizing,omitempty"`
	Sell             *SellOutcome           `json:"sell,omitempty"`
}

// Trade represents one executed paper trade.
type Trade struct {
	ID             string           `json:"id"`
	Type           TradeSide        `json:"type"`
	Timestamp      time.Time        `json:"timestamp"`
	Price          decimal.Decimal  `json:"price"`
	AssetAmount    decimal.Decimal  `json:"assetAmount"`
	CashAmount     decimal.Decimal  `json:"cashAmount"`
	Signal         float64          `json:"signal"`
	Confidence     float64          `json:"confidence"`
	PortfolioValue decimal.Decimal  `json:"portfolioValue"`
	PnL            *decimal.Decimal `json:"pnl,omitempty"`
	CostBasis      *decimal.Decimal `json:"costBasis,omitempty"`
	FullySold      bool             `json:"fullySold,omitempty"`
	Audit          *TradeAudit      `json:"audit,omitempty"`
}

// PortfolioSnapshot is one point of the session's value time series.
// Appended every tick, never mutated.
type PortfolioSnapshot struct {
	Timestamp    time.Time       `json:"timestamp"`
	CashBalance  decimal.Decimal `json:"cashBalance"`
	AssetBalance decimal.Decimal `json:"assetBalance"`
	AssetPrice   decimal.Decimal `json:"assetPrice"`
	TotalValue   decimal.Decimal `json:"totalValue"`
}

// Portfolio is the session's current balances. AvgCost carries the
// average-cost basis of the open asset position.
type Portfolio struct {
	CashBalance    decimal.Decimal `json:"cashBalance"`
	AssetBalance   decimal.Decimal `json:"assetBalance"`
	TotalValue     decimal.Decimal `json:"totalValue"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	AvgCost        decimal.Decimal `json:"avgCost"`
}

// TotalValueAt returns cash + asset * price.
func (p Portfolio) TotalValueAt(price decimal.Decimal) decimal.Decimal {
	return p.CashBalance.Add(p.AssetBalance.Mul(price))
}

// Session is the persisted paper trading session document. It is the unit
// of mutation: only the session engine writes it, read-modify-write per
// tick, guarded by the per-asset lock and the Version check in the store.
type Session struct {
	ID                 string              `json:"id"`
	Asset              string              `json:"asset"`
	Name               string              `json:"name,omitempty"`
	StartedAt          time.Time           `json:"startedAt"`
	Status             SessionStatus       `json:"status"`
	Version            int64               `json:"version"`
	Config             *EngineConfig       `json:"config"`
	Portfolio          Portfolio           `json:"portfolio"`
	Trades             []Trade             `json:"trades"`
	PortfolioHistory   []PortfolioSnapshot `json:"portfolioHistory"`
	RegimeHistory      RegimeHistory       `json:"regimeHistory"`
	PeakValue          decimal.Decimal     `json:"peakValue"`
	IsEmergencyStopped bool                `json:"isEmergencyStopped"`
	EmergencyStoppedAt *time.Time          `json:"emergencyStoppedAt,omitempty"`
}

// OpenBuys returns the buy trades whose inventory has not been fully sold.
func (s *Session) OpenBuys() []*Trade {
	var open []*Trade
	for i := range s.Trades {
		t := &s.Trades[i]
		if t.Type == TradeSideBuy && !t.FullySold {
			open = append(open, t)
		}
	}
	return open
}

// ClosedSells returns sell trades in chronological order.
func (s *Session) ClosedSells() []*Trade {
	var sells []*Trade
	for i := range s.Trades {
		t := &s.Trades[i]
		if t.Type == TradeSideSell {
			sells = append(sells, t)
		}
	}
	return sells
}
