package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/analytics"
	"github.com/atlas-desktop/regime-trader/internal/data"
	"github.com/atlas-desktop/regime-trader/internal/indicator"
	"github.com/atlas-desktop/regime-trader/internal/lock"
	"github.com/atlas-desktop/regime-trader/internal/metrics"
	"github.com/atlas-desktop/regime-trader/internal/regime"
	"github.com/atlas-desktop/regime-trader/internal/risk"
	"github.com/atlas-desktop/regime-trader/internal/signal"
	"github.com/atlas-desktop/regime-trader/internal/sizing"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/atlas-desktop/regime-trader/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvariantViolation means a tick would have produced an inconsistent
// portfolio (negative balance, value mismatch). The session document is
// not written when this fires.
var ErrInvariantViolation = errors.New("portfolio invariant violation")

// Event is pushed to subscribers after durable state changes.
type Event struct {
	Type      string    `json:"type"`
	Asset     string    `json:"asset"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types.
const (
	EventSessionStarted   = "session_started"
	EventSessionStopped   = "session_stopped"
	EventEmergencyStop    = "emergency_stop"
	EventSessionResumed   = "session_resumed"
	EventTrade            = "trade"
	EventSnapshot         = "snapshot"
	EventRegimeChange     = "regime_change"
)

// Publisher receives engine events. Publish must not block; the engine
// calls it after the session document has been persisted.
type Publisher interface {
	Publish(event Event)
}

// Deps are the engine's collaborators. Metrics and Publisher are optional.
type Deps struct {
	Logger    *zap.Logger
	Store     Store
	Candles   data.CandleSource
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Publisher Publisher
	Now       func() time.Time
}

// Engine drives paper trading sessions: it owns the lifecycle operations
// and the per-tick decision pipeline. All session mutation flows through
// the engine under the per-asset lock; every tick is a single
// read-decide-write cycle against the store.
type Engine struct {
	logger    *zap.Logger
	store     Store
	candles   data.CandleSource
	locker    lock.Locker
	metrics   *metrics.Metrics
	publisher Publisher
	now       func() time.Time

	detector *regime.Detector
	perf     *analytics.Calculator
}

// NewEngine creates the session engine.
func NewEngine(d Deps) *Engine {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		logger:    d.Logger,
		store:     d.Store,
		candles:   d.Candles,
		locker:    d.Locker,
		metrics:   d.Metrics,
		publisher: d.Publisher,
		now:       d.Now,
		detector:  regime.NewDetector(d.Logger, regime.DefaultConfig()),
		perf:      analytics.NewCalculator(d.Logger),
	}
}

// TickResult is what one Update produced.
type TickResult struct {
	Session  *types.Session               `json:"session"`
	Signal   *types.Signal                `json:"signal,omitempty"`
	Verdicts map[string]types.GateVerdict `json:"riskFilters,omitempty"`
	Trade    *types.Trade                 `json:"trade,omitempty"`
	Skipped  string                       `json:"skipped,omitempty"`
}

func lockKey(asset string) string {
	return "session:" + asset
}

// Start creates and persists a new session for the asset. The config is
// validated exactly once here; an active or emergency-stopped session for
// the same asset blocks a new start.
func (e *Engine) Start(ctx context.Context, asset, name string, config *types.EngineConfig) (*types.Session, error) {
	release, err := e.locker.Acquire(ctx, lockKey(asset))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	existing, err := e.store.Get(ctx, asset)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status != types.SessionStopped {
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionExists, asset, existing.Status)
	}

	capital := config.BullishStrategy.InitialCapital
	session := &types.Session{
		ID:        utils.GenerateSessionID(),
		Asset:     asset,
		Name:      name,
		StartedAt: e.now(),
		Status:    types.SessionActive,
		Config:    config,
		Portfolio: types.Portfolio{
			CashBalance:    capital,
			TotalValue:     capital,
			InitialCapital: capital,
		},
		PeakValue: capital,
	}
	if existing != nil {
		// Replacing a stopped session: carry its version so the
		// optimistic check in Put passes.
		session.Version = existing.Version
	}

	if err := e.store.Put(ctx, session); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
	}
	e.publish(Event{Type: EventSessionStarted, Asset: asset, Payload: session, Timestamp: session.StartedAt})
	e.logger.Info("session started",
		zap.String("asset", asset),
		zap.String("sessionId", session.ID),
		zap.String("initialCapital", capital.String()),
	)
	return session, nil
}

// Update runs one decision tick for the asset's session: fetch candles,
// classify and smooth the regime, generate the signal, evaluate the risk
// gates, execute at most one trade, and append the portfolio snapshot.
// The whole tick commits as a single store write.
func (e *Engine) Update(ctx context.Context, asset string) (*TickResult, error) {
	started := e.now()
	release, err := e.locker.Acquire(ctx, lockKey(asset))
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := e.store.Get(ctx, asset)
	if err != nil {
		return nil, err
	}
	if session.Status == types.SessionStopped {
		return nil, fmt.Errorf("%w: %s", ErrSessionStopped, asset)
	}

	result, err := e.tick(ctx, session)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.TicksTotal.WithLabelValues(asset, outcome).Inc()
		e.metrics.TickDuration.Observe(e.now().Sub(started).Seconds())
	}
	return result, err
}

func (e *Engine) tick(ctx context.Context, session *types.Session) (*TickResult, error) {
	config := session.Config
	asset := session.Asset
	now := e.now()

	candles, err := e.candles.LatestCandles(ctx, asset,
		config.BullishStrategy.Timeframe, config.LookbackCandles)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: %s", data.ErrNoData, asset)
	}
	price := candles[len(candles)-1].Close

	reading, err := e.detector.Classify(candles)
	if err != nil {
		if !errors.Is(err, indicator.ErrInsufficientData) {
			return nil, err
		}
		// Too few candles to classify. Hold and keep the value series
		// unbroken rather than failing the tick.
		e.logger.Debug("holding: not enough candles to classify regime",
			zap.String("asset", asset),
			zap.Int("candles", len(candles)),
		)
		result := &TickResult{Session: session, Skipped: "insufficient candles, holding"}
		e.snapshot(session, price, now)
		if err := e.commit(ctx, session); err != nil {
			return nil, err
		}
		return result, nil
	}
	raw := reading.Regime
	prevEffective := session.RegimeHistory.Effective
	session.RegimeHistory = regime.Smooth(session.RegimeHistory, raw,
		config.RegimeWindow, config.RegimePersistencePeriods)
	session.RegimeHistory = session.RegimeHistory.LogEffective(config.WhipsawDetectionPeriods)
	effective := reading
	effective.Regime = session.RegimeHistory.Effective

	result := &TickResult{Session: session}

	if session.Status == types.SessionEmergencyStopped {
		// Observation continues while trading is halted: the regime
		// history and value series keep recording.
		result.Skipped = "session emergency stopped"
		e.snapshot(session, price, now)
		if err := e.commit(ctx, session); err != nil {
			return nil, err
		}
		return result, nil
	}

	sig, err := signal.NewGenerator(e.logger, config).Generate(effective, raw, candles, now)
	if err != nil {
		return nil, err
	}
	result.Signal = sig

	if sig.Action == types.ActionBuy && effective.Confidence < config.RegimeConfidenceThreshold {
		e.logger.Debug("buy demoted to hold: regime confidence below threshold",
			zap.Float64("confidence", effective.Confidence),
		)
		sig.Action = types.ActionHold
		result.Skipped = "regime confidence below threshold"
	}

	pnls := closedPnLs(session)
	gates := risk.NewStack(e.logger, config).Evaluate(risk.Inputs{
		Action:          sig.Action,
		PortfolioValue:  session.Portfolio.TotalValueAt(price),
		PeakValue:       session.PeakValue,
		Volatility:      reading.Volatility,
		RawRegime:       raw,
		EffectiveRegime: effective.Regime,
		RegimeHistory:   session.RegimeHistory,
		ClosedPnLs:      pnls,
	})
	session.PeakValue = gates.NewPeak
	result.Verdicts = gates.Verdicts
	if e.metrics != nil {
		for name, v := range gates.Verdicts {
			if !v.Passed {
				e.metrics.GateVetoesTotal.WithLabelValues(name).Inc()
			}
		}
	}

	var trade *types.Trade
	switch {
	case sig.Action == types.ActionHold:
		if result.Skipped == "" {
			result.Skipped = "signal within thresholds"
		}
	case !gates.Allowed:
		result.Skipped = "risk gate veto"
	case sig.Action == types.ActionBuy:
		trade = e.executeBuy(session, sig, gates.Verdicts, pnls, price, candles, now)
		if trade == nil {
			result.Skipped = "no cash or zero-size position"
		}
	case sig.Action == types.ActionSell:
		trade = e.executeSell(session, sig, gates.Verdicts, price, candles, now, "signal")
		if trade == nil {
			result.Skipped = "no open position"
		}
	}
	result.Trade = trade

	e.snapshot(session, price, now)
	if err := checkInvariants(session); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, session); err != nil {
		return nil, err
	}

	if trade != nil {
		if e.metrics != nil {
			e.metrics.TradesTotal.WithLabelValues(asset, string(trade.Type)).Inc()
		}
		e.publish(Event{Type: EventTrade, Asset: asset, Payload: trade, Timestamp: now})
	}
	if effective.Regime != prevEffective && prevEffective != "" {
		e.publish(Event{Type: EventRegimeChange, Asset: asset, Payload: effective, Timestamp: now})
	}
	e.publish(Event{
		Type:      EventSnapshot,
		Asset:     asset,
		Payload:   session.PortfolioHistory[len(session.PortfolioHistory)-1],
		Timestamp: now,
	})
	return result, nil
}

// executeBuy sizes and records an entry. Returns nil when there is no
// spendable cash or the sized position rounds to zero.
func (e *Engine) executeBuy(
	session *types.Session,
	sig *types.Signal,
	verdicts map[string]types.GateVerdict,
	pnls []float64,
	price decimal.Decimal,
	candles []types.Candle,
	now time.Time,
) *types.Trade {
	p := &session.Portfolio
	if p.CashBalance.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	sized := sizing.NewSizer(e.logger, session.Config).Size(sizing.Request{
		PortfolioValue: p.TotalValueAt(price),
		Regime:         sig.Regime.Regime,
		Strategy:       session.Config.StrategyFor(sig.Regime.Regime),
		ClosedPnLs:     pnls,
	})
	cash := utils.MinDecimal(sized.PositionValue, p.CashBalance)
	if cash.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	amount := cash.Div(price)

	// Average-cost basis: fold the new lot into the running average.
	totalCost := p.AvgCost.Mul(p.AssetBalance).Add(cash)
	p.AssetBalance = p.AssetBalance.Add(amount)
	p.AvgCost = totalCost.Div(p.AssetBalance)
	p.CashBalance = p.CashBalance.Sub(cash)

	trade := types.Trade{
		ID:             utils.GenerateTradeID(),
		Type:           types.TradeSideBuy,
		Timestamp:      now,
		Price:          price,
		AssetAmount:    amount,
		CashAmount:     cash,
		Signal:         sig.Value,
		Confidence:     sig.Confidence,
		PortfolioValue: p.TotalValueAt(price),
		Audit:          e.buildAudit(session, sig, verdicts, candles, &sized.Audit),
	}
	session.Trades = append(session.Trades, trade)
	e.logger.Info("buy executed",
		zap.String("asset", session.Asset),
		zap.String("price", price.String()),
		zap.String("cash", cash.String()),
		zap.Float64("positionPct", sized.PositionPct),
	)
	return &session.Trades[len(session.Trades)-1]
}

// executeSell closes the entire asset position at price. Returns nil when
// nothing is held.
func (e *Engine) executeSell(
	session *types.Session,
	sig *types.Signal,
	verdicts map[string]types.GateVerdict,
	price decimal.Decimal,
	candles []types.Candle,
	now time.Time,
	exitReason string,
) *types.Trade {
	p := &session.Portfolio
	if p.AssetBalance.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	amount := p.AssetBalance
	proceeds := amount.Mul(price)
	costBasis := p.AvgCost.Mul(amount)
	pnl := proceeds.Sub(costBasis)

	openBuys := session.OpenBuys()
	var entryTime time.Time
	if len(openBuys) > 0 {
		entryTime = openBuys[0].Timestamp
	}
	outcome := sellOutcome(pnl, costBasis, p.AvgCost, candles, entryTime, now, exitReason)

	p.CashBalance = p.CashBalance.Add(proceeds)
	p.AssetBalance = decimal.Zero
	p.AvgCost = decimal.Zero
	for _, buy := range openBuys {
		buy.FullySold = true
	}

	audit := e.buildAudit(session, sig, verdicts, candles, nil)
	audit.Sell = outcome

	trade := types.Trade{
		ID:             utils.GenerateTradeID(),
		Type:           types.TradeSideSell,
		Timestamp:      now,
		Price:          price,
		AssetAmount:    amount,
		CashAmount:     proceeds,
		Signal:         sig.Value,
		Confidence:     sig.Confidence,
		PortfolioValue: p.TotalValueAt(price),
		PnL:            &pnl,
		CostBasis:      &costBasis,
		Audit:          audit,
	}
	session.Trades = append(session.Trades, trade)
	e.logger.Info("sell executed",
		zap.String("asset", session.Asset),
		zap.String("price", price.String()),
		zap.String("pnl", pnl.String()),
		zap.String("outcome", string(outcome.Outcome)),
	)
	return &session.Trades[len(session.Trades)-1]
}

// sellOutcome classifies the round trip being closed and measures its
// excursions against the average cost over the candles held.
func sellOutcome(
	pnl, costBasis, avgCost decimal.Decimal,
	candles []types.Candle,
	entryTime, now time.Time,
	exitReason string,
) *types.SellOutcome {
	out := &types.SellOutcome{ExitReason: exitReason}
	switch {
	case pnl.GreaterThan(decimal.Zero):
		out.Outcome = types.OutcomeWin
	case pnl.LessThan(decimal.Zero):
		out.Outcome = types.OutcomeLoss
	default:
		out.Outcome = types.OutcomeBreakeven
	}
	if costBasis.GreaterThan(decimal.Zero) {
		out.ROI, _ = pnl.Div(costBasis).Float64()
	}
	if !entryTime.IsZero() {
		out.HoldingPeriod = utils.FormatDuration(now.Sub(entryTime))
	}

	avg, _ := avgCost.Float64()
	if avg <= 0 {
		return out
	}
	// Excursions over the candles held; if the entry predates the window
	// the visible window is the best available measure.
	for _, c := range candles {
		if !entryTime.IsZero() && c.Timestamp.Before(entryTime) {
			continue
		}
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		if fav := (high - avg) / avg; fav > out.MaxFavorable {
			out.MaxFavorable = fav
		}
		if adv := (avg - low) / avg; adv > out.MaxAdverse {
			out.MaxAdverse = adv
		}
	}
	return out
}

// buildAudit captures the full decision context at execution time.
func (e *Engine) buildAudit(
	session *types.Session,
	sig *types.Signal,
	verdicts map[string]types.GateVerdict,
	candles []types.Candle,
	sizingAudit *types.SizingAudit,
) *types.TradeAudit {
	strategy := session.Config.StrategyFor(sig.Regime.Regime)
	filters := make(map[string]types.GateVerdict, len(verdicts))
	for name, v := range verdicts {
		filters[name] = v
	}
	signals := make(map[string]float64, len(sig.Components))
	for name, v := range sig.Components {
		signals[name] = v
	}
	audit := &types.TradeAudit{
		Regime:           sig.Regime.Regime,
		RegimeConfidence: sig.Regime.Confidence,
		ActiveStrategy:   sig.ActiveStrategy,
		IndicatorSignals: signals,
		BuyThreshold:     strategy.BuyThreshold,
		SellThreshold:    strategy.SellThreshold,
		Volatility:       sig.Regime.Volatility,
		Trend:            sig.Regime.Trend,
		RiskFilters:      filters,
		Sizing:           sizingAudit,
	}
	if len(candles) > 0 {
		audit.Volume = candles[len(candles)-1].Volume
	}
	return audit
}

func (e *Engine) snapshot(session *types.Session, price decimal.Decimal, now time.Time) {
	p := &session.Portfolio
	total := p.TotalValueAt(price)
	p.TotalValue = total
	session.PortfolioHistory = append(session.PortfolioHistory, types.PortfolioSnapshot{
		Timestamp:    now,
		CashBalance:  p.CashBalance,
		AssetBalance: p.AssetBalance,
		AssetPrice:   price,
		TotalValue:   total,
	})
	if e.metrics != nil {
		v, _ := total.Float64()
		e.metrics.SessionValue.WithLabelValues(session.Asset).Set(v)
	}
}

func (e *Engine) commit(ctx context.Context, session *types.Session) error {
	return e.store.Put(ctx, session)
}

// publish forwards an event to the configured publisher, if any.
func (e *Engine) publish(event Event) {
	if e.publisher != nil {
		e.publisher.Publish(event)
	}
}

func checkInvariants(session *types.Session) error {
	p := session.Portfolio
	if p.CashBalance.LessThan(decimal.Zero) {
		return fmt.Errorf("%w: negative cash balance %s", ErrInvariantViolation, p.CashBalance)
	}
	if p.AssetBalance.LessThan(decimal.Zero) {
		return fmt.Errorf("%w: negative asset balance %s", ErrInvariantViolation, p.AssetBalance)
	}
	for _, t := range session.Trades {
		if t.Type == types.TradeSideBuy && t.PnL != nil {
			return fmt.Errorf("%w: buy trade %s carries realized pnl", ErrInvariantViolation, t.ID)
		}
	}
	return nil
}

func closedPnLs(session *types.Session) []float64 {
	var pnls []float64
	for _, t := range session.Trades {
		if t.Type == types.TradeSideSell && t.PnL != nil {
			v, _ := t.PnL.Float64()
			pnls = append(pnls, v)
		}
	}
	return pnls
}

// Stop ends the session permanently and returns the final performance
// report. A stopped session cannot be restarted or resumed.
func (e *Engine) Stop(ctx context.Context, asset string) (*types.Session, *analytics.Report, error) {
	release, err := e.locker.Acquire(ctx, lockKey(asset))
	if err != nil {
		return nil, nil, err
	}
	defer release()

	session, err := e.store.Get(ctx, asset)
	if err != nil {
		return nil, nil, err
	}
	if session.Status == types.SessionStopped {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionStopped, asset)
	}

	session.Status = types.SessionStopped
	if err := e.store.Put(ctx, session); err != nil {
		return nil, nil, err
	}
	if e.metrics != nil {
		e.metrics.ActiveSessions.Dec()
	}
	now := e.now()
	e.publish(Event{Type: EventSessionStopped, Asset: asset, Payload: session, Timestamp: now})
	e.logger.Info("session stopped",
		zap.String("asset", asset),
		zap.String("sessionId", session.ID),
		zap.Int("trades", len(session.Trades)),
	)
	return session, e.perf.Performance(session), nil
}

// EmergencyStop halts trading without touching open positions. The
// session stays on disk and can be resumed.
func (e *Engine) EmergencyStop(ctx context.Context, asset string) (*types.Session, error) {
	release, err := e.locker.Acquire(ctx, lockKey(asset))
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := e.store.Get(ctx, asset)
	if err != nil {
		return nil, err
	}
	if session.Status == types.SessionStopped {
		return nil, fmt.Errorf("%w: %s", ErrSessionStopped, asset)
	}
	if session.Status == types.SessionEmergencyStopped {
		return session, nil
	}

	now := e.now()
	session.Status = types.SessionEmergencyStopped
	session.IsEmergencyStopped = true
	session.EmergencyStoppedAt = &now
	if err := e.store.Put(ctx, session); err != nil {
		return nil, err
	}
	e.publish(Event{Type: EventEmergencyStop, Asset: asset, Payload: session, Timestamp: now})
	e.logger.Warn("session emergency stopped", zap.String("asset", asset))
	return session, nil
}

// Resume returns an emergency-stopped session to active trading.
func (e *Engine) Resume(ctx context.Context, asset string) (*types.Session, error) {
	release, err := e.locker.Acquire(ctx, lockKey(asset))
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := e.store.Get(ctx, asset)
	if err != nil {
		return nil, err
	}
	if session.Status != types.SessionEmergencyStopped {
		return nil, fmt.Errorf("cannot resume session in status %q", session.Status)
	}

	session.Status = types.SessionActive
	session.IsEmergencyStopped = false
	session.EmergencyStoppedAt = nil
	if err := e.store.Put(ctx, session); err != nil {
		return nil, err
	}
	now := e.now()
	e.publish(Event{Type: EventSessionResumed, Asset: asset, Payload: session, Timestamp: now})
	e.logger.Info("session resumed", zap.String("asset", asset))
	return session, nil
}

// ActiveSession returns the session document for the asset.
func (e *Engine) ActiveSession(ctx context.Context, asset string) (*types.Session, error) {
	return e.store.Get(ctx, asset)
}

// Sessions returns every stored session.
func (e *Engine) Sessions(ctx context.Context) ([]*types.Session, error) {
	return e.store.List(ctx)
}

// Performance computes the full analytics report for the asset's session.
func (e *Engine) Performance(ctx context.Context, asset string) (*analytics.Report, error) {
	session, err := e.store.Get(ctx, asset)
	if err != nil {
		return nil, err
	}
	return e.perf.Performance(session), nil
}

// Volatility reports the current per-candle return volatility for the
// asset at the session's timeframe. Used by the read-side API.
func (e *Engine) Volatility(ctx context.Context, asset string) (float64, error) {
	session, err := e.store.Get(ctx, asset)
	if err != nil {
		return 0, err
	}
	candles, err := e.candles.LatestCandles(ctx, asset,
		session.Config.BullishStrategy.Timeframe, session.Config.LookbackCandles)
	if err != nil {
		return 0, err
	}
	return indicator.Volatility(candles), nil
}
