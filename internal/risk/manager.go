// Package risk implements the pre-trade checks, sizing, stop/target
// derivation, and the daily-loss and drawdown circuit breakers.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/trader"
)

// Config holds the risk limits.
type Config struct {
	MaxPositionSize     float64 // fraction of wallet per position
	MaxSingleTrade      float64 // absolute quote cap per trade
	MaxDailyLoss        float64 // fraction, trips the daily breaker
	MaxDrawdown         float64 // fraction from high-water mark
	StopLossPct         float64
	TakeProfitPct       float64
	MinStopDistancePct  float64
	MaxStopDistancePct  float64
	MaxLeverageMajor    int
	MaxLeverageAltcoin  int
	HighLeverageWarning int
	LiquidationBuffer   float64
	HedgeMode           bool
	MinRiskReward       float64 // required reward/risk ratio, default 1.2
}

// CheckResult is the outcome of the layered risk checks. When Passed, the
// Amount/Leverage/StopLoss/TakeProfit fields are the final execution
// parameters.
type CheckResult struct {
	Passed              bool     `json:"passed"`
	Reason              string   `json:"reason,omitempty"`
	SuggestedAdjustment string   `json:"suggested_adjustment,omitempty"`
	Warnings            []string `json:"warnings,omitempty"`
	Amount              float64  `json:"amount,omitempty"`
	Leverage            int      `json:"leverage,omitempty"`
	StopLoss            float64  `json:"stop_loss,omitempty"`
	TakeProfit          float64  `json:"take_profit,omitempty"`
}

func rejected(reason string) CheckResult {
	return CheckResult{Passed: false, Reason: reason}
}

// breakerState is the persisted circuit breaker state. Mirrored to Redis so
// a restart inside the same UTC day stays tripped.
type breakerState struct {
	Tripped bool   `json:"tripped"`
	Reason  string `json:"reason"`
	Day     string `json:"day"` // UTC date the trip belongs to
}

// Manager performs the layered risk checks.
type Manager struct {
	cfg       Config
	portfolio *portfolio.Manager
	cache     *cache.Service
	log       *logging.Logger

	mu            sync.Mutex
	breaker       breakerState
	highWaterMark float64
	dayStartEquity float64
	dayStart      string
}

// NewManager creates a risk manager and restores breaker state from the
// cache if a trip from the current UTC day is present.
func NewManager(cfg Config, pm *portfolio.Manager, cacheSvc *cache.Service) *Manager {
	if cfg.MinRiskReward == 0 {
		cfg.MinRiskReward = 1.2
	}
	m := &Manager{
		cfg:       cfg,
		portfolio: pm,
		cache:     cacheSvc,
		log:       logging.New("risk"),
	}

	if cacheSvc != nil {
		var persisted breakerState
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if ok, _ := cacheSvc.GetJSON(ctx, cache.BreakerKey(), &persisted); ok {
			if persisted.Tripped && persisted.Day == utcDay(time.Now()) {
				m.breaker = persisted
				m.log.Warn().Str("reason", persisted.Reason).Msg("restored tripped circuit breaker")
			}
		}
	}
	return m
}

// ObserveEquity feeds the current margin balance into the high-water mark
// and the daily loss baseline. Called by the reconciler after each sync.
func (m *Manager) ObserveEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := utcDay(time.Now())
	if m.dayStart != day {
		m.dayStart = day
		m.dayStartEquity = equity
		if m.breaker.Tripped && m.breaker.Day != day {
			// New UTC day clears the daily breaker.
			m.breaker = breakerState{}
			m.persistBreakerLocked()
			m.log.Info().Msg("circuit breaker reset at UTC day rollover")
		}
	}
	if equity > m.highWaterMark {
		m.highWaterMark = equity
	}
}

// BreakerTripped reports the current breaker state.
func (m *Manager) BreakerTripped() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.Tripped && m.breaker.Day == utcDay(time.Now()) {
		return true, m.breaker.Reason
	}
	return false, ""
}

// ManualReset clears the breaker before the UTC day rollover.
func (m *Manager) ManualReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker = breakerState{}
	m.persistBreakerLocked()
	m.log.Warn().Msg("circuit breaker manually reset")
}

// CheckSignal runs, for entries, the portfolio-level breakers first and then
// the order-level and position-level checks; the first failure rejects. Exits
// bypass the breaker and
// sizing caps: reducing risk is always allowed.
func (m *Manager) CheckSignal(ctx context.Context, signal *trader.Signal, reg *regime.Regime) CheckResult {
	if signal.SignalType == trader.SignalHold {
		return rejected("hold signals are not executable")
	}

	if signal.SignalType.IsExit() {
		return m.checkExit(signal)
	}

	// Portfolio-level breakers run first for entries: no point sizing a
	// trade the breaker will reject.
	if result := m.checkPortfolio(ctx, signal, reg); !result.Passed {
		return result
	}
	return m.checkEntry(ctx, signal, reg)
}

func (m *Manager) checkExit(signal *trader.Signal) CheckResult {
	position, ok := m.portfolio.GetPosition(signal.Symbol, signal.SignalType.PositionSide())
	if !ok {
		return rejected(fmt.Sprintf("no open %s position on %s to exit",
			signal.SignalType.PositionSide(), signal.Symbol))
	}

	amount := position.Amount * signal.EffectiveCloseFraction()
	return CheckResult{Passed: true, Amount: amount, Leverage: position.Leverage}
}

func (m *Manager) checkEntry(ctx context.Context, signal *trader.Signal, reg *regime.Regime) CheckResult {
	p := m.portfolio.GetPortfolio()
	price := signal.SuggestedPrice
	if price <= 0 {
		return rejected("entry signal without a usable price")
	}

	var warnings []string

	// Leverage bands.
	leverage := signal.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	maxLeverage := m.cfg.MaxLeverageAltcoin
	if isMajor(signal.Symbol) {
		maxLeverage = m.cfg.MaxLeverageMajor
	}
	if leverage > maxLeverage {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("leverage %d exceeds cap %d for %s", leverage, maxLeverage, signal.Symbol),
			SuggestedAdjustment: fmt.Sprintf("reduce leverage to %d", maxLeverage),
		}
	}
	if leverage > m.cfg.HighLeverageWarning {
		warnings = append(warnings, fmt.Sprintf("leverage %d above warning level %d", leverage, m.cfg.HighLeverageWarning))
		m.log.Warn().Str("symbol", signal.Symbol).Int("leverage", leverage).Msg("high leverage entry")
	}

	// Sizing: model-suggested amount, else regime-scaled default. The
	// multiplier is additionally scaled down when the cash ratio has
	// drifted far from the regime target.
	multiplier := reg.PositionSizingMultiplier
	if deviation := p.CashRatio() - reg.CashRatioTarget; deviation < -0.2 {
		scaled := multiplier * (1 + deviation) // deviation is negative
		if scaled < 0.25 {
			scaled = 0.25
		}
		warnings = append(warnings, fmt.Sprintf(
			"cash ratio %.2f below target %.2f, sizing multiplier scaled %.2f -> %.2f",
			p.CashRatio(), reg.CashRatioTarget, multiplier, scaled))
		multiplier = scaled
	}

	amount := signal.SuggestedAmount
	if amount <= 0 {
		notional := p.WalletBalance * m.cfg.MaxPositionSize * multiplier
		if notional > m.cfg.MaxSingleTrade {
			notional = m.cfg.MaxSingleTrade
		}
		amount = notional / price
	}
	if amount <= 0 {
		return rejected("computed position size is zero")
	}

	// Order-level notional caps.
	notional := amount * price
	maxNotional := m.cfg.MaxPositionSize * p.WalletBalance
	if existing, ok := m.portfolio.GetPosition(signal.Symbol, signal.SignalType.PositionSide()); ok {
		notional += existing.Amount * existing.CurrentPrice
	}
	if notional > maxNotional {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("notional %.2f exceeds max position size %.2f", notional, maxNotional),
			SuggestedAdjustment: fmt.Sprintf("reduce amount to %.6f", maxNotional/price),
		}
	}
	if amount*price > m.cfg.MaxSingleTrade {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("single trade notional %.2f exceeds cap %.2f", amount*price, m.cfg.MaxSingleTrade),
			SuggestedAdjustment: fmt.Sprintf("reduce amount to %.6f", m.cfg.MaxSingleTrade/price),
		}
	}

	// Margin check.
	requiredMargin := amount * price / float64(leverage)
	if requiredMargin > p.AvailableBalance {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("required margin %.2f exceeds available %.2f", requiredMargin, p.AvailableBalance),
			SuggestedAdjustment: "reduce size or leverage",
		}
	}

	// Position-level: opposite-side coexistence.
	opposite := signal.SignalType.PositionSide().Opposite()
	if _, hasOpposite := m.portfolio.GetPosition(signal.Symbol, opposite); hasOpposite && !m.cfg.HedgeMode {
		return rejected(fmt.Sprintf(
			"one-way mode: opposite %s position already open on %s", opposite, signal.Symbol))
	}

	// Stop / take-profit derivation and bounds.
	long := signal.SignalType == trader.SignalEnterLong
	stop := signal.StopLoss
	if stop <= 0 {
		if long {
			stop = price * (1 - m.cfg.StopLossPct)
		} else {
			stop = price * (1 + m.cfg.StopLossPct)
		}
	}
	target := signal.TakeProfit
	if target <= 0 {
		move := m.cfg.TakeProfitPct * reg.PositionSizingMultiplier
		if long {
			target = price * (1 + move)
		} else {
			target = price * (1 - move)
		}
	}

	stopDist := math.Abs(price-stop) / price
	if stopDist < m.cfg.MinStopDistancePct-1e-9 {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("stop distance %.4f below minimum %.4f", stopDist, m.cfg.MinStopDistancePct),
			SuggestedAdjustment: "widen the stop",
		}
	}
	if stopDist > m.cfg.MaxStopDistancePct {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("stop distance %.4f above maximum %.4f", stopDist, m.cfg.MaxStopDistancePct),
			SuggestedAdjustment: "tighten the stop",
		}
	}

	// The stop must trigger safely inside the liquidation distance.
	liqDistance := 1.0 / float64(leverage)
	if stopDist > liqDistance*(1-m.cfg.LiquidationBuffer) {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("stop distance %.4f too close to liquidation distance %.4f at %dx", stopDist, liqDistance, leverage),
			SuggestedAdjustment: "lower leverage or tighten the stop",
		}
	}

	// Reward must cover risk.
	reward := math.Abs(target - price)
	riskAmt := math.Abs(price - stop)
	if riskAmt > 0 && reward/riskAmt < m.cfg.MinRiskReward {
		return CheckResult{
			Passed:              false,
			Reason:              fmt.Sprintf("risk-reward %.2f below required %.2f", reward/riskAmt, m.cfg.MinRiskReward),
			SuggestedAdjustment: "widen the target or tighten the stop",
		}
	}

	return CheckResult{
		Passed:     true,
		Warnings:   warnings,
		Amount:     amount,
		Leverage:   leverage,
		StopLoss:   stop,
		TakeProfit: target,
	}
}

// checkPortfolio enforces the daily-loss and drawdown breakers for entries.
func (m *Manager) checkPortfolio(ctx context.Context, signal *trader.Signal, reg *regime.Regime) CheckResult {
	if tripped, reason := m.BreakerTripped(); tripped {
		return rejected(reason)
	}

	p := m.portfolio.GetPortfolio()
	equity := p.MarginBalance

	m.mu.Lock()
	dayStartEquity := m.dayStartEquity
	hwm := m.highWaterMark
	m.mu.Unlock()

	// Daily loss: realised today plus current unrealised, against the
	// day-start equity.
	if dayStartEquity > 0 {
		dayStart := startOfUTCDay(time.Now())
		realized, err := m.portfolio.RealizedPnlSince(ctx, dayStart)
		if err != nil {
			m.log.Warn().Err(err).Msg("daily pnl lookup failed, skipping daily-loss check this tick")
		} else {
			dayLoss := -(realized + p.UnrealizedPnl)
			if dayLoss > m.cfg.MaxDailyLoss*dayStartEquity {
				m.trip(fmt.Sprintf("daily_loss_breaker: loss %.2f exceeds %.2f%% of %.2f",
					dayLoss, m.cfg.MaxDailyLoss*100, dayStartEquity))
				return rejected("daily_loss_breaker")
			}
		}
	}

	// Drawdown from the high-water mark.
	if hwm > 0 && equity > 0 {
		drawdown := (hwm - equity) / hwm
		if drawdown > m.cfg.MaxDrawdown {
			m.trip(fmt.Sprintf("drawdown_breaker: %.2f%% from high-water mark %.2f",
				drawdown*100, hwm))
			return rejected("drawdown_breaker")
		}
	}

	return CheckResult{Passed: true}
}

func (m *Manager) trip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breaker.Tripped {
		return
	}
	m.breaker = breakerState{Tripped: true, Reason: reason, Day: utcDay(time.Now())}
	m.persistBreakerLocked()
	m.log.Warn().Str("reason", reason).Msg("circuit breaker tripped: entries blocked until next UTC day")
}

// persistBreakerLocked mirrors breaker state to the cache. Caller holds mu.
func (m *Manager) persistBreakerLocked() {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = m.cache.SetJSON(ctx, cache.BreakerKey(), m.breaker, 48*time.Hour)
}

// isMajor reports whether the symbol's base is BTC or ETH.
func isMajor(symbol string) bool {
	base := symbol
	if idx := strings.IndexAny(symbol, "/:"); idx >= 0 {
		base = symbol[:idx]
	}
	return base == "BTC" || base == "ETH"
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func startOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
