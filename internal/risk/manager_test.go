package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/trader"
)

func testConfig() Config {
	return Config{
		MaxPositionSize:     0.20,
		MaxSingleTrade:      50000,
		MaxDailyLoss:        0.05,
		MaxDrawdown:         0.15,
		StopLossPct:         0.02,
		TakeProfitPct:       0.04,
		MinStopDistancePct:  0.003,
		MaxStopDistancePct:  0.10,
		MaxLeverageMajor:    50,
		MaxLeverageAltcoin:  20,
		HighLeverageWarning: 25,
		LiquidationBuffer:   0.05,
		HedgeMode:           true,
	}
}

func testRegime() *regime.Regime {
	now := time.Now().UTC()
	return &regime.Regime{
		Regime:                   regime.Bull,
		RiskLevel:                regime.RiskMedium,
		TradingMode:              regime.ModeNormal,
		RecommendedSymbols:       []string{"BTC", "ETH"},
		CashRatioTarget:          0.2,
		PositionSizingMultiplier: 1.0,
		Confidence:               0.8,
		CreatedAt:                now,
		ValidUntil:               now.Add(time.Hour),
	}
}

// newTestManager builds a manager over a portfolio seeded with the given
// balance and positions.
func newTestManager(balance float64, positions ...portfolio.Position) (*Manager, *portfolio.Manager) {
	pm := portfolio.NewManager(nil, 0)
	pm.Update(portfolio.Portfolio{
		WalletBalance:    balance,
		AvailableBalance: balance,
		MarginBalance:    balance,
		Positions:        positions,
	})
	m := NewManager(testConfig(), pm, nil)
	m.ObserveEquity(balance)
	return m, pm
}

func entrySignal(symbol string, long bool, price float64) *trader.Signal {
	signalType := trader.SignalEnterLong
	stop := price * 0.98
	target := price * 1.05
	if !long {
		signalType = trader.SignalEnterShort
		stop = price * 1.02
		target = price * 0.95
	}
	return &trader.Signal{
		Symbol:         symbol,
		SignalType:     signalType,
		Confidence:     0.8,
		SuggestedPrice: price,
		Leverage:       10,
		StopLoss:       stop,
		TakeProfit:     target,
		Reasoning:      "test",
	}
}

func TestCheckSignal_PassesNormalEntry(t *testing.T) {
	m, _ := newTestManager(10000)
	result := m.CheckSignal(context.Background(), entrySignal("BTC/USDT", true, 100), testRegime())
	if !result.Passed {
		t.Fatalf("expected pass, got %q", result.Reason)
	}
	if result.Amount <= 0 {
		t.Error("expected a sized amount")
	}
	if result.StopLoss <= 0 || result.TakeProfit <= 0 {
		t.Error("expected derived stop and target")
	}
}

func TestCheckSignal_LeverageCaps(t *testing.T) {
	m, _ := newTestManager(10000)

	btc := entrySignal("BTC/USDT", true, 100)
	btc.Leverage = 60
	if result := m.CheckSignal(context.Background(), btc, testRegime()); result.Passed {
		t.Error("60x on BTC should be rejected")
	}

	alt := entrySignal("SOL/USDT", true, 100)
	alt.Leverage = 30
	if result := m.CheckSignal(context.Background(), alt, testRegime()); result.Passed {
		t.Error("30x on an altcoin should be rejected")
	}

	// 30x on a major passes the band but warns above 25.
	btc30 := entrySignal("BTC/USDT", true, 100)
	btc30.Leverage = 30
	btc30.StopLoss = 99.7 // stop must stay inside the 1/30 liquidation distance
	btc30.TakeProfit = 100.6
	result := m.CheckSignal(context.Background(), btc30, testRegime())
	if !result.Passed {
		t.Fatalf("30x on BTC should pass, got %q", result.Reason)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a high-leverage warning")
	}
}

func TestCheckSignal_NotionalCap(t *testing.T) {
	m, _ := newTestManager(10000)
	signal := entrySignal("BTC/USDT", true, 100)
	signal.SuggestedAmount = 30 // 3000 notional > 20% of 10k
	result := m.CheckSignal(context.Background(), signal, testRegime())
	if result.Passed {
		t.Error("oversized notional should be rejected")
	}
	if result.SuggestedAdjustment == "" {
		t.Error("expected a suggested adjustment")
	}
}

func TestCheckSignal_HedgeCoexistence(t *testing.T) {
	long := portfolio.Position{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Amount: 0.10,
		EntryPrice: 100, CurrentPrice: 100, Leverage: 10,
		OpenedAt: time.Now().Add(-time.Hour),
	}
	m, _ := newTestManager(10000, long)

	short := entrySignal("BTC/USDT", false, 100)
	short.SuggestedAmount = 0.05
	result := m.CheckSignal(context.Background(), short, testRegime())
	if !result.Passed {
		t.Fatalf("hedge-mode opposite entry should pass, got %q", result.Reason)
	}
}

func TestCheckSignal_OneWayRejectsOpposite(t *testing.T) {
	long := portfolio.Position{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Amount: 0.10,
		EntryPrice: 100, CurrentPrice: 100, Leverage: 10,
		OpenedAt: time.Now().Add(-time.Hour),
	}
	pm := portfolio.NewManager(nil, 0)
	pm.Update(portfolio.Portfolio{
		WalletBalance: 10000, AvailableBalance: 10000, MarginBalance: 10000,
		Positions: []portfolio.Position{long},
	})
	cfg := testConfig()
	cfg.HedgeMode = false
	m := NewManager(cfg, pm, nil)
	m.ObserveEquity(10000)

	short := entrySignal("BTC/USDT", false, 100)
	short.SuggestedAmount = 0.05
	if result := m.CheckSignal(context.Background(), short, testRegime()); result.Passed {
		t.Error("one-way mode opposite entry should be rejected")
	}
}

func TestCheckSignal_DailyLossBreaker(t *testing.T) {
	// Wallet 10000, unrealised -550 exceeds the 5% daily loss cap.
	m, pm := newTestManager(10000)
	pm.Update(portfolio.Portfolio{
		WalletBalance: 9450, AvailableBalance: 9450,
		MarginBalance: 9450, UnrealizedPnl: -550,
	})

	entry := entrySignal("BTC/USDT", true, 100)
	result := m.CheckSignal(context.Background(), entry, testRegime())
	if result.Passed {
		t.Fatal("entry should be blocked by the daily loss breaker")
	}
	if !strings.Contains(result.Reason, "daily_loss_breaker") {
		t.Errorf("reason = %q, want daily_loss_breaker", result.Reason)
	}

	// Exits still execute while the breaker is tripped.
	pm.Update(portfolio.Portfolio{
		WalletBalance: 9450, AvailableBalance: 9450, MarginBalance: 9450,
		UnrealizedPnl: -550,
		Positions: []portfolio.Position{{
			Symbol: "BTC/USDT", Side: exchange.SideBuy, Amount: 1.0,
			EntryPrice: 100, CurrentPrice: 95, Leverage: 10,
			OpenedAt: time.Now().Add(-time.Hour),
		}},
	})
	exit := &trader.Signal{
		Symbol: "BTC/USDT", SignalType: trader.SignalExitLong,
		Confidence: 0.9, CloseFraction: 1.0, Reasoning: "cut",
	}
	exitResult := m.CheckSignal(context.Background(), exit, testRegime())
	if !exitResult.Passed {
		t.Errorf("exit should pass while breaker is tripped, got %q", exitResult.Reason)
	}

	// A second entry is still blocked, now by the persisted breaker state.
	if again := m.CheckSignal(context.Background(), entry, testRegime()); again.Passed {
		t.Error("breaker should persist for the rest of the UTC day")
	}

	// Manual reset clears it.
	m.ManualReset()
	pm.Update(portfolio.Portfolio{
		WalletBalance: 10000, AvailableBalance: 10000, MarginBalance: 10000,
	})
	if cleared := m.CheckSignal(context.Background(), entry, testRegime()); !cleared.Passed {
		t.Errorf("entry after manual reset should pass, got %q", cleared.Reason)
	}
}

func TestCheckSignal_DrawdownBreaker(t *testing.T) {
	m, pm := newTestManager(10000)
	// Equity falls 20% from the high-water mark.
	pm.Update(portfolio.Portfolio{
		WalletBalance: 8000, AvailableBalance: 8000, MarginBalance: 8000,
	})

	result := m.CheckSignal(context.Background(), entrySignal("BTC/USDT", true, 100), testRegime())
	if result.Passed {
		t.Fatal("entry should be blocked by the drawdown breaker")
	}
	if !strings.Contains(result.Reason, "drawdown") {
		t.Errorf("reason = %q, want drawdown breaker", result.Reason)
	}
}

func TestCheckSignal_ExitWithoutPosition(t *testing.T) {
	m, _ := newTestManager(10000)
	exit := &trader.Signal{
		Symbol: "BTC/USDT", SignalType: trader.SignalExitLong,
		Confidence: 0.9, Reasoning: "x",
	}
	if result := m.CheckSignal(context.Background(), exit, testRegime()); result.Passed {
		t.Error("exit without an open position should be rejected")
	}
}

func TestCheckSignal_ExitSizedByCloseFraction(t *testing.T) {
	pos := portfolio.Position{
		Symbol: "ETH/USDT", Side: exchange.SideBuy, Amount: 2.0,
		EntryPrice: 3000, CurrentPrice: 3100, Leverage: 5,
		OpenedAt: time.Now().Add(-time.Hour),
	}
	m, _ := newTestManager(10000, pos)

	exit := &trader.Signal{
		Symbol: "ETH/USDT", SignalType: trader.SignalExitLong,
		Confidence: 0.9, CloseFraction: 0.5, Reasoning: "take half",
	}
	result := m.CheckSignal(context.Background(), exit, testRegime())
	if !result.Passed {
		t.Fatalf("expected pass, got %q", result.Reason)
	}
	if result.Amount != 1.0 {
		t.Errorf("amount = %v, want 1.0 (half of 2.0)", result.Amount)
	}
}

func TestCheckSignal_StopDerivationAndRiskReward(t *testing.T) {
	m, _ := newTestManager(10000)
	signal := entrySignal("BTC/USDT", true, 100)
	signal.StopLoss = 0
	signal.TakeProfit = 0

	result := m.CheckSignal(context.Background(), signal, testRegime())
	if !result.Passed {
		t.Fatalf("expected pass, got %q", result.Reason)
	}
	// stop = 100 * (1 - 0.02), target = 100 * (1 + 0.04 * 1.0)
	if result.StopLoss < 97.9 || result.StopLoss > 98.1 {
		t.Errorf("derived stop = %v, want ~98", result.StopLoss)
	}
	if result.TakeProfit < 103.9 || result.TakeProfit > 104.1 {
		t.Errorf("derived target = %v, want ~104", result.TakeProfit)
	}

	// A target barely above entry fails the 1:1.2 reward floor.
	tight := entrySignal("BTC/USDT", true, 100)
	tight.StopLoss = 98
	tight.TakeProfit = 101
	if result := m.CheckSignal(context.Background(), tight, testRegime()); result.Passed {
		t.Error("1:0.5 risk-reward should be rejected")
	}
}

func TestCheckSignal_StopDistanceBounds(t *testing.T) {
	m, _ := newTestManager(10000)

	tooTight := entrySignal("BTC/USDT", true, 100)
	tooTight.StopLoss = 99.9
	tooTight.TakeProfit = 100.5
	if result := m.CheckSignal(context.Background(), tooTight, testRegime()); result.Passed {
		t.Error("stop inside the minimum distance should be rejected")
	}

	tooWide := entrySignal("BTC/USDT", true, 100)
	tooWide.Leverage = 2
	tooWide.StopLoss = 85
	tooWide.TakeProfit = 130
	if result := m.CheckSignal(context.Background(), tooWide, testRegime()); result.Passed {
		t.Error("stop beyond the maximum distance should be rejected")
	}
}

func TestCheckSignal_HoldIsNotExecutable(t *testing.T) {
	m, _ := newTestManager(10000)
	hold := trader.Hold("BTC/USDT", "wait")
	if result := m.CheckSignal(context.Background(), hold, testRegime()); result.Passed {
		t.Error("hold signals must not pass risk checks")
	}
}
