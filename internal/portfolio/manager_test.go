package portfolio

import (
	"testing"
	"time"

	"perp-trading-agent/internal/exchange"
)

func TestGetPosition(t *testing.T) {
	m := NewManager(nil, 0)
	m.Update(Portfolio{
		WalletBalance: 10000,
		Positions: []Position{
			{Symbol: "BTC/USDT", Side: exchange.SideBuy, Amount: 0.1, EntryPrice: 60000},
			{Symbol: "BTC/USDT", Side: exchange.SideSell, Amount: 0.05, EntryPrice: 61000},
		},
	})

	long, ok := m.GetPosition("BTC/USDT", exchange.SideBuy)
	if !ok || long.Amount != 0.1 {
		t.Errorf("long lookup failed: %+v ok=%v", long, ok)
	}
	short, ok := m.GetPosition("BTC/USDT", exchange.SideSell)
	if !ok || short.Amount != 0.05 {
		t.Errorf("short lookup failed: %+v ok=%v", short, ok)
	}
	if _, ok := m.GetPosition("ETH/USDT", exchange.SideBuy); ok {
		t.Error("unexpected position for ETH")
	}

	if both := m.PositionsFor("BTC/USDT"); len(both) != 2 {
		t.Errorf("PositionsFor = %d rows, want 2 (hedge mode)", len(both))
	}
}

func TestGetPortfolio_ReturnsCopy(t *testing.T) {
	m := NewManager(nil, 0)
	m.Update(Portfolio{
		WalletBalance: 5000,
		Positions:     []Position{{Symbol: "BTC/USDT", Side: exchange.SideBuy, Amount: 1}},
	})

	p := m.GetPortfolio()
	p.Positions[0].Amount = 999

	again := m.GetPortfolio()
	if again.Positions[0].Amount != 1 {
		t.Error("cached portfolio was mutated through a reader's copy")
	}
}

func TestCashRatio(t *testing.T) {
	p := Portfolio{
		MarginBalance: 10000,
		Positions: []Position{
			{Symbol: "BTC/USDT", Side: exchange.SideBuy, Amount: 0.5, CurrentPrice: 60000, Leverage: 10},
		},
	}
	// used margin = 0.5 * 60000 / 10 = 3000 -> cash ratio 0.7
	if got := p.CashRatio(); got < 0.69 || got > 0.71 {
		t.Errorf("cash ratio = %v, want ~0.7", got)
	}

	empty := Portfolio{MarginBalance: 10000}
	if got := empty.CashRatio(); got != 1 {
		t.Errorf("cash ratio with no positions = %v, want 1", got)
	}

	broke := Portfolio{}
	if got := broke.CashRatio(); got != 1 {
		t.Errorf("cash ratio with zero balance = %v, want 1", got)
	}
}

func TestSummarize(t *testing.T) {
	m := NewManager(nil, 0)
	m.Update(Portfolio{
		WalletBalance:    10000,
		AvailableBalance: 7000,
		MarginBalance:    10000,
		UnrealizedPnl:    150,
		Positions: []Position{
			{Symbol: "ETH/USDT", Side: exchange.SideBuy, Amount: 2, EntryPrice: 3000,
				CurrentPrice: 3075, UnrealizedPnl: 150, UnrealizedPnlPct: 2.5,
				Leverage: 5, OpenedAt: time.Now()},
		},
	})

	summary := m.Summarize()
	if summary.PositionCount != 1 {
		t.Errorf("position count = %d", summary.PositionCount)
	}
	if len(summary.Positions) != 1 || summary.Positions[0].Symbol != "ETH/USDT" {
		t.Errorf("summary positions = %+v", summary.Positions)
	}
	if summary.UnrealizedPnl != 150 {
		t.Errorf("unrealized = %v", summary.UnrealizedPnl)
	}
}
