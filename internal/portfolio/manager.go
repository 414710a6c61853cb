// Package portfolio maintains the read-only cached view of balances,
// positions, and open orders. The reconciler rebuilds it; the strategist,
// trader, and risk manager only read.
package portfolio

import (
	"context"
	"sync"
	"time"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
)

// Position is the cached live view of one open position.
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             exchange.Side `json:"side"`
	Amount           float64   `json:"amount"`
	EntryPrice       float64   `json:"entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	UnrealizedPnl    float64   `json:"unrealized_pnl"`
	UnrealizedPnlPct float64   `json:"unrealized_pnl_pct"`
	Leverage         int       `json:"leverage"`
	StopLoss         float64   `json:"stop_loss,omitempty"`
	TakeProfit       float64   `json:"take_profit,omitempty"`
	EntryFee         float64   `json:"entry_fee"`
	LiquidationPrice float64   `json:"liquidation_price,omitempty"`
	OpenedAt         time.Time `json:"opened_at"`
}

// Portfolio is the cached account view.
type Portfolio struct {
	WalletBalance    float64    `json:"wallet_balance"`
	AvailableBalance float64    `json:"available_balance"`
	MarginBalance    float64    `json:"margin_balance"`
	UnrealizedPnl    float64    `json:"unrealized_pnl"`
	Positions        []Position `json:"positions"`
	OpenOrderCount   int        `json:"open_order_count"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CashRatio is the fraction of margin balance not tied up in positions.
func (p *Portfolio) CashRatio() float64 {
	if p.MarginBalance <= 0 {
		return 1
	}
	used := 0.0
	for _, pos := range p.Positions {
		if pos.Leverage > 0 {
			used += pos.CurrentPrice * pos.Amount / float64(pos.Leverage)
		} else {
			used += pos.CurrentPrice * pos.Amount
		}
	}
	ratio := 1 - used/p.MarginBalance
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// Metrics summarises closed-trade performance over a range.
type Metrics struct {
	TradeCount    int     `json:"trade_count"`
	WinCount      int     `json:"win_count"`
	LossCount     int     `json:"loss_count"`
	WinRate       float64 `json:"win_rate"`
	RealizedPnl   float64 `json:"realized_pnl"`
	TotalFees     float64 `json:"total_fees"`
	AverageHoldSec int64  `json:"average_hold_sec"`
}

// Manager holds the cached portfolio. Pure projection: it never calls the
// venue itself.
type Manager struct {
	db         *database.DB
	exchangeID int64

	mu      sync.RWMutex
	current Portfolio
}

// NewManager creates a portfolio manager over the DAO's history.
func NewManager(db *database.DB, exchangeID int64) *Manager {
	return &Manager{db: db, exchangeID: exchangeID}
}

// Update replaces the cached portfolio. Called by the reconciler only.
func (m *Manager) Update(p Portfolio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	m.current = p
}

// GetPortfolio returns a copy of the cached portfolio.
func (m *Manager) GetPortfolio() Portfolio {
	m.mu.RLock()
	defer m.mu.RUnlock()

	copied := m.current
	copied.Positions = append([]Position(nil), m.current.Positions...)
	return copied
}

// GetPosition returns the open position for (symbol, side), if any.
func (m *Manager) GetPosition(symbol string, side exchange.Side) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pos := range m.current.Positions {
		if pos.Symbol == symbol && pos.Side == side {
			return pos, true
		}
	}
	return Position{}, false
}

// PositionsFor returns all open positions on a symbol (both sides in hedge
// mode).
func (m *Manager) PositionsFor(symbol string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Position
	for _, pos := range m.current.Positions {
		if pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out
}

// ComputeMetrics aggregates closed positions exiting within the range.
func (m *Manager) ComputeMetrics(ctx context.Context, since time.Time) (*Metrics, error) {
	if m.db == nil {
		return &Metrics{}, nil
	}
	closed, err := m.db.ClosedPositionsSince(ctx, m.exchangeID, since)
	if err != nil {
		return nil, err
	}

	metrics := &Metrics{}
	var totalHold int64
	for _, row := range closed {
		metrics.TradeCount++
		metrics.RealizedPnl += row.RealizedPnl
		metrics.TotalFees += row.Fee
		totalHold += row.HoldingDurationSeconds
		if row.RealizedPnl >= 0 {
			metrics.WinCount++
		} else {
			metrics.LossCount++
		}
	}
	if metrics.TradeCount > 0 {
		metrics.WinRate = float64(metrics.WinCount) / float64(metrics.TradeCount) * 100
		metrics.AverageHoldSec = totalHold / int64(metrics.TradeCount)
	}
	return metrics, nil
}

// RealizedPnlSince sums realised pnl for closed positions since the cutoff,
// used by the risk manager's daily-loss accounting.
func (m *Manager) RealizedPnlSince(ctx context.Context, since time.Time) (float64, error) {
	metrics, err := m.ComputeMetrics(ctx, since)
	if err != nil {
		return 0, err
	}
	return metrics.RealizedPnl, nil
}

// Summary is the compact portfolio description serialised into prompts.
type Summary struct {
	WalletBalance    float64           `json:"wallet_balance"`
	AvailableBalance float64           `json:"available_balance"`
	UnrealizedPnl    float64           `json:"unrealized_pnl"`
	CashRatio        float64           `json:"cash_ratio"`
	PositionCount    int               `json:"position_count"`
	Positions        []PositionSummary `json:"positions"`
}

// PositionSummary is the per-position slice of the prompt summary.
type PositionSummary struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Amount           float64 `json:"amount"`
	EntryPrice       float64 `json:"entry_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	UnrealizedPnlPct float64 `json:"unrealized_pnl_pct"`
	Leverage         int     `json:"leverage"`
}

// Summarize builds the prompt-ready portfolio summary.
func (m *Manager) Summarize() Summary {
	p := m.GetPortfolio()
	summary := Summary{
		WalletBalance:    p.WalletBalance,
		AvailableBalance: p.AvailableBalance,
		UnrealizedPnl:    p.UnrealizedPnl,
		CashRatio:        p.CashRatio(),
		PositionCount:    len(p.Positions),
	}
	for _, pos := range p.Positions {
		summary.Positions = append(summary.Positions, PositionSummary{
			Symbol:           pos.Symbol,
			Side:             string(pos.Side),
			Amount:           pos.Amount,
			EntryPrice:       pos.EntryPrice,
			UnrealizedPnl:    pos.UnrealizedPnl,
			UnrealizedPnlPct: pos.UnrealizedPnlPct,
			Leverage:         pos.Leverage,
		})
	}
	return summary
}
