package database

import (
	"encoding/json"
	"time"
)

// CloseReason classifies why a position closed.
type CloseReason string

const (
	CloseReasonManual      CloseReason = "manual"
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonLiquidation CloseReason = "liquidation"
	CloseReasonSystem      CloseReason = "system"
	CloseReasonUnknown     CloseReason = "unknown"
)

// DecisionLayer distinguishes strategist and trader decision rows.
type DecisionLayer string

const (
	LayerStrategic DecisionLayer = "strategic"
	LayerTactical  DecisionLayer = "tactical"
)

// OrderRow is the persisted order record.
type OrderRow struct {
	ID               int64     `json:"id"`
	VenueOrderID     string    `json:"venue_order_id"`
	ClientOrderID    string    `json:"client_order_id"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	Type             string    `json:"type"`
	Status           string    `json:"status"`
	Price            float64   `json:"price"`
	Amount           float64   `json:"amount"`
	Filled           float64   `json:"filled"`
	Average          float64   `json:"average"`
	Fee              float64   `json:"fee"`
	FeeCurrency      string    `json:"fee_currency"`
	StopPrice        float64   `json:"stop_price"`
	LinkedDecisionID int64     `json:"linked_decision_id"`
	RawPayload       string    `json:"raw_payload"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TradeRow is one persisted fill.
type TradeRow struct {
	ID        int64     `json:"id"`
	VenueID   string    `json:"venue_id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Cost      float64   `json:"cost"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionRow is the persisted position record. At most one open row exists
// per (exchange_id, symbol, side), enforced by a partial unique index.
type PositionRow struct {
	ID           int64      `json:"id"`
	ExchangeID   int64      `json:"exchange_id"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	IsOpen       bool       `json:"is_open"`
	Amount       float64    `json:"amount"`
	EntryPrice   float64    `json:"entry_price"`
	CurrentPrice float64    `json:"current_price"`
	Leverage     int        `json:"leverage"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	EntryFee     float64    `json:"entry_fee"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// ClosedPositionRow is the persisted record of a completed round trip.
type ClosedPositionRow struct {
	ID                     int64       `json:"id"`
	ExchangeID             int64       `json:"exchange_id"`
	Symbol                 string      `json:"symbol"`
	Side                   string      `json:"side"`
	Amount                 float64     `json:"amount"`
	EntryPrice             float64     `json:"entry_price"`
	EntryFee               float64     `json:"entry_fee"`
	EntryTime              time.Time   `json:"entry_time"`
	ExitPrice              float64     `json:"exit_price"`
	ExitTime               time.Time   `json:"exit_time"`
	ExitOrderID            string      `json:"exit_order_id"`
	Fee                    float64     `json:"fee"`
	Leverage               int         `json:"leverage"`
	RealizedPnl            float64     `json:"realized_pnl"`
	RealizedPnlPct         float64     `json:"realized_pnl_pct"`
	HoldingDurationSeconds int64       `json:"holding_duration_seconds"`
	CloseReason            CloseReason `json:"close_reason"`
}

// PortfolioSnapshotRow is one archived portfolio snapshot, unique per
// (exchange_id, snapshot_date).
type PortfolioSnapshotRow struct {
	ID               int64           `json:"id"`
	ExchangeID       int64           `json:"exchange_id"`
	SnapshotDate     time.Time       `json:"snapshot_date"`
	WalletBalance    float64         `json:"wallet_balance"`
	AvailableBalance float64         `json:"available_balance"`
	MarginBalance    float64         `json:"margin_balance"`
	UnrealizedPnl    float64         `json:"unrealized_pnl"`
	Positions        json.RawMessage `json:"positions"`
	PositionCount    int             `json:"position_count"`
	ArchiveReason    string          `json:"archive_reason"` // auto | close
	IsArchive        bool            `json:"is_archive"`
}

// DecisionRow is one persisted model decision, strategic or tactical.
type DecisionRow struct {
	ID        int64           `json:"id"`
	Layer     DecisionLayer   `json:"layer"`
	ModelUsed string          `json:"model_used"`
	TokensUsed int            `json:"tokens_used"`
	LatencyMs int64           `json:"latency_ms"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	CreatedAt time.Time       `json:"created_at"`
}

// AccountSettingsRow records the configured starting capital per venue.
type AccountSettingsRow struct {
	ID              int64     `json:"id"`
	ExchangeID      int64     `json:"exchange_id"`
	InitialCapital  float64   `json:"initial_capital"`
	CapitalCurrency string    `json:"capital_currency"`
	SetAt           time.Time `json:"set_at"`
}
