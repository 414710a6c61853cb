package exchange

import "time"

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket           OrderType = "market"
	OrderTypeLimit            OrderType = "limit"
	OrderTypeStopMarket       OrderType = "stop_market"
	OrderTypeTakeProfitMarket OrderType = "take_profit_market"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// Timeframe is a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Ticker is a 24h market ticker for one symbol.
type Ticker struct {
	Symbol             string    `json:"symbol"`
	Timestamp          time.Time `json:"timestamp"`
	Last               float64   `json:"last"`
	Bid                float64   `json:"bid"`
	Ask                float64   `json:"ask"`
	High24h            float64   `json:"high_24h"`
	Low24h             float64   `json:"low_24h"`
	BaseVolume         float64   `json:"base_volume"`
	QuoteVolume        float64   `json:"quote_volume"`
	PercentChange24h   float64   `json:"percent_change_24h"`
}

// Kline is one OHLCV candle.
type Kline struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Valid reports whether the candle satisfies the OHLC ordering invariant.
func (k Kline) Valid() bool {
	lo, hi := k.Open, k.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return k.Low <= lo && hi <= k.High && k.Volume >= 0
}

// Balance is the futures account balance view.
type Balance struct {
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	MarginBalance    float64 `json:"margin_balance"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	Currency         string  `json:"currency"`
}

// Position is a venue-reported open position.
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"` // buy=long, sell=short in hedge mode
	Amount           float64 `json:"amount"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Order is a venue-reported order.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price"`
	Amount        float64     `json:"amount"`
	Filled        float64     `json:"filled"`
	Average       float64     `json:"average"`
	Fee           float64     `json:"fee"`
	FeeCurrency   string      `json:"fee_currency"`
	ReduceOnly    bool        `json:"reduce_only"`
	PositionSide  Side        `json:"position_side"` // hedge-mode position the order affects
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Raw           string      `json:"raw,omitempty"`
}

// OrderRequest describes an order to create.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Type          OrderType `json:"type"`
	Side          Side      `json:"side"`
	Amount        float64   `json:"amount"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	PositionSide  Side      `json:"position_side,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Trade is one fill on the account.
type Trade struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	PositionSide Side     `json:"position_side"`
	Price       float64   `json:"price"`
	Amount      float64   `json:"amount"`
	Cost        float64   `json:"cost"`
	Fee         float64   `json:"fee"`
	FeeCurrency string    `json:"fee_currency"`
	RealizedPnl float64   `json:"realized_pnl"`
	IsLiquidation bool    `json:"is_liquidation"`
	Timestamp   time.Time `json:"timestamp"`
}

// FundingRate is the current funding state for a perpetual.
type FundingRate struct {
	Symbol      string    `json:"symbol"`
	Rate        float64   `json:"rate"`
	NextFunding time.Time `json:"next_funding"`
}

// LongShortRatio is the venue's account long/short ratio for a symbol.
type LongShortRatio struct {
	Symbol string  `json:"symbol"`
	Ratio  float64 `json:"ratio"` // longs / shorts
}

// UserStreamEvent is pushed by the websocket user-data stream when the
// account's orders or positions change.
type UserStreamEvent struct {
	Type      string    `json:"type"` // "order_update" | "account_update"
	Symbol    string    `json:"symbol"`
	OrderID   string    `json:"order_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats are gateway rate-limiter statistics.
type Stats struct {
	TotalRequests int64         `json:"total_requests"`
	TotalWaits    int64         `json:"total_waits"`
	AverageWait   time.Duration `json:"average_wait"`
}
