package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MockClient is an in-memory venue used when trading is disabled and in
// tests. Market orders fill instantly at the configured mark price; stop and
// take-profit orders rest until a SetMarkPrice call crosses them.
type MockClient struct {
	mu sync.Mutex

	balance    Balance
	markPrices map[string]float64
	positions  map[string]*Position // key symbol|side
	openOrders map[string]*Order    // key order id
	trades     []Trade
	leverage   map[string]int
	byClientID map[string]*Order
	nextID     int64

	// FailNextOrder makes the next CreateOrder return an ExchangeError,
	// for rejection-path tests.
	FailNextOrder string
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock venue with the given starting wallet balance.
func NewMockClient(walletBalance float64) *MockClient {
	return &MockClient{
		balance: Balance{
			WalletBalance:    walletBalance,
			AvailableBalance: walletBalance,
			MarginBalance:    walletBalance,
			Currency:         "USDT",
		},
		markPrices: make(map[string]float64),
		positions:  make(map[string]*Position),
		openOrders: make(map[string]*Order),
		leverage:   make(map[string]int),
		byClientID: make(map[string]*Order),
		nextID:     1000,
	}
}

// SetMarkPrice sets the simulated mark price for a symbol and fills any
// resting stop/take-profit orders the move crosses.
func (m *MockClient) SetMarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrices[symbol] = price

	for id, order := range m.openOrders {
		if order.Symbol != symbol || order.StopPrice <= 0 {
			continue
		}
		triggered := false
		if order.Side == SideSell && order.Type == OrderTypeStopMarket && price <= order.StopPrice {
			triggered = true
		}
		if order.Side == SideSell && order.Type == OrderTypeTakeProfitMarket && price >= order.StopPrice {
			triggered = true
		}
		if order.Side == SideBuy && order.Type == OrderTypeStopMarket && price >= order.StopPrice {
			triggered = true
		}
		if order.Side == SideBuy && order.Type == OrderTypeTakeProfitMarket && price <= order.StopPrice {
			triggered = true
		}
		if triggered {
			// Triggered protective orders fill at the crossing mark price.
			m.fillLocked(order, price)
			delete(m.openOrders, id)
		}
	}

	for _, pos := range m.positions {
		if pos.Symbol == symbol {
			pos.MarkPrice = price
			pos.UnrealizedPnl = unrealized(pos.Side, pos.Amount, pos.EntryPrice, price)
		}
	}
}

// FetchTicker returns a minimal ticker at the mark price.
func (m *MockClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price := m.markPrices[symbol]
	if price == 0 {
		price = 100
	}
	return &Ticker{
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Last:      price,
		Bid:       price * 0.9999,
		Ask:       price * 1.0001,
		High24h:   price * 1.02,
		Low24h:    price * 0.98,
	}, nil
}

// FetchOHLCV synthesises flat candles at the mark price.
func (m *MockClient) FetchOHLCV(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Kline, error) {
	m.mu.Lock()
	price := m.markPrices[symbol]
	m.mu.Unlock()
	if price == 0 {
		price = 100
	}
	if limit <= 0 {
		limit = 100
	}

	step := timeframeDuration(timeframe)
	now := time.Now().UTC().Truncate(step)
	klines := make([]Kline, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		klines = append(klines, Kline{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  now.Add(-time.Duration(i) * step),
			Open:      price, High: price, Low: price, Close: price,
			Volume: 1,
		})
	}
	return klines, nil
}

// FetchBalance returns the simulated balance.
func (m *MockClient) FetchBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balance
	bal.UnrealizedPnl = 0
	for _, pos := range m.positions {
		bal.UnrealizedPnl += pos.UnrealizedPnl
	}
	bal.MarginBalance = bal.WalletBalance + bal.UnrealizedPnl
	return &bal, nil
}

// FetchPositions returns all open simulated positions.
func (m *MockClient) FetchPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// FetchOpenOrders returns resting orders, optionally filtered by symbol.
func (m *MockClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.openOrders))
	for _, order := range m.openOrders {
		if symbol == "" || order.Symbol == symbol {
			out = append(out, *order)
		}
	}
	return out, nil
}

// FetchMyTrades returns fills for a symbol since the given time.
func (m *MockClient) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, 0)
	for _, trade := range m.trades {
		if trade.Symbol == symbol && (since.IsZero() || !trade.Timestamp.Before(since)) {
			out = append(out, trade)
		}
	}
	return out, nil
}

// FetchFundingRate returns a flat funding rate.
func (m *MockClient) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	return &FundingRate{Symbol: symbol, Rate: 0.0001, NextFunding: time.Now().Add(4 * time.Hour)}, nil
}

// FetchLongShortRatio returns a neutral ratio.
func (m *MockClient) FetchLongShortRatio(ctx context.Context, symbol string) (*LongShortRatio, error) {
	return &LongShortRatio{Symbol: symbol, Ratio: 1.0}, nil
}

// CreateOrder simulates order submission. Duplicate clientOrderIds return
// the original order, mirroring the venue's dedup behaviour.
func (m *MockClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextOrder != "" {
		reason := m.FailNextOrder
		m.FailNextOrder = ""
		return nil, &ExchangeError{Op: "create_order", Code: 400, Message: reason}
	}

	if req.ClientOrderID != "" {
		if order, seen := m.byClientID[req.ClientOrderID]; seen {
			dup := *order
			return &dup, nil
		}
	}
	if req.Amount <= 0 {
		return nil, &ExchangeError{Op: "create_order", Code: 400, Message: "invalid order: amount must be positive"}
	}

	m.nextID++
	now := time.Now().UTC()
	order := &Order{
		ID:            strconv.FormatInt(m.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Status:        OrderStatusOpen,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Amount:        req.Amount,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.ClientOrderID != "" {
		m.byClientID[req.ClientOrderID] = order
	}

	switch req.Type {
	case OrderTypeMarket:
		price := m.markPrices[req.Symbol]
		if price == 0 {
			price = 100
		}
		m.fillLocked(order, price)
	case OrderTypeLimit:
		// Limit orders rest; SetMarkPrice never fills them.
		m.openOrders[order.ID] = order
	default:
		m.openOrders[order.ID] = order
	}

	result := *order
	return &result, nil
}

// CancelOrder removes a resting order.
func (m *MockClient) CancelOrder(ctx context.Context, id, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.openOrders[id]; !ok {
		return &OrderQueryError{OrderID: id, Symbol: symbol}
	}
	delete(m.openOrders, id)
	return nil
}

// SetLeverage records leverage for a symbol.
func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

// Leverage reports the recorded leverage for a symbol.
func (m *MockClient) Leverage(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leverage[symbol]
}

// HealthCheck always succeeds.
func (m *MockClient) HealthCheck(ctx context.Context) error { return nil }

// Stats returns empty statistics.
func (m *MockClient) Stats() Stats { return Stats{} }

// fillLocked executes an order at the given price and updates positions.
// Caller holds the mutex.
func (m *MockClient) fillLocked(order *Order, price float64) {
	order.Status = OrderStatusFilled
	order.Filled = order.Amount
	order.Average = price
	order.Fee = price * order.Amount * 0.0004
	order.UpdatedAt = time.Now().UTC()

	posSide := order.PositionSide
	if posSide == "" {
		posSide = order.Side
	}
	// A reduce-only order acts on the position opposite its own side when no
	// explicit position side was given.
	if order.ReduceOnly && order.PositionSide == "" {
		posSide = order.Side.Opposite()
	}
	key := order.Symbol + "|" + string(posSide)

	m.trades = append(m.trades, Trade{
		ID:           fmt.Sprintf("t%s", order.ID),
		OrderID:      order.ID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		PositionSide: posSide,
		Price:        price,
		Amount:       order.Amount,
		Cost:         price * order.Amount,
		Fee:          order.Fee,
		FeeCurrency:  "USDT",
		Timestamp:    order.UpdatedAt,
	})

	pos, exists := m.positions[key]
	reducing := order.ReduceOnly || (exists && order.Side != pos.Side)

	if reducing && exists {
		closed := order.Amount
		if closed > pos.Amount {
			closed = pos.Amount
		}
		pnl := unrealized(pos.Side, closed, pos.EntryPrice, price)
		m.balance.WalletBalance += pnl - order.Fee
		m.balance.AvailableBalance += pnl - order.Fee
		m.trades[len(m.trades)-1].RealizedPnl = pnl
		pos.Amount -= closed
		if pos.Amount <= 1e-12 {
			delete(m.positions, key)
		}
		return
	}

	if !exists {
		m.positions[key] = &Position{
			Symbol:     order.Symbol,
			Side:       posSide,
			Amount:     order.Amount,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   m.leverage[order.Symbol],
			UpdatedAt:  order.UpdatedAt,
		}
		return
	}

	// Increase: VWAP the entry.
	total := pos.Amount + order.Amount
	pos.EntryPrice = (pos.EntryPrice*pos.Amount + price*order.Amount) / total
	pos.Amount = total
	pos.UpdatedAt = order.UpdatedAt
}

func unrealized(side Side, amount, entry, mark float64) float64 {
	if side == SideBuy {
		return amount * (mark - entry)
	}
	return amount * (entry - mark)
}

func timeframeDuration(tf Timeframe) time.Duration {
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
		return 15 * time.Minute
	}
}
