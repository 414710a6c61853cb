package exchange

import (
	"context"
	"time"
)

// PaperClient serves market reads from the real venue while routing every
// account mutation and account read to the in-memory mock. Used when
// trading is disabled: decisions run against live data, orders are only
// recorded locally.
type PaperClient struct {
	market Client // live venue, reads only
	sim    *MockClient
}

var _ Client = (*PaperClient)(nil)

// NewPaperClient creates a paper client over a live market-data client.
func NewPaperClient(market Client, startingBalance float64) *PaperClient {
	return &PaperClient{
		market: market,
		sim:    NewMockClient(startingBalance),
	}
}

// Sim exposes the underlying simulator (tests and mark-price feeding).
func (p *PaperClient) Sim() *MockClient { return p.sim }

// FetchTicker reads from the live venue and mirrors the mark price into the
// simulator so resting stops trigger realistically.
func (p *PaperClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	ticker, err := p.market.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.sim.SetMarkPrice(symbol, ticker.Last)
	return ticker, nil
}

// FetchOHLCV reads from the live venue.
func (p *PaperClient) FetchOHLCV(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Kline, error) {
	return p.market.FetchOHLCV(ctx, symbol, timeframe, limit)
}

// FetchFundingRate reads from the live venue.
func (p *PaperClient) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	return p.market.FetchFundingRate(ctx, symbol)
}

// FetchLongShortRatio reads from the live venue.
func (p *PaperClient) FetchLongShortRatio(ctx context.Context, symbol string) (*LongShortRatio, error) {
	return p.market.FetchLongShortRatio(ctx, symbol)
}

// FetchBalance reads the simulated account.
func (p *PaperClient) FetchBalance(ctx context.Context) (*Balance, error) {
	return p.sim.FetchBalance(ctx)
}

// FetchPositions reads the simulated account.
func (p *PaperClient) FetchPositions(ctx context.Context) ([]Position, error) {
	return p.sim.FetchPositions(ctx)
}

// FetchOpenOrders reads the simulated account.
func (p *PaperClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	return p.sim.FetchOpenOrders(ctx, symbol)
}

// FetchMyTrades reads the simulated account.
func (p *PaperClient) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	return p.sim.FetchMyTrades(ctx, symbol, since)
}

// CreateOrder records the order in the simulator only.
func (p *PaperClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return p.sim.CreateOrder(ctx, req)
}

// CancelOrder cancels in the simulator only.
func (p *PaperClient) CancelOrder(ctx context.Context, id, symbol string) error {
	return p.sim.CancelOrder(ctx, id, symbol)
}

// SetLeverage records leverage in the simulator only.
func (p *PaperClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return p.sim.SetLeverage(ctx, symbol, leverage)
}

// HealthCheck pings the live venue.
func (p *PaperClient) HealthCheck(ctx context.Context) error {
	return p.market.HealthCheck(ctx)
}

// Stats reports the live client's limiter statistics.
func (p *PaperClient) Stats() Stats { return p.market.Stats() }
