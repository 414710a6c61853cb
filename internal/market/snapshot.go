// Package market builds per-symbol fused snapshots for the trader: last
// price, indicators, recent candles, funding, and long/short ratio.
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/logging"
)

// Snapshot is the per-symbol view handed to the trader.
type Snapshot struct {
	Symbol         string           `json:"symbol"`
	Timestamp      time.Time        `json:"timestamp"`
	Last           float64          `json:"last"`
	Change24h      float64          `json:"change_24h"`
	QuoteVolume    float64          `json:"quote_volume"`
	Indicators     *IndicatorBundle `json:"indicators"`
	FundingRate    *float64         `json:"funding_rate,omitempty"`
	LongShortRatio *float64         `json:"long_short_ratio,omitempty"`
	CandleTail     []exchange.Kline `json:"candle_tail"`
}

// KlineArchiver receives fetched candles for durable archival. Implemented
// by the database layer.
type KlineArchiver interface {
	SaveKlines(ctx context.Context, klines []exchange.Kline) error
}

// BuilderConfig configures the snapshot builder.
type BuilderConfig struct {
	PrimaryTimeframe     exchange.Timeframe
	CandleWindow         int
	SnapshotTTL          time.Duration
	MaxSnapshotAge       time.Duration
	MaxConcurrentFetches int
	CandleTailLength     int
}

// Builder fetches market data and assembles snapshots, storing them in the
// short-term cache.
type Builder struct {
	client   exchange.Client
	cache    *cache.Service
	archiver KlineArchiver
	cfg      BuilderConfig
	log      *logging.Logger

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewBuilder creates a snapshot builder. archiver may be nil to skip kline
// archival.
func NewBuilder(client exchange.Client, cacheSvc *cache.Service, archiver KlineArchiver, cfg BuilderConfig) *Builder {
	if cfg.PrimaryTimeframe == "" {
		cfg.PrimaryTimeframe = exchange.Timeframe15m
	}
	if cfg.CandleWindow == 0 {
		cfg.CandleWindow = 100
	}
	if cfg.SnapshotTTL == 0 {
		cfg.SnapshotTTL = 30 * time.Second
	}
	if cfg.MaxSnapshotAge == 0 {
		cfg.MaxSnapshotAge = 30 * time.Second
	}
	if cfg.MaxConcurrentFetches == 0 {
		cfg.MaxConcurrentFetches = 5
	}
	if cfg.CandleTailLength == 0 {
		cfg.CandleTailLength = 10
	}

	return &Builder{
		client:    client,
		cache:     cacheSvc,
		archiver:  archiver,
		cfg:       cfg,
		log:       logging.New("market"),
		snapshots: make(map[string]*Snapshot),
	}
}

// RefreshAll rebuilds snapshots for all symbols, bounded by the fetch
// semaphore. Individual symbol failures are logged and skipped.
func (b *Builder) RefreshAll(ctx context.Context, symbols []string) {
	sem := make(chan struct{}, b.cfg.MaxConcurrentFetches)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := b.Build(ctx, symbol); err != nil {
				b.log.Warn().Str("symbol", symbol).Err(err).Msg("snapshot refresh failed")
			}
		}()
	}
	wg.Wait()
}

// Build fetches fresh data for one symbol and assembles its snapshot.
func (b *Builder) Build(ctx context.Context, symbol string) (*Snapshot, error) {
	ticker, err := b.client.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}

	klines, err := b.client.FetchOHLCV(ctx, symbol, b.cfg.PrimaryTimeframe, b.cfg.CandleWindow)
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", symbol, err)
	}

	if b.archiver != nil && len(klines) > 0 {
		if err := b.archiver.SaveKlines(ctx, klines); err != nil {
			b.log.Warn().Str("symbol", symbol).Err(err).Msg("kline archive failed")
		}
	}

	snapshot := &Snapshot{
		Symbol:      symbol,
		Timestamp:   time.Now().UTC(),
		Last:        ticker.Last,
		Change24h:   ticker.PercentChange24h,
		QuoteVolume: ticker.QuoteVolume,
		Indicators:  ComputeIndicators(klines),
		CandleTail:  candleTail(klines, b.cfg.CandleTailLength),
	}

	// Derivatives data is optional; failures leave the fields nil.
	if funding, err := b.client.FetchFundingRate(ctx, symbol); err == nil {
		snapshot.FundingRate = &funding.Rate
	}
	if ratio, err := b.client.FetchLongShortRatio(ctx, symbol); err == nil {
		snapshot.LongShortRatio = &ratio.Ratio
	}

	b.mu.Lock()
	b.snapshots[symbol] = snapshot
	b.mu.Unlock()

	if b.cache != nil {
		_ = b.cache.SetJSON(ctx, cache.SnapshotKey(symbol), snapshot, b.cfg.SnapshotTTL)
		// Daily fetch accounting, surfaced alongside the limiter stats.
		_, _ = b.cache.IncrementCounter(ctx, "snapshot_fetches", 1)
	}
	return snapshot, nil
}

// Get returns the snapshot for a symbol if it is fresh enough to trade on.
// Snapshots without indicators are never returned.
func (b *Builder) Get(symbol string) (*Snapshot, bool) {
	b.mu.RLock()
	snapshot, ok := b.snapshots[symbol]
	b.mu.RUnlock()

	if !ok || snapshot.Indicators == nil {
		return nil, false
	}
	if time.Since(snapshot.Timestamp) > b.cfg.MaxSnapshotAge {
		return nil, false
	}
	return snapshot, true
}

// SnapshotMap returns a frozen copy of all tradeable snapshots, keyed by
// unified symbol. The trader uses this copy for an entire tick.
func (b *Builder) SnapshotMap() map[string]*Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]*Snapshot, len(b.snapshots))
	for symbol, snapshot := range b.snapshots {
		if snapshot.Indicators == nil || time.Since(snapshot.Timestamp) > b.cfg.MaxSnapshotAge {
			continue
		}
		copied := *snapshot
		out[symbol] = &copied
	}
	return out
}

// Overview summarises all snapshots for the strategist: symbols sorted by
// quote volume with their 24h change.
func (b *Builder) Overview() []SymbolOverview {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]SymbolOverview, 0, len(b.snapshots))
	for _, snapshot := range b.snapshots {
		out = append(out, SymbolOverview{
			Symbol:      snapshot.Symbol,
			Last:        snapshot.Last,
			Change24h:   snapshot.Change24h,
			QuoteVolume: snapshot.QuoteVolume,
		})
	}
	sortOverviews(out)
	return out
}

// SymbolOverview is a one-line market summary for the strategist prompt.
type SymbolOverview struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Change24h   float64 `json:"change_24h"`
	QuoteVolume float64 `json:"quote_volume"`
}

func sortOverviews(overviews []SymbolOverview) {
	sort.Slice(overviews, func(i, j int) bool {
		return overviews[i].QuoteVolume > overviews[j].QuoteVolume
	})
}

func candleTail(klines []exchange.Kline, n int) []exchange.Kline {
	if len(klines) <= n {
		return klines
	}
	return klines[len(klines)-n:]
}
